package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/pos_reconciler/appctx"
	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Lease is an exclusive, time-bounded claim on one tenant's queue. It is
// passed by value to whoever processes the tenant and handed back to Release.
type Lease struct {
	TenantId  models.TenantID
	Holder    string
	Token     string
	ExpiresAt time.Time

	redisLock *redislock.Lock
}

// TenantLeaser hands out per-tenant leases. TryAcquire never blocks: a lease
// held by someone else is (nil, nil).
type TenantLeaser interface {
	TryAcquire(ctx context.Context, tenantId models.TenantID, holder string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
}

// DBLeaser keeps leases in tenant_leases. An expired row is taken over with a
// conditional update, so a crashed holder blocks its tenant for at most ttl.
type DBLeaser struct {
	DB  *gorm.DB
	Now func() time.Time
}

func (l *DBLeaser) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *DBLeaser) TryAcquire(ctx context.Context, tenantId models.TenantID, holder string, ttl time.Duration) (*Lease, error) {
	now := l.now()
	row := models.TenantLease{
		TenantId:   tenantId,
		Holder:     holder,
		Token:      uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	db := l.DB.WithContext(appctx.WithTenant(ctx, string(tenantId)))

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		res = db.Model(&models.TenantLease{}).
			Where("tenant_id = ? AND expires_at <= ?", tenantId, now).
			Updates(map[string]interface{}{
				"holder":      row.Holder,
				"token":       row.Token,
				"acquired_at": row.AcquiredAt,
				"expires_at":  row.ExpiresAt,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, nil
		}
	}
	return &Lease{TenantId: tenantId, Holder: holder, Token: row.Token, ExpiresAt: row.ExpiresAt}, nil
}

// Release deletes the row only if the token still matches; a lease that
// expired and was taken over is left to its new holder.
func (l *DBLeaser) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	return l.DB.WithContext(appctx.WithTenant(ctx, string(lease.TenantId))).
		Where("tenant_id = ? AND token = ?", lease.TenantId, lease.Token).
		Delete(&models.TenantLease{}).Error
}

// RedisLeaser uses redislock; Redis expiry plays the role of expires_at.
type RedisLeaser struct {
	Locker *redislock.Client
	Now    func() time.Time
}

func tenantLeaseKey(tenantId models.TenantID) string {
	return fmt.Sprintf("reconciler:lease:%s", tenantId)
}

func (l *RedisLeaser) TryAcquire(ctx context.Context, tenantId models.TenantID, holder string, ttl time.Duration) (*Lease, error) {
	lock, err := l.Locker.Obtain(ctx, tenantLeaseKey(tenantId), ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, nil
		}
		return nil, err
	}
	now := time.Now().UTC()
	if l.Now != nil {
		now = l.Now().UTC()
	}
	return &Lease{
		TenantId:  tenantId,
		Holder:    holder,
		Token:     lock.Token(),
		ExpiresAt: now.Add(ttl),
		redisLock: lock,
	}, nil
}

func (l *RedisLeaser) Release(ctx context.Context, lease *Lease) error {
	if lease == nil || lease.redisLock == nil {
		return nil
	}
	err := lease.redisLock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
