package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/pos_reconciler/appctx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TenantHeartbeat is the per-tenant liveness and failure streak record the
// ops dashboard reads. It never influences retry eligibility.
type TenantHeartbeat struct {
	TenantId            TenantID          `gorm:"primaryKey;size:64" json:"tenant_id"`
	WorkerId            string            `gorm:"size:128" json:"worker_id"`
	LastCycleAt         time.Time         `gorm:"not null" json:"last_cycle_at"`
	LastSuccessAt       *time.Time        `json:"last_success_at"`
	LastProgressAt      *time.Time        `json:"last_progress_at"`
	ConsecutiveFailures int               `gorm:"not null;default:0" json:"consecutive_failures"`
	LastError           *string           `gorm:"type:text" json:"last_error"`
	LastErrorKind       *string           `gorm:"size:20" json:"last_error_kind"`
	LastErrorAt         *time.Time        `json:"last_error_at"`
	TotalApplied        int64             `gorm:"not null;default:0" json:"total_applied"`
	TotalQuarantined    int64             `gorm:"not null;default:0" json:"total_quarantined"`
	TotalInvariant      int64             `gorm:"not null;default:0" json:"total_invariant"`
	LastCycle           datatypes.JSONMap `gorm:"type:json" json:"last_cycle"`
	UpdatedAt           time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func ListHeartbeats(ctx context.Context, db *gorm.DB) ([]TenantHeartbeat, error) {
	var rows []TenantHeartbeat
	err := db.WithContext(appctx.WithoutTenantScope(ctx)).
		Order("tenant_id").
		Find(&rows).Error
	return rows, err
}

func GetHeartbeat(ctx context.Context, db *gorm.DB, tenantId TenantID) (*TenantHeartbeat, error) {
	var row TenantHeartbeat
	if err := db.WithContext(ctx).Where("tenant_id = ?", tenantId).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// TenantLease is the database lease backend row. One row per tenant, taken
// over by another holder only after ExpiresAt.
type TenantLease struct {
	TenantId   TenantID  `gorm:"primaryKey;size:64" json:"tenant_id"`
	Holder     string    `gorm:"size:128;not null" json:"holder"`
	Token      string    `gorm:"size:64;not null" json:"token"`
	AcquiredAt time.Time `gorm:"not null" json:"acquired_at"`
	ExpiresAt  time.Time `gorm:"not null;index" json:"expires_at"`
}
