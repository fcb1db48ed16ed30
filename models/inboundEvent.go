package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/pos_reconciler/appctx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InboundEvent is one device-captured activity record. Device sync appends
// rows; the engine only moves Status from pending to a terminal state and
// maintains the retry bookkeeping columns.
// Unique constraint: (tenant_id, idempotency_key).
type InboundEvent struct {
	ID             int            `gorm:"primary_key" json:"id"`
	TenantId       TenantID       `gorm:"size:64;not null;index:uniq_inbound_key,unique;index:idx_inbound_queue,priority:1" json:"tenant_id"`
	IdempotencyKey string         `gorm:"size:191;not null;index:uniq_inbound_key,unique" json:"idempotency_key"`
	Kind           EventKind      `gorm:"size:40;not null" json:"kind"`
	DeviceCode     string         `gorm:"size:100" json:"device_code"`
	Payload        datatypes.JSON `gorm:"type:json;not null" json:"payload"`
	CapturedAt     time.Time      `gorm:"not null" json:"captured_at"`
	ReceivedAt     time.Time      `gorm:"not null;index:idx_inbound_queue,priority:3" json:"received_at"`
	Status         EventStatus    `gorm:"size:20;not null;default:pending;index:idx_inbound_queue,priority:2" json:"status"`

	// Retry bookkeeping for transient failures. The event stays pending.
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at"`
	LastError     *string    `gorm:"type:text" json:"last_error"`

	// Set by the claiming transaction; only visible once that transaction commits.
	ClaimToken *string    `gorm:"size:64" json:"claim_token"`
	ClaimedBy  *string    `gorm:"size:128" json:"claimed_by"`
	ClaimedAt  *time.Time `json:"claimed_at"`

	AppliedAt        *time.Time `json:"applied_at"`
	QuarantinedAt    *time.Time `json:"quarantined_at"`
	QuarantineKind   *string    `gorm:"size:20;index" json:"quarantine_kind"`
	QuarantineCode   *string    `gorm:"size:64" json:"quarantine_code"`
	QuarantineReason *string    `gorm:"type:text" json:"quarantine_reason"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (e *InboundEvent) IsTerminal() bool {
	return e.Status == EventStatusApplied || e.Status == EventStatusQuarantined
}

// BeforeCreate normalizes a freshly appended row.
func (e *InboundEvent) BeforeCreate(tx *gorm.DB) error {
	_ = tx
	if strings.TrimSpace(string(e.TenantId)) == "" {
		return errors.New("inbound event: tenant_id is required")
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return errors.New("inbound event: idempotency_key is required")
	}
	if e.Status == "" {
		e.Status = EventStatusPending
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	if e.CapturedAt.IsZero() {
		e.CapturedAt = e.ReceivedAt
	}
	e.ReceivedAt = e.ReceivedAt.UTC()
	e.CapturedAt = e.CapturedAt.UTC()
	return nil
}

// AppendInboundEvent is the ingestion boundary. A device resend with an
// existing (tenant, idempotency_key) is a no-op and reports inserted=false.
func AppendInboundEvent(ctx context.Context, db *gorm.DB, ev *InboundEvent) (inserted bool, err error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(ev)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListTenantsWithPendingEvents is the scheduler's cross-tenant discovery query.
// It deliberately runs outside tenant scope. A tenant is listed only when the
// head of its queue is due: a due event behind one still waiting to retry
// cannot be applied, so the tenant has nothing to do yet.
func ListTenantsWithPendingEvents(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]TenantID, error) {
	var tenants []TenantID
	db = db.WithContext(appctx.WithoutTenantScope(ctx))
	waiting := db.Table("inbound_events AS waiting").
		Select("1").
		Where("waiting.tenant_id = inbound_events.tenant_id AND waiting.status = ?", EventStatusPending).
		Where("waiting.next_attempt_at > ?", now).
		Where("waiting.received_at < inbound_events.received_at OR (waiting.received_at = inbound_events.received_at AND waiting.id < inbound_events.id)")
	q := db.Model(&InboundEvent{}).
		Distinct("tenant_id").
		Where("status = ?", EventStatusPending).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Where("NOT EXISTS (?)", waiting).
		Order("tenant_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("tenant_id", &tenants).Error; err != nil {
		return nil, err
	}
	return tenants, nil
}

// ListPendingEvents returns the tenant's pending queue in (received_at, id) order.
// Events whose retry is not yet due are included; the caller stops at them so
// later events never overtake an earlier one.
func ListPendingEvents(ctx context.Context, db *gorm.DB, tenantId TenantID, limit int) ([]InboundEvent, error) {
	var events []InboundEvent
	q := db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantId, EventStatusPending).
		Order("received_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func ListQuarantinedEvents(ctx context.Context, db *gorm.DB, tenantId TenantID, limit int) ([]InboundEvent, error) {
	var events []InboundEvent
	q := db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantId, EventStatusQuarantined).
		Order("quarantined_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
