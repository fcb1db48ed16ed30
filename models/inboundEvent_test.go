package models_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/pos_reconciler/config"
	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), config.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.Migrate(db))
	return db
}

func pendingEvent(tenant models.TenantID, key string, received time.Time) *models.InboundEvent {
	return &models.InboundEvent{
		TenantId:       tenant,
		IdempotencyKey: key,
		Kind:           models.EventKindShiftOpen,
		DeviceCode:     "POS-1",
		Payload:        datatypes.JSON(`{"device_code":"POS-1","shift_key":"` + key + `"}`),
		ReceivedAt:     received,
	}
}

func TestAppendInboundEvent_DuplicateKeyIsNoop(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	at := time.Date(2025, 1, 3, 10, 0, 0, 0, time.UTC)

	inserted, err := models.AppendInboundEvent(ctx, db, pendingEvent("acme", "k1", at))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = models.AppendInboundEvent(ctx, db, pendingEvent("acme", "k1", at.Add(time.Minute)))
	require.NoError(t, err)
	require.False(t, inserted, "resend must not create a second row")

	// The same key under another tenant is a different event.
	inserted, err = models.AppendInboundEvent(ctx, db, pendingEvent("globex", "k1", at))
	require.NoError(t, err)
	require.True(t, inserted)

	var stored models.InboundEvent
	require.NoError(t, db.Where("tenant_id = ? AND idempotency_key = ?", "acme", "k1").First(&stored).Error)
	require.Equal(t, models.EventStatusPending, stored.Status)
	require.True(t, stored.CapturedAt.Equal(at), "captured_at defaults to received_at")
}

func TestAppendInboundEvent_RequiresTenantAndKey(t *testing.T) {
	db := newTestDB(t)
	_, err := models.AppendInboundEvent(context.Background(), db, pendingEvent("", "k1", time.Now()))
	require.Error(t, err)
	_, err = models.AppendInboundEvent(context.Background(), db, pendingEvent("acme", " ", time.Now()))
	require.Error(t, err)
}

func TestPendingQueues(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 3, 10, 0, 0, 0, time.UTC)

	// Appended out of order; the queue follows received_at.
	for _, ev := range []*models.InboundEvent{
		pendingEvent("acme", "k3", base.Add(3*time.Second)),
		pendingEvent("acme", "k1", base.Add(1*time.Second)),
		pendingEvent("acme", "k2", base.Add(2*time.Second)),
		pendingEvent("globex", "g1", base),
		pendingEvent("initech", "i1", base),
	} {
		_, err := models.AppendInboundEvent(ctx, db, ev)
		require.NoError(t, err)
	}

	events, err := models.ListPendingEvents(ctx, db, "acme", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, []string{"k1", "k2", "k3"}, []string{events[0].IdempotencyKey, events[1].IdempotencyKey, events[2].IdempotencyKey})

	// globex's only event waits for a retry; it is not due yet.
	later := base.Add(time.Hour)
	require.NoError(t, db.Model(&models.InboundEvent{}).
		Where("tenant_id = ? AND idempotency_key = ?", "globex", "g1").
		Update("next_attempt_at", later).Error)
	// initech's event is settled.
	require.NoError(t, db.Model(&models.InboundEvent{}).
		Where("tenant_id = ?", "initech").
		Update("status", models.EventStatusApplied).Error)

	tenants, err := models.ListTenantsWithPendingEvents(ctx, db, base.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Equal(t, []models.TenantID{"acme"}, tenants)

	tenants, err = models.ListTenantsWithPendingEvents(ctx, db, later, 0)
	require.NoError(t, err)
	require.Equal(t, []models.TenantID{"acme", "globex"}, tenants)

	// A due event queued behind one that still waits does not make the tenant due.
	_, err = models.AppendInboundEvent(ctx, db, pendingEvent("globex", "g2", base.Add(time.Second)))
	require.NoError(t, err)
	tenants, err = models.ListTenantsWithPendingEvents(ctx, db, base.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Equal(t, []models.TenantID{"acme"}, tenants)

	// Events retrying later in the queue do not hold back a due head.
	require.NoError(t, db.Model(&models.InboundEvent{}).
		Where("tenant_id = ? AND idempotency_key = ?", "acme", "k3").
		Update("next_attempt_at", later).Error)
	tenants, err = models.ListTenantsWithPendingEvents(ctx, db, base.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Equal(t, []models.TenantID{"acme"}, tenants)
}

func TestDecodePayload(t *testing.T) {
	p, err := models.DecodePayload(models.EventKindSale, []byte(`{"device_code":"POS-1","lines":[{"item_id":7,"qty":"2","unit_price":{"usd":"1.50"}}]}`))
	require.NoError(t, err)
	sale, ok := p.(*models.SalePayload)
	require.True(t, ok)
	require.Equal(t, 7, sale.Lines[0].ItemId)
	require.Equal(t, "1.5", sale.Lines[0].UnitPrice.Usd.String())
	require.Nil(t, sale.Lines[0].UnitPrice.Local)

	_, err = models.DecodePayload("refund_all", []byte(`{}`))
	require.Error(t, err)
	_, err = models.DecodePayload(models.EventKindSale, nil)
	require.Error(t, err)
	_, err = models.DecodePayload(models.EventKindSale, []byte(`{"lines":"nope"}`))
	require.Error(t, err)
}
