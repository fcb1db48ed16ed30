package workflow

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/pos_reconciler/config"
	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"bitbucket.org/mmdatafocus/pos_reconciler/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var testAccounts = map[models.AccountRole]string{
	models.AccountRoleCash:          "1000",
	models.AccountRoleBank:          "1010",
	models.AccountRoleAR:            "1100",
	models.AccountRoleInventory:     "1200",
	models.AccountRoleCashClearing:  "1090",
	models.AccountRoleVatPayable:    "2100",
	models.AccountRoleGrni:          "2150",
	models.AccountRoleSales:         "4000",
	models.AccountRoleSalesReturns:  "4010",
	models.AccountRoleCogs:          "5000",
	models.AccountRoleInvAdjustment: "5100",
	models.AccountRoleRounding:      "5900",
	models.AccountRoleRestockFees:   "4900",
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestDB opens a private in-memory SQLite database with every table.
// One connection keeps the shared-cache database alive and serializes writers.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), config.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.Migrate(db))
	return db
}

type fixture struct {
	db        *gorm.DB
	tenant    models.TenantID
	warehouse models.Warehouse
	device    models.Device
	// tracked keeps lots, plain does not.
	tracked  models.Item
	plain    models.Item
	pipeline *Pipeline
	clock    time.Time
	seq      int
}

// seedTenant creates a tenant with one warehouse, one device, two items, a
// 4000 local-per-USD exchange rate and the full account mapping.
func seedTenant(t *testing.T, db *gorm.DB, tenant models.TenantID) *fixture {
	t.Helper()
	f := &fixture{db: db, tenant: tenant, clock: time.Date(2024, 12, 1, 8, 0, 0, 0, time.UTC)}

	require.NoError(t, db.Create(&models.Tenant{ID: tenant, Name: string(tenant), IsActive: true}).Error)
	f.warehouse = models.Warehouse{TenantId: tenant, Name: "Main", IsActive: true}
	require.NoError(t, db.Create(&f.warehouse).Error)
	f.device = models.Device{TenantId: tenant, DeviceCode: "POS-1", WarehouseId: f.warehouse.ID, IsActive: true}
	require.NoError(t, db.Create(&f.device).Error)
	f.tracked = models.Item{TenantId: tenant, Sku: "MILK", Name: "Milk", TrackLots: true, IsActive: true}
	require.NoError(t, db.Create(&f.tracked).Error)
	f.plain = models.Item{TenantId: tenant, Sku: "SOAP", Name: "Soap", IsActive: true}
	require.NoError(t, db.Create(&f.plain).Error)
	require.NoError(t, db.Create(&models.ExchangeRate{
		TenantId: tenant,
		RateDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Rate:     dec("4000"),
	}).Error)
	for role, code := range testAccounts {
		require.NoError(t, db.Create(&models.TenantAccountDefault{TenantId: tenant, Role: role, AccountCode: code}).Error)
	}

	f.pipeline = NewPipeline(db, quietLogger(), config.ConsumerSettings{EventTimeout: 5 * time.Second}, &TenantConfig{})
	return f
}

func newFixture(t *testing.T) *fixture {
	return seedTenant(t, newTestDB(t), "acme")
}

// appendEvent stores a pending event captured one second after the previous one.
func (f *fixture) appendEvent(t *testing.T, key string, kind models.EventKind, payload any) *models.InboundEvent {
	t.Helper()
	f.clock = f.clock.Add(time.Second)
	ev := &models.InboundEvent{
		TenantId:       f.tenant,
		IdempotencyKey: key,
		Kind:           kind,
		DeviceCode:     f.device.DeviceCode,
		Payload:        datatypes.JSON(utils.MustJSON(payload)),
		CapturedAt:     f.clock,
		ReceivedAt:     f.clock,
	}
	inserted, err := models.AppendInboundEvent(context.Background(), f.db, ev)
	require.NoError(t, err)
	require.True(t, inserted, "event %s should be new", key)
	return ev
}

func (f *fixture) process(t *testing.T, ev *models.InboundEvent) Outcome {
	t.Helper()
	return f.pipeline.Process(context.Background(), f.tenant, ev, "test-worker")
}

// apply appends and processes an event that must succeed.
func (f *fixture) apply(t *testing.T, key string, kind models.EventKind, payload any) *models.InboundEvent {
	t.Helper()
	ev := f.appendEvent(t, key, kind, payload)
	out := f.process(t, ev)
	if out.Status != OutcomeApplied {
		t.Fatalf("%s: expected applied, got %s (%v)", key, out.Status, out.Err)
	}
	return ev
}

func (f *fixture) reload(t *testing.T, ev *models.InboundEvent) *models.InboundEvent {
	t.Helper()
	var fresh models.InboundEvent
	require.NoError(t, f.db.Where("tenant_id = ? AND id = ?", f.tenant, ev.ID).First(&fresh).Error)
	return &fresh
}

func (f *fixture) count(t *testing.T, model any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Where(where, args...).Count(&n).Error)
	return n
}

func (f *fixture) openShift(t *testing.T, key string) *models.InboundEvent {
	t.Helper()
	return f.apply(t, key, models.EventKindShiftOpen, map[string]any{
		"device_code":  f.device.DeviceCode,
		"shift_key":    key,
		"cashier_id":   "cashier-1",
		"opening_cash": map[string]any{"usd": "100", "local": "400000"},
	})
}

func (f *fixture) receive(t *testing.T, key string, item models.Item, qty, costUsd, lot, expiry string) *models.InboundEvent {
	t.Helper()
	line := map[string]any{
		"item_id":   item.ID,
		"qty":       qty,
		"unit_cost": map[string]any{"usd": costUsd},
	}
	if lot != "" {
		line["lot_code"] = lot
	}
	if expiry != "" {
		line["expiry_date"] = expiry
	}
	return f.apply(t, key, models.EventKindGoodsReceipt, map[string]any{
		"warehouse_id": f.warehouse.ID,
		"supplier_ref": "PO-" + key,
		"lines":        []any{line},
	})
}

func (f *fixture) salePayload(item models.Item, qty, priceUsd string) map[string]any {
	return map[string]any{
		"device_code":    f.device.DeviceCode,
		"payment_method": "cash",
		"lines": []any{map[string]any{
			"item_id":    item.ID,
			"qty":        qty,
			"unit_price": map[string]any{"usd": priceUsd},
		}},
	}
}

func (f *fixture) journalFor(t *testing.T, ev *models.InboundEvent) *models.JournalEntry {
	t.Helper()
	var entry models.JournalEntry
	require.NoError(t, f.db.Where("tenant_id = ? AND source_event_id = ?", f.tenant, ev.ID).Preload("Lines").First(&entry).Error)
	return &entry
}

// roleAmounts sums a journal entry per (role, side) in USD and local.
func roleAmounts(entry *models.JournalEntry) map[string][2]decimal.Decimal {
	out := map[string][2]decimal.Decimal{}
	for _, l := range entry.Lines {
		if l.DebitUsd.IsPositive() || l.DebitLocal.IsPositive() {
			k := string(l.Role) + "/debit"
			cur := out[k]
			out[k] = [2]decimal.Decimal{cur[0].Add(l.DebitUsd), cur[1].Add(l.DebitLocal)}
		}
		if l.CreditUsd.IsPositive() || l.CreditLocal.IsPositive() {
			k := string(l.Role) + "/credit"
			cur := out[k]
			out[k] = [2]decimal.Decimal{cur[0].Add(l.CreditUsd), cur[1].Add(l.CreditLocal)}
		}
	}
	return out
}

func requireAmount(t *testing.T, got map[string][2]decimal.Decimal, key, usd, local string) {
	t.Helper()
	v, ok := got[key]
	if !ok {
		t.Fatalf("no %s line in journal, have %v", key, got)
	}
	if !v[0].Equal(dec(usd)) || !v[1].Equal(dec(local)) {
		t.Fatalf("%s: expected usd %s local %s, got usd %s local %s", key, usd, local, v[0], v[1])
	}
}

func requireNoIntegrityIssues(t *testing.T, f *fixture) {
	t.Helper()
	issues, err := CheckTenantIntegrity(context.Background(), f.db, f.tenant, &TenantConfig{})
	require.NoError(t, err)
	if len(issues) > 0 {
		t.Fatalf("integrity issues: %+v", issues)
	}
}
