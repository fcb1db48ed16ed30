package workflow

import (
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"bitbucket.org/mmdatafocus/pos_reconciler/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// materializeStage is the per-kind state: validating -> building -> ready,
// or validating/building -> rejected.
type materializeStage string

const (
	stageValidating materializeStage = "validating"
	stageBuilding   materializeStage = "building"
	stageReady      materializeStage = "ready"
	stageRejected   materializeStage = "rejected"
)

type stockOpKind string

const (
	stockOpInbound  stockOpKind = "inbound"
	stockOpOutbound stockOpKind = "outbound"
	stockOpRestock  stockOpKind = "restock"
)

// stockOp is the inventory effect one document line implies.
type stockOp struct {
	LineIndex     int
	Kind          stockOpKind
	Item          *models.Item
	Warehouse     *models.Warehouse
	Qty           decimal.Decimal
	UnitCostUsd   decimal.Decimal
	UnitCostLocal decimal.Decimal
	LotCode       string
	ExpiryDate    *time.Time
	Sources       []RestockSource
}

// Draft is a validated, built document that has not been costed or persisted.
type Draft struct {
	Document *models.Document
	Stock    []stockOp
	// ValueAtCost marks stock documents whose line amounts are the costed
	// inventory value rather than a selling price.
	ValueAtCost bool
	// Effects runs inside the event transaction right before the document is
	// written (shift state changes).
	Effects func(tx *gorm.DB, doc *models.Document) error
}

// kindHandler is one independent state machine per event kind.
type kindHandler interface {
	validate(bc *buildContext) error
	build(bc *buildContext) (*Draft, error)
}

// buildContext carries the explicit tenant and per-event lookups.
type buildContext struct {
	tx         *gorm.DB
	tenantId   models.TenantID
	event      *models.InboundEvent
	items      map[int]*models.Item
	warehouses map[int]*models.Warehouse
	devices    map[string]*models.Device
}

type Materializer struct {
	Logger *logrus.Logger
}

// Materialize decodes the tagged payload, validates it against tenant data
// and business rules, and builds the canonical document.
func (m *Materializer) Materialize(tx *gorm.DB, tenantId models.TenantID, ev *models.InboundEvent) (*Draft, error) {
	if ev.TenantId != tenantId {
		return nil, Invariant(CodeInvalidPayload, "event %d belongs to another tenant", ev.ID)
	}
	if !ev.Kind.IsValid() {
		return nil, Validation(CodeUnknownKind, "unknown event kind %q", ev.Kind)
	}
	payload, err := models.DecodePayload(ev.Kind, ev.Payload)
	if err != nil {
		return nil, &ProcessingError{Kind: ErrorKindValidation, Code: CodeInvalidPayload, Message: "payload does not decode", Err: err}
	}
	if err := utils.ValidateStruct(payload); err != nil {
		return nil, Validation(CodeInvalidPayload, "payload fields failed validation: %v", utils.ProcessValidationErrors(err))
	}

	var h kindHandler
	switch p := payload.(type) {
	case *models.SalePayload:
		h = &saleHandler{p: p}
	case *models.ReturnPayload:
		h = &returnHandler{p: p}
	case *models.StockAdjustmentPayload:
		h = &adjustmentHandler{p: p}
	case *models.GoodsReceiptPayload:
		h = &receiptHandler{p: p}
	case *models.ShiftOpenPayload:
		h = &shiftOpenHandler{p: p}
	case *models.ShiftClosePayload:
		h = &shiftCloseHandler{p: p}
	case *models.CashMovementPayload:
		h = &cashMovementHandler{p: p}
	default:
		return nil, Validation(CodeUnknownKind, "no handler for %T", payload)
	}

	bc := &buildContext{
		tx:         tx,
		tenantId:   tenantId,
		event:      ev,
		items:      map[int]*models.Item{},
		warehouses: map[int]*models.Warehouse{},
		devices:    map[string]*models.Device{},
	}

	stage := stageValidating
	if err := h.validate(bc); err != nil {
		m.trace(ev, stageRejected, stage, err)
		return nil, err
	}
	stage = stageBuilding
	draft, err := h.build(bc)
	if err != nil {
		m.trace(ev, stageRejected, stage, err)
		return nil, err
	}
	draft.Document.TenantId = tenantId
	draft.Document.SourceEventId = ev.ID
	draft.Document.SourceEventKey = ev.IdempotencyKey
	draft.Document.DocumentDate = ev.CapturedAt
	for i := range draft.Document.Lines {
		draft.Document.Lines[i].TenantId = tenantId
		draft.Document.Lines[i].LineNo = i + 1
	}
	m.trace(ev, stageReady, stage, nil)
	return draft, nil
}

func (m *Materializer) trace(ev *models.InboundEvent, to, from materializeStage, err error) {
	if m.Logger == nil {
		return
	}
	fields := logrus.Fields{
		"tenant_id": ev.TenantId,
		"event_id":  ev.ID,
		"kind":      ev.Kind,
		"stage":     to,
		"from":      from,
	}
	if err != nil {
		m.Logger.WithFields(fields).Info(err.Error())
		return
	}
	m.Logger.WithFields(fields).Debug("materialized")
}

func (bc *buildContext) item(id int) (*models.Item, error) {
	if it, ok := bc.items[id]; ok {
		return it, nil
	}
	var it models.Item
	if err := bc.tx.Where("tenant_id = ? AND id = ?", bc.tenantId, id).First(&it).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Validation(CodeUnknownItem, "item %d does not exist", id)
		}
		return nil, err
	}
	if !it.IsActive {
		return nil, Validation(CodeUnknownItem, "item %d is inactive", id)
	}
	bc.items[id] = &it
	return &it, nil
}

func (bc *buildContext) warehouse(id int) (*models.Warehouse, error) {
	if wh, ok := bc.warehouses[id]; ok {
		return wh, nil
	}
	var wh models.Warehouse
	if err := bc.tx.Where("tenant_id = ? AND id = ?", bc.tenantId, id).First(&wh).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Validation(CodeUnknownWarehouse, "warehouse %d does not exist", id)
		}
		return nil, err
	}
	if !wh.IsActive {
		return nil, Validation(CodeUnknownWarehouse, "warehouse %d is inactive", id)
	}
	bc.warehouses[id] = &wh
	return &wh, nil
}

func (bc *buildContext) device(code string) (*models.Device, error) {
	code = strings.TrimSpace(code)
	if d, ok := bc.devices[code]; ok {
		return d, nil
	}
	var d models.Device
	if err := bc.tx.Where("tenant_id = ? AND device_code = ?", bc.tenantId, code).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Validation(CodeUnknownDevice, "device %q is not registered", code)
		}
		return nil, err
	}
	if !d.IsActive {
		return nil, Validation(CodeUnknownDevice, "device %q is inactive", code)
	}
	bc.devices[code] = &d
	return &d, nil
}

// openShift returns the device's open shift, or nil.
func (bc *buildContext) openShift(deviceCode string) (*models.PosShift, error) {
	var shifts []models.PosShift
	if err := bc.tx.Where("tenant_id = ? AND device_code = ? AND status = ?", bc.tenantId, deviceCode, models.ShiftStatusOpen).
		Order("opened_at DESC, id DESC").
		Limit(1).
		Find(&shifts).Error; err != nil {
		return nil, err
	}
	if len(shifts) == 0 {
		return nil, nil
	}
	return &shifts[0], nil
}

// periodOpen rejects documents dated inside a locked accounting period.
// The event's capture time is the posting date.
func (bc *buildContext) periodOpen() error {
	day := bc.event.CapturedAt.UTC().Truncate(24 * time.Hour)
	var locks []models.AccountingPeriodLock
	if err := bc.tx.Where("tenant_id = ? AND locked = ? AND start_date <= ? AND end_date >= ?", bc.tenantId, true, day, day).
		Limit(1).
		Find(&locks).Error; err != nil {
		return err
	}
	if len(locks) > 0 {
		return Conflict(CodePeriodLocked, "accounting period %s to %s is locked for %s",
			locks[0].StartDate.Format(time.DateOnly), locks[0].EndDate.Format(time.DateOnly), day.Format(time.DateOnly))
	}
	return nil
}

// exchangeRate prefers the rate captured on the device; otherwise the
// tenant's latest rate effective on the capture date. Zero means unknown.
func (bc *buildContext) exchangeRate(captured decimal.Decimal) (decimal.Decimal, error) {
	if captured.IsPositive() {
		return captured, nil
	}
	var rates []models.ExchangeRate
	if err := bc.tx.Where("tenant_id = ? AND rate_date <= ?", bc.tenantId, bc.event.CapturedAt).
		Order("rate_date DESC").
		Limit(1).
		Find(&rates).Error; err != nil {
		return decimal.Zero, err
	}
	if len(rates) == 0 {
		return decimal.Zero, nil
	}
	return rates[0].Rate, nil
}

// NormalizeDual fills the missing currency of an amount from the exchange
// rate (local units per USD). Both sides empty is zero.
func NormalizeDual(a models.DualAmount, rate decimal.Decimal) (usd, local decimal.Decimal, err error) {
	switch {
	case a.Usd != nil && a.Local != nil:
		return *a.Usd, *a.Local, nil
	case a.Usd == nil && a.Local == nil:
		return decimal.Zero, decimal.Zero, nil
	case !rate.IsPositive():
		return decimal.Zero, decimal.Zero, Validation(CodeMissingExchangeRate, "amount has one currency and no exchange rate is available")
	case a.Usd != nil:
		return *a.Usd, utils.LocalFromUsd(*a.Usd, rate), nil
	default:
		return utils.UsdFromLocal(*a.Local, rate), *a.Local, nil
	}
}

// sumHeader recomputes header totals from lines, each currency on its own.
func sumHeader(doc *models.Document) {
	doc.SubtotalUsd, doc.SubtotalLocal = decimal.Zero, decimal.Zero
	doc.TaxUsd, doc.TaxLocal = decimal.Zero, decimal.Zero
	for _, l := range doc.Lines {
		doc.SubtotalUsd = doc.SubtotalUsd.Add(l.AmountUsd)
		doc.SubtotalLocal = doc.SubtotalLocal.Add(l.AmountLocal)
		doc.TaxUsd = doc.TaxUsd.Add(l.TaxUsd)
		doc.TaxLocal = doc.TaxLocal.Add(l.TaxLocal)
	}
	doc.AmountUsd = doc.SubtotalUsd.Add(doc.TaxUsd)
	doc.AmountLocal = doc.SubtotalLocal.Add(doc.TaxLocal)
}

func requirePositiveQty(lineNo int, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return Validation(CodeInvalidPayload, "line %d: qty must be positive, got %s", lineNo, qty)
	}
	return nil
}

func requireNonNegative(lineNo int, what string, usd, local decimal.Decimal) error {
	if usd.IsNegative() || local.IsNegative() {
		return Validation(CodeInvalidPayload, "line %d: %s must not be negative", lineNo, what)
	}
	return nil
}

func zeroDoc(kind models.DocumentKind, prefix string) *models.Document {
	return &models.Document{
		Kind:          kind,
		DocumentNo:    utils.NewDocumentNo(prefix),
		Status:        models.DocumentStatusDraft,
		ExchangeRate:  decimal.Zero,
		SubtotalUsd:   decimal.Zero,
		SubtotalLocal: decimal.Zero,
		TaxUsd:        decimal.Zero,
		TaxLocal:      decimal.Zero,
		AmountUsd:     decimal.Zero,
		AmountLocal:   decimal.Zero,
	}
}
