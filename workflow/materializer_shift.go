package workflow

import (
	"errors"

	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"bitbucket.org/mmdatafocus/pos_reconciler/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	cashDirectionIn  = "cash_in"
	cashDirectionOut = "cash_out"
)

type shiftOpenHandler struct {
	p      *models.ShiftOpenPayload
	device *models.Device
	rate   decimal.Decimal
}

func (h *shiftOpenHandler) validate(bc *buildContext) error {
	dev, err := bc.device(h.p.DeviceCode)
	if err != nil {
		return err
	}
	h.device = dev

	open, err := bc.openShift(dev.DeviceCode)
	if err != nil {
		return err
	}
	if open != nil {
		return Conflict(CodeShiftAlreadyOpen, "shift already open on device %q (%s)", dev.DeviceCode, open.ShiftKey)
	}

	var count int64
	if err := bc.tx.Model(&models.PosShift{}).
		Where("tenant_id = ? AND shift_key = ?", bc.tenantId, h.p.ShiftKey).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return Conflict(CodeShiftMismatch, "shift key %q was already used", h.p.ShiftKey)
	}

	if h.rate, err = bc.exchangeRate(h.p.ExchangeRate); err != nil {
		return err
	}
	return nil
}

func (h *shiftOpenHandler) build(bc *buildContext) (*Draft, error) {
	usd, local, err := NormalizeDual(h.p.OpeningCash, h.rate)
	if err != nil {
		return nil, err
	}
	if err := requireNonNegative(0, "opening_cash", usd, local); err != nil {
		return nil, err
	}

	doc := zeroDoc(models.DocumentKindShiftRecord, "SHF")
	doc.BranchId = h.device.BranchId
	doc.WarehouseId = h.device.WarehouseId
	doc.DeviceCode = h.device.DeviceCode
	doc.CashierId = h.p.CashierId
	doc.ReasonCode = string(models.EventKindShiftOpen)
	doc.ExchangeRate = h.rate

	shift := &models.PosShift{
		TenantId:         bc.tenantId,
		ShiftKey:         h.p.ShiftKey,
		DeviceCode:       h.device.DeviceCode,
		WarehouseId:      h.device.WarehouseId,
		CashierId:        h.p.CashierId,
		Status:           models.ShiftStatusOpen,
		OpenedAt:         bc.event.CapturedAt,
		OpeningCashUsd:   usd,
		OpeningCashLocal: local,
		OpenEventId:      bc.event.ID,
	}
	return &Draft{
		Document: doc,
		Effects: func(tx *gorm.DB, doc *models.Document) error {
			if err := tx.Create(shift).Error; err != nil {
				if utils.IsDuplicateKeyErr(err) {
					return Conflict(CodeShiftMismatch, "shift key %q was already used", shift.ShiftKey)
				}
				return err
			}
			doc.ShiftId = &shift.ID
			return nil
		},
	}, nil
}

type shiftCloseHandler struct {
	p      *models.ShiftClosePayload
	device *models.Device
	shift  *models.PosShift
	rate   decimal.Decimal
}

func (h *shiftCloseHandler) validate(bc *buildContext) error {
	dev, err := bc.device(h.p.DeviceCode)
	if err != nil {
		return err
	}
	h.device = dev

	open, err := bc.openShift(dev.DeviceCode)
	if err != nil {
		return err
	}
	if open == nil {
		return Conflict(CodeNoOpenShift, "no open shift on device %q to close", dev.DeviceCode)
	}
	if h.p.ShiftKey != "" && h.p.ShiftKey != open.ShiftKey {
		return Conflict(CodeShiftMismatch, "close names shift %q but device %q has %q open", h.p.ShiftKey, dev.DeviceCode, open.ShiftKey)
	}
	h.shift = open

	if h.rate, err = bc.exchangeRate(h.p.ExchangeRate); err != nil {
		return err
	}
	return nil
}

// ExpectedCash is opening cash plus cash sales, minus cash refunds, plus
// cash in, minus cash out, per currency.
func ExpectedCash(shift *models.PosShift, docs []models.Document) (usd, local decimal.Decimal) {
	usd, local = shift.OpeningCashUsd, shift.OpeningCashLocal
	for _, d := range docs {
		switch {
		case d.Kind == models.DocumentKindSalesInvoice && d.PaymentMethod == models.PaymentMethodCash:
			usd, local = usd.Add(d.AmountUsd), local.Add(d.AmountLocal)
		case d.Kind == models.DocumentKindSalesReturn && d.PaymentMethod == models.PaymentMethodCash:
			usd, local = usd.Sub(d.AmountUsd), local.Sub(d.AmountLocal)
		case d.Kind == models.DocumentKindCashMovement && d.ReasonCode == cashDirectionIn:
			usd, local = usd.Add(d.AmountUsd), local.Add(d.AmountLocal)
		case d.Kind == models.DocumentKindCashMovement && d.ReasonCode == cashDirectionOut:
			usd, local = usd.Sub(d.AmountUsd), local.Sub(d.AmountLocal)
		}
	}
	return usd, local
}

func (h *shiftCloseHandler) build(bc *buildContext) (*Draft, error) {
	countedUsd, countedLocal, err := NormalizeDual(h.p.CountedCash, h.rate)
	if err != nil {
		return nil, err
	}

	var docs []models.Document
	if err := bc.tx.Where("tenant_id = ? AND shift_id = ? AND status = ?", bc.tenantId, h.shift.ID, models.DocumentStatusPosted).
		Find(&docs).Error; err != nil {
		return nil, err
	}
	expUsd, expLocal := ExpectedCash(h.shift, docs)
	varUsd, varLocal := countedUsd.Sub(expUsd), countedLocal.Sub(expLocal)

	doc := zeroDoc(models.DocumentKindShiftRecord, "SHF")
	doc.BranchId = h.device.BranchId
	doc.WarehouseId = h.shift.WarehouseId
	doc.DeviceCode = h.device.DeviceCode
	doc.ShiftId = &h.shift.ID
	doc.CashierId = h.shift.CashierId
	doc.ReasonCode = string(models.EventKindShiftClose)
	doc.ExchangeRate = h.rate

	shift := h.shift
	closedAt := bc.event.CapturedAt
	eventId := bc.event.ID
	return &Draft{
		Document: doc,
		Effects: func(tx *gorm.DB, doc *models.Document) error {
			res := tx.Model(&models.PosShift{}).
				Where("tenant_id = ? AND id = ? AND status = ?", shift.TenantId, shift.ID, models.ShiftStatusOpen).
				Updates(map[string]interface{}{
					"status":              models.ShiftStatusClosed,
					"closed_at":           closedAt,
					"expected_cash_usd":   expUsd,
					"expected_cash_local": expLocal,
					"counted_cash_usd":    countedUsd,
					"counted_cash_local":  countedLocal,
					"variance_usd":        varUsd,
					"variance_local":      varLocal,
					"close_event_id":      eventId,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return Transient(CodeConcurrentUpdate, errors.New("shift closed concurrently"))
			}
			return nil
		},
	}, nil
}

type cashMovementHandler struct {
	p      *models.CashMovementPayload
	device *models.Device
	shift  *models.PosShift
	rate   decimal.Decimal
}

func (h *cashMovementHandler) validate(bc *buildContext) error {
	dev, err := bc.device(h.p.DeviceCode)
	if err != nil {
		return err
	}
	h.device = dev
	open, err := bc.openShift(dev.DeviceCode)
	if err != nil {
		return err
	}
	if open == nil {
		return Conflict(CodeNoOpenShift, "cash movement on device %q without an open shift", dev.DeviceCode)
	}
	h.shift = open
	if h.p.Amount.IsEmpty() {
		return Validation(CodeInvalidPayload, "amount is required")
	}
	if h.rate, err = bc.exchangeRate(h.p.ExchangeRate); err != nil {
		return err
	}
	return nil
}

func (h *cashMovementHandler) build(bc *buildContext) (*Draft, error) {
	usd, local, err := NormalizeDual(h.p.Amount, h.rate)
	if err != nil {
		return nil, err
	}
	if !usd.IsPositive() && !local.IsPositive() {
		return nil, Validation(CodeInvalidPayload, "amount must be positive")
	}
	if err := requireNonNegative(1, "amount", usd, local); err != nil {
		return nil, err
	}

	doc := zeroDoc(models.DocumentKindCashMovement, "CSH")
	doc.BranchId = h.device.BranchId
	doc.WarehouseId = h.shift.WarehouseId
	doc.DeviceCode = h.device.DeviceCode
	doc.ShiftId = &h.shift.ID
	doc.CashierId = h.shift.CashierId
	doc.PaymentMethod = models.PaymentMethodCash
	doc.ExchangeRate = h.rate
	doc.ReasonCode = cashDirectionIn
	if h.p.Direction == "out" {
		doc.ReasonCode = cashDirectionOut
	}
	doc.Lines = []models.DocumentLine{{
		Qty:            decimal.NewFromInt(1),
		UnitPriceUsd:   usd,
		UnitPriceLocal: local,
		AmountUsd:      utils.RoundUsd(usd),
		AmountLocal:    utils.RoundLocal(local),
	}}
	sumHeader(doc)
	return &Draft{Document: doc}, nil
}
