package workflow

import (
	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"bitbucket.org/mmdatafocus/pos_reconciler/utils"
	"github.com/shopspring/decimal"
)

type saleHandler struct {
	p         *models.SalePayload
	device    *models.Device
	shift     *models.PosShift
	warehouse *models.Warehouse
	rate      decimal.Decimal
}

func (h *saleHandler) validate(bc *buildContext) error {
	if err := bc.periodOpen(); err != nil {
		return err
	}
	dev, err := bc.device(h.p.DeviceCode)
	if err != nil {
		return err
	}
	h.device = dev

	shift, err := bc.openShift(dev.DeviceCode)
	if err != nil {
		return err
	}
	if shift == nil {
		return Conflict(CodeNoOpenShift, "sale on device %q without an open shift", dev.DeviceCode)
	}
	if h.p.ShiftKey != "" && h.p.ShiftKey != shift.ShiftKey {
		return Conflict(CodeShiftMismatch, "sale names shift %q but device %q has %q open", h.p.ShiftKey, dev.DeviceCode, shift.ShiftKey)
	}
	h.shift = shift

	whId := h.p.WarehouseId
	if whId == 0 {
		whId = dev.WarehouseId
	}
	wh, err := bc.warehouse(whId)
	if err != nil {
		return err
	}
	h.warehouse = wh

	for i, l := range h.p.Lines {
		if err := requirePositiveQty(i+1, l.Qty); err != nil {
			return err
		}
		if _, err := bc.item(l.ItemId); err != nil {
			return err
		}
		if l.UnitPrice.IsEmpty() {
			return Validation(CodeInvalidPayload, "line %d: unit_price is required", i+1)
		}
	}

	rate, err := bc.exchangeRate(h.p.ExchangeRate)
	if err != nil {
		return err
	}
	h.rate = rate
	return nil
}

func (h *saleHandler) build(bc *buildContext) (*Draft, error) {
	doc := zeroDoc(models.DocumentKindSalesInvoice, "SI")
	doc.BranchId = h.device.BranchId
	doc.WarehouseId = h.warehouse.ID
	doc.DeviceCode = h.device.DeviceCode
	doc.ShiftId = &h.shift.ID
	doc.CashierId = h.p.CashierId
	if doc.CashierId == "" {
		doc.CashierId = h.shift.CashierId
	}
	doc.PaymentMethod = h.p.PaymentMethod
	if doc.PaymentMethod == "" {
		doc.PaymentMethod = models.PaymentMethodCash
	}
	doc.ExchangeRate = h.rate

	draft := &Draft{Document: doc}
	for i, l := range h.p.Lines {
		priceUsd, priceLocal, err := NormalizeDual(l.UnitPrice, h.rate)
		if err != nil {
			return nil, err
		}
		if err := requireNonNegative(i+1, "unit_price", priceUsd, priceLocal); err != nil {
			return nil, err
		}
		taxUsd, taxLocal, err := NormalizeDual(l.Tax, h.rate)
		if err != nil {
			return nil, err
		}
		if err := requireNonNegative(i+1, "tax", taxUsd, taxLocal); err != nil {
			return nil, err
		}

		item := bc.items[l.ItemId]
		doc.Lines = append(doc.Lines, models.DocumentLine{
			ItemId:         item.ID,
			Qty:            l.Qty,
			UnitPriceUsd:   priceUsd,
			UnitPriceLocal: priceLocal,
			TaxUsd:         utils.RoundUsd(taxUsd),
			TaxLocal:       utils.RoundLocal(taxLocal),
			AmountUsd:      utils.RoundUsd(l.Qty.Mul(priceUsd)),
			AmountLocal:    utils.RoundLocal(l.Qty.Mul(priceLocal)),
		})
		draft.Stock = append(draft.Stock, stockOp{
			LineIndex: i,
			Kind:      stockOpOutbound,
			Item:      item,
			Warehouse: h.warehouse,
			Qty:       l.Qty,
		})
	}
	sumHeader(doc)
	return draft, nil
}
