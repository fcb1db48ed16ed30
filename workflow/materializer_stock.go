package workflow

import (
	"errors"
	"strings"

	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"bitbucket.org/mmdatafocus/pos_reconciler/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type adjustmentHandler struct {
	p         *models.StockAdjustmentPayload
	warehouse *models.Warehouse
	rate      decimal.Decimal
}

func (h *adjustmentHandler) validate(bc *buildContext) error {
	if strings.TrimSpace(h.p.ReasonCode) == "" {
		return Validation(CodeMissingReason, "stock adjustment requires a reason code")
	}
	wh, err := bc.warehouse(h.p.WarehouseId)
	if err != nil {
		return err
	}
	h.warehouse = wh
	for i, l := range h.p.Lines {
		if l.Qty.IsZero() {
			return Validation(CodeInvalidPayload, "line %d: qty must not be zero", i+1)
		}
		if _, err := bc.item(l.ItemId); err != nil {
			return err
		}
		if l.Qty.IsNegative() && (l.LotCode != "" || !l.UnitCost.IsEmpty()) {
			return Validation(CodeInvalidPayload, "line %d: outbound adjustments are costed by allocation", i+1)
		}
	}
	if h.rate, err = bc.exchangeRate(h.p.ExchangeRate); err != nil {
		return err
	}
	return nil
}

func (h *adjustmentHandler) build(bc *buildContext) (*Draft, error) {
	doc := zeroDoc(models.DocumentKindStockAdjustment, "ADJ")
	doc.BranchId = h.warehouse.BranchId
	doc.WarehouseId = h.warehouse.ID
	doc.ReasonCode = strings.TrimSpace(h.p.ReasonCode)
	doc.ExchangeRate = h.rate

	draft := &Draft{Document: doc, ValueAtCost: true}
	for i, l := range h.p.Lines {
		item := bc.items[l.ItemId]
		doc.Lines = append(doc.Lines, models.DocumentLine{ItemId: item.ID, Qty: l.Qty})

		if l.Qty.IsNegative() {
			draft.Stock = append(draft.Stock, stockOp{
				LineIndex: i,
				Kind:      stockOpOutbound,
				Item:      item,
				Warehouse: h.warehouse,
				Qty:       l.Qty.Neg(),
			})
			continue
		}

		costUsd, costLocal, err := h.inboundCost(bc, item, l.UnitCost)
		if err != nil {
			return nil, err
		}
		if err := requireNonNegative(i+1, "unit_cost", costUsd, costLocal); err != nil {
			return nil, err
		}
		expiry, err := utils.ParseDate(l.ExpiryDate)
		if err != nil {
			return nil, Validation(CodeInvalidPayload, "line %d: expiry_date: %v", i+1, err)
		}
		draft.Stock = append(draft.Stock, stockOp{
			LineIndex:     i,
			Kind:          stockOpInbound,
			Item:          item,
			Warehouse:     h.warehouse,
			Qty:           l.Qty,
			UnitCostUsd:   costUsd,
			UnitCostLocal: costLocal,
			LotCode:       strings.TrimSpace(l.LotCode),
			ExpiryDate:    expiry,
		})
	}
	return draft, nil
}

// inboundCost uses the supplied cost, or the current moving average when a
// count-up adjustment carries none.
func (h *adjustmentHandler) inboundCost(bc *buildContext, item *models.Item, supplied models.DualAmount) (decimal.Decimal, decimal.Decimal, error) {
	if !supplied.IsEmpty() {
		return NormalizeDual(supplied, h.rate)
	}
	var row models.ItemWarehouseCost
	err := bc.tx.Where("tenant_id = ? AND item_id = ? AND warehouse_id = ?", bc.tenantId, item.ID, h.warehouse.ID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, decimal.Zero, nil
		}
		return decimal.Zero, decimal.Zero, err
	}
	return row.AvgCostUsd, row.AvgCostLocal, nil
}

type receiptHandler struct {
	p         *models.GoodsReceiptPayload
	warehouse *models.Warehouse
	rate      decimal.Decimal
}

func (h *receiptHandler) validate(bc *buildContext) error {
	if err := bc.periodOpen(); err != nil {
		return err
	}
	wh, err := bc.warehouse(h.p.WarehouseId)
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
		if l.UnitCost.IsEmpty() {
			return Validation(CodeInvalidPayload, "line %d: unit_cost is required", i+1)
		}
	}
	if h.rate, err = bc.exchangeRate(h.p.ExchangeRate); err != nil {
		return err
	}
	return nil
}

func (h *receiptHandler) build(bc *buildContext) (*Draft, error) {
	doc := zeroDoc(models.DocumentKindGoodsReceipt, "GRN")
	doc.BranchId = h.warehouse.BranchId
	doc.WarehouseId = h.warehouse.ID
	doc.ReasonCode = h.p.SupplierRef
	doc.ExchangeRate = h.rate

	draft := &Draft{Document: doc, ValueAtCost: true}
	for i, l := range h.p.Lines {
		item := bc.items[l.ItemId]
		costUsd, costLocal, err := NormalizeDual(l.UnitCost, h.rate)
		if err != nil {
			return nil, err
		}
		if err := requireNonNegative(i+1, "unit_cost", costUsd, costLocal); err != nil {
			return nil, err
		}
		expiry, err := utils.ParseDate(l.ExpiryDate)
		if err != nil {
			return nil, Validation(CodeInvalidPayload, "line %d: expiry_date: %v", i+1, err)
		}
		doc.Lines = append(doc.Lines, models.DocumentLine{ItemId: item.ID, Qty: l.Qty})
		draft.Stock = append(draft.Stock, stockOp{
			LineIndex:     i,
			Kind:          stockOpInbound,
			Item:          item,
			Warehouse:     h.warehouse,
			Qty:           l.Qty,
			UnitCostUsd:   costUsd,
			UnitCostLocal: costLocal,
			LotCode:       strings.TrimSpace(l.LotCode),
			ExpiryDate:    expiry,
		})
	}
	return draft, nil
}
