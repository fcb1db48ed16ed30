package workflow

import (
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"bitbucket.org/mmdatafocus/pos_reconciler/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// saleAllocation is one lot slice of the original sale with what is left to return.
type saleAllocation struct {
	alloc      models.StockMoveAllocation
	lineId     int
	returnable decimal.Decimal
}

type returnHandler struct {
	p         *models.ReturnPayload
	device    *models.Device
	shift     *models.PosShift
	original  *models.Document
	warehouse *models.Warehouse
	// per item, in original allocation order
	allocations map[int][]*saleAllocation
	// sale lines by id, with the quantity already returned against each
	lines    map[int]*models.DocumentLine
	returned map[int]decimal.Decimal
}

// returnSlice is the part of one return line reversed against one sale line.
type returnSlice struct {
	lineId  int
	qty     decimal.Decimal
	sources []RestockSource
}

func (h *returnHandler) validate(bc *buildContext) error {
	if err := bc.periodOpen(); err != nil {
		return err
	}
	dev, err := bc.device(h.p.DeviceCode)
	if err != nil {
		return err
	}
	h.device = dev
	// Refunds are attributed to the open shift when there is one.
	if h.shift, err = bc.openShift(dev.DeviceCode); err != nil {
		return err
	}

	original, err := h.loadOriginal(bc)
	if err != nil {
		return err
	}
	h.original = original
	if h.warehouse, err = bc.warehouse(original.WarehouseId); err != nil {
		return err
	}

	if err := h.loadReturnable(bc); err != nil {
		return err
	}

	requested := map[int]decimal.Decimal{}
	for i, l := range h.p.Lines {
		if err := requirePositiveQty(i+1, l.Qty); err != nil {
			return err
		}
		if _, ok := h.allocations[l.ItemId]; !ok {
			return Validation(CodeReturnExceedsSale, "line %d: item %d is not on sale %s", i+1, l.ItemId, original.DocumentNo)
		}
		requested[l.ItemId] = requested[l.ItemId].Add(l.Qty)
	}
	for itemId, qty := range requested {
		left := decimal.Zero
		for _, a := range h.allocations[itemId] {
			left = left.Add(a.returnable)
		}
		if qty.GreaterThan(left) {
			return Validation(CodeReturnExceedsSale, "item %d: return of %s exceeds remaining returnable %s on sale %s",
				itemId, qty, left, original.DocumentNo)
		}
	}
	return nil
}

func (h *returnHandler) loadOriginal(bc *buildContext) (*models.Document, error) {
	var saleEvent models.InboundEvent
	err := bc.tx.Where("tenant_id = ? AND idempotency_key = ?", bc.tenantId, h.p.OriginalEventKey).First(&saleEvent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Validation(CodeOriginalNotFound, "no sale event with key %q", h.p.OriginalEventKey)
		}
		return nil, err
	}
	if saleEvent.Kind != models.EventKindSale || saleEvent.Status != models.EventStatusApplied {
		return nil, Validation(CodeOriginalNotFound, "event %q is not a posted sale", h.p.OriginalEventKey)
	}

	var doc models.Document
	err = bc.tx.Where("tenant_id = ? AND source_event_id = ? AND kind = ? AND status = ?",
		bc.tenantId, saleEvent.ID, models.DocumentKindSalesInvoice, models.DocumentStatusPosted).
		Preload("Lines").
		First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Validation(CodeOriginalNotFound, "sale %q has no posted invoice", h.p.OriginalEventKey)
		}
		return nil, err
	}
	return &doc, nil
}

// loadReturnable computes, per original allocation, the quantity not yet
// returned by earlier returns.
func (h *returnHandler) loadReturnable(bc *buildContext) error {
	h.lines = map[int]*models.DocumentLine{}
	h.returned = map[int]decimal.Decimal{}
	for i := range h.original.Lines {
		l := &h.original.Lines[i]
		h.lines[l.ID] = l
	}

	var moves []models.StockMove
	if err := bc.tx.Where("tenant_id = ? AND document_id = ?", bc.tenantId, h.original.ID).
		Preload("Allocations").
		Order("id").
		Find(&moves).Error; err != nil {
		return err
	}

	var allocIds []int
	h.allocations = map[int][]*saleAllocation{}
	byId := map[int]*saleAllocation{}
	for _, m := range moves {
		for _, a := range m.Allocations {
			sa := &saleAllocation{alloc: a, lineId: m.DocumentLineId, returnable: a.Qty}
			h.allocations[m.ItemId] = append(h.allocations[m.ItemId], sa)
			byId[a.ID] = sa
			allocIds = append(allocIds, a.ID)
		}
	}
	if len(allocIds) == 0 {
		return nil
	}

	var returned []models.StockMoveAllocation
	if err := bc.tx.Where("tenant_id = ? AND source_allocation_id IN ?", bc.tenantId, allocIds).
		Find(&returned).Error; err != nil {
		return err
	}
	for _, r := range returned {
		if sa, ok := byId[utils.DereferencePtr(r.SourceAllocationId)]; ok {
			sa.returnable = sa.returnable.Sub(r.Qty)
			h.returned[sa.lineId] = h.returned[sa.lineId].Add(r.Qty)
		}
	}
	return nil
}

func (h *returnHandler) build(bc *buildContext) (*Draft, error) {
	doc := zeroDoc(models.DocumentKindSalesReturn, "SR")
	doc.BranchId = h.original.BranchId
	doc.WarehouseId = h.original.WarehouseId
	doc.DeviceCode = h.device.DeviceCode
	if h.shift != nil {
		doc.ShiftId = &h.shift.ID
	}
	doc.CashierId = h.p.CashierId
	doc.OriginalDocumentId = &h.original.ID
	doc.PaymentMethod = h.p.RefundMethod
	if doc.PaymentMethod == "" {
		doc.PaymentMethod = h.original.PaymentMethod
	}
	// Refunds follow the rate the sale was struck at.
	doc.ExchangeRate = h.original.ExchangeRate

	draft := &Draft{Document: doc}
	for i, l := range h.p.Lines {
		item, err := bc.item(l.ItemId)
		if err != nil {
			return nil, err
		}
		slices, err := h.take(l)
		if err != nil {
			return nil, Invariant(CodeReturnExceedsSale, "line %d: %v", i+1, err)
		}
		// One return line per sale line it reverses, priced and taxed as sold.
		for _, sl := range slices {
			orig, ok := h.lines[sl.lineId]
			if !ok {
				return nil, Invariant(CodeReturnExceedsSale, "line %d: sale line %d not found on %s", i+1, sl.lineId, h.original.DocumentNo)
			}
			before := h.returned[sl.lineId]
			after := before.Add(sl.qty)
			h.returned[sl.lineId] = after
			origLineId := orig.ID
			doc.Lines = append(doc.Lines, models.DocumentLine{
				ItemId:         item.ID,
				Qty:            sl.qty,
				UnitPriceUsd:   orig.UnitPriceUsd,
				UnitPriceLocal: orig.UnitPriceLocal,
				AmountUsd:      sliceOf(orig.AmountUsd, orig.Qty, before, after, utils.RoundUsd),
				AmountLocal:    sliceOf(orig.AmountLocal, orig.Qty, before, after, utils.RoundLocal),
				TaxUsd:         sliceOf(orig.TaxUsd, orig.Qty, before, after, utils.RoundUsd),
				TaxLocal:       sliceOf(orig.TaxLocal, orig.Qty, before, after, utils.RoundLocal),
				OriginalLineId: &origLineId,
			})
			draft.Stock = append(draft.Stock, stockOp{
				LineIndex: len(doc.Lines) - 1,
				Kind:      stockOpRestock,
				Item:      item,
				Warehouse: h.warehouse,
				Qty:       sl.qty,
				Sources:   sl.sources,
			})
		}
	}
	sumHeader(doc)
	if err := h.applyRestockingFee(doc); err != nil {
		return nil, err
	}
	return draft, nil
}

// take consumes the line's quantity from the original allocations in order,
// restocking each lot at the cost it left with. Consecutive allocations of
// the same sale line share a slice.
func (h *returnHandler) take(l models.ReturnLine) ([]returnSlice, error) {
	need := l.Qty
	var slices []returnSlice
	for _, sa := range h.allocations[l.ItemId] {
		if !need.IsPositive() {
			break
		}
		if !sa.returnable.IsPositive() {
			continue
		}
		take := decimal.Min(sa.returnable, need)
		sa.returnable = sa.returnable.Sub(take)
		need = need.Sub(take)
		if n := len(slices); n == 0 || slices[n-1].lineId != sa.lineId {
			slices = append(slices, returnSlice{lineId: sa.lineId})
		}
		sl := &slices[len(slices)-1]
		sl.qty = sl.qty.Add(take)
		sl.sources = append(sl.sources, RestockSource{
			SourceAllocationId: sa.alloc.ID,
			LotId:              sa.alloc.LotId,
			Qty:                take,
			UnitCostUsd:        sa.alloc.UnitCostUsd,
			UnitCostLocal:      sa.alloc.UnitCostLocal,
		})
	}
	if need.IsPositive() {
		return nil, fmt.Errorf("%s left unallocated after validation", need)
	}
	return slices, nil
}

// sliceOf is the share of a sale line total that returning qty units
// [before, after) reverses. Shares are cut from the running total so that
// returning the whole line, in any number of parts, gives back the total.
func sliceOf(total, lineQty, before, after decimal.Decimal, round func(decimal.Decimal) decimal.Decimal) decimal.Decimal {
	if !lineQty.IsPositive() {
		return decimal.Zero
	}
	upTo := func(q decimal.Decimal) decimal.Decimal {
		if q.GreaterThanOrEqual(lineQty) {
			return total
		}
		return round(total.Mul(q).DivRound(lineQty, costScale))
	}
	return upTo(after).Sub(upTo(before))
}

// applyRestockingFee keeps part of the refund. A percentage applies to the
// return subtotal in both currencies; a fixed fee is normalized at the
// sale's rate. The fee never exceeds the subtotal.
func (h *returnHandler) applyRestockingFee(doc *models.Document) error {
	var feeUsd, feeLocal decimal.Decimal
	switch {
	case h.p.RestockingFeePct != nil:
		pct := *h.p.RestockingFeePct
		if pct.GreaterThan(decimal.NewFromInt(1)) {
			pct = pct.Div(decimal.NewFromInt(100))
		}
		if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(1)) {
			return Validation(CodeInvalidPayload, "restocking fee pct %s is out of range", h.p.RestockingFeePct)
		}
		feeUsd = utils.RoundUsd(doc.SubtotalUsd.Mul(pct))
		feeLocal = utils.RoundLocal(doc.SubtotalLocal.Mul(pct))
	case !h.p.RestockingFee.IsEmpty():
		usd, local, err := NormalizeDual(h.p.RestockingFee, doc.ExchangeRate)
		if err != nil {
			return err
		}
		feeUsd, feeLocal = utils.RoundUsd(usd), utils.RoundLocal(local)
	default:
		return nil
	}
	if feeUsd.IsNegative() || feeLocal.IsNegative() {
		return Validation(CodeInvalidPayload, "restocking fee must not be negative")
	}
	if feeUsd.GreaterThan(doc.SubtotalUsd) || feeLocal.GreaterThan(doc.SubtotalLocal) {
		return Validation(CodeFeeExceedsReturn, "restocking fee %s/%s exceeds return subtotal %s/%s",
			feeUsd, feeLocal, doc.SubtotalUsd, doc.SubtotalLocal)
	}
	doc.RestockingFeeUsd = feeUsd
	doc.RestockingFeeLocal = feeLocal
	doc.RestockingFeeReason = h.p.RestockingFeeReason
	return nil
}
