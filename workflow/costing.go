package workflow

import (
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"bitbucket.org/mmdatafocus/pos_reconciler/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Costing applies the inventory side of a document inside the event
// transaction. Every write to lots and item_warehouse_costs is conditional
// on the version read, so two transactions touching the same
// (tenant, item, warehouse) cannot interleave: the loser gets a transient
// error and retries against the committed state.
type Costing struct {
	Config *TenantConfig
}

type InboundRequest struct {
	Item          *models.Item
	Warehouse     *models.Warehouse
	Qty           decimal.Decimal
	UnitCostUsd   decimal.Decimal
	UnitCostLocal decimal.Decimal
	LotCode       string
	ExpiryDate    *time.Time
	EventId       int
}

type OutboundRequest struct {
	Item      *models.Item
	Warehouse *models.Warehouse
	// Qty is the positive quantity leaving the warehouse.
	Qty     decimal.Decimal
	EventId int
}

// RestockSource is one sale allocation being reversed by a return.
type RestockSource struct {
	SourceAllocationId int
	LotId              *int
	Qty                decimal.Decimal
	UnitCostUsd        decimal.Decimal
	UnitCostLocal      decimal.Decimal
}

type RestockRequest struct {
	Item      *models.Item
	Warehouse *models.Warehouse
	Sources   []RestockSource
	EventId   int
}

// CostResult is the costed movement. Allocations are not yet attached to a move.
type CostResult struct {
	UnitCostUsd   decimal.Decimal
	UnitCostLocal decimal.Decimal
	LotId         *int
	Allocations   []models.StockMoveAllocation
}

func (c *Costing) loadCost(tx *gorm.DB, tenantId models.TenantID, itemId, warehouseId int) (*models.ItemWarehouseCost, error) {
	var row models.ItemWarehouseCost
	err := tx.Where("tenant_id = ? AND item_id = ? AND warehouse_id = ?", tenantId, itemId, warehouseId).
		First(&row).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	row = models.ItemWarehouseCost{
		TenantId:     tenantId,
		ItemId:       itemId,
		WarehouseId:  warehouseId,
		OnHand:       decimal.Zero,
		AvgCostUsd:   decimal.Zero,
		AvgCostLocal: decimal.Zero,
		Version:      1,
	}
	if err := tx.Create(&row).Error; err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return nil, Transient(CodeConcurrentUpdate, err)
		}
		return nil, err
	}
	return &row, nil
}

func (c *Costing) saveCost(tx *gorm.DB, tenantId models.TenantID, row *models.ItemWarehouseCost, eventId int) error {
	res := tx.Model(&models.ItemWarehouseCost{}).
		Where("tenant_id = ? AND id = ? AND version = ?", tenantId, row.ID, row.Version).
		Updates(map[string]interface{}{
			"on_hand":        row.OnHand,
			"avg_cost_usd":   row.AvgCostUsd,
			"avg_cost_local": row.AvgCostLocal,
			"last_event_id":  eventId,
			"version":        row.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return Transient(CodeConcurrentUpdate, fmt.Errorf("item %d warehouse %d changed concurrently", row.ItemId, row.WarehouseId))
	}
	row.Version++
	return nil
}

func (c *Costing) saveLot(tx *gorm.DB, tenantId models.TenantID, lot *models.Lot, updates map[string]interface{}) error {
	updates["version"] = lot.Version + 1
	res := tx.Model(&models.Lot{}).
		Where("tenant_id = ? AND id = ? AND version = ?", tenantId, lot.ID, lot.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return Transient(CodeConcurrentUpdate, fmt.Errorf("lot %d changed concurrently", lot.ID))
	}
	lot.Version++
	return nil
}

func (c *Costing) findLot(tx *gorm.DB, tenantId models.TenantID, itemId, warehouseId int, code string) (*models.Lot, error) {
	var lot models.Lot
	err := tx.Where("tenant_id = ? AND item_id = ? AND warehouse_id = ? AND code = ?", tenantId, itemId, warehouseId, code).
		First(&lot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &lot, nil
}

// Receive books an inbound quantity: the moving average absorbs it in both
// currencies independently, and a lot is created or topped up when the line
// names one or the item tracks lots.
func (c *Costing) Receive(tx *gorm.DB, tenantId models.TenantID, req InboundRequest) (*CostResult, error) {
	if !req.Qty.IsPositive() {
		return nil, Invariant(CodeInvalidPayload, "inbound qty must be positive, got %s", req.Qty)
	}
	row, err := c.loadCost(tx, tenantId, req.Item.ID, req.Warehouse.ID)
	if err != nil {
		return nil, err
	}

	lotCode := req.LotCode
	if lotCode == "" && req.Item.TrackLots {
		lotCode = fmt.Sprintf("RCV-%d", req.EventId)
	}

	var lotId *int
	if lotCode != "" {
		lot, err := c.findLot(tx, tenantId, req.Item.ID, req.Warehouse.ID, lotCode)
		if err != nil {
			return nil, err
		}
		if lot == nil {
			lot = &models.Lot{
				TenantId:      tenantId,
				ItemId:        req.Item.ID,
				WarehouseId:   req.Warehouse.ID,
				Code:          lotCode,
				ExpiryDate:    req.ExpiryDate,
				Status:        models.LotStatusAvailable,
				ReceivedQty:   req.Qty,
				RemainingQty:  req.Qty,
				UnitCostUsd:   req.UnitCostUsd,
				UnitCostLocal: req.UnitCostLocal,
				Version:       1,
			}
			if err := tx.Create(lot).Error; err != nil {
				if utils.IsDuplicateKeyErr(err) {
					return nil, Transient(CodeConcurrentUpdate, err)
				}
				return nil, err
			}
		} else {
			status := lot.Status
			if status == models.LotStatusExhausted {
				status = models.LotStatusAvailable
			}
			updates := map[string]interface{}{
				"received_qty":    lot.ReceivedQty.Add(req.Qty),
				"remaining_qty":   lot.RemainingQty.Add(req.Qty),
				"unit_cost_usd":   MovingAverage(lot.RemainingQty, lot.UnitCostUsd, req.Qty, req.UnitCostUsd),
				"unit_cost_local": MovingAverage(lot.RemainingQty, lot.UnitCostLocal, req.Qty, req.UnitCostLocal),
				"status":          status,
			}
			if lot.ExpiryDate == nil && req.ExpiryDate != nil {
				updates["expiry_date"] = req.ExpiryDate
			}
			if err := c.saveLot(tx, tenantId, lot, updates); err != nil {
				return nil, err
			}
		}
		id := lot.ID
		lotId = &id
	}

	row.AvgCostUsd = MovingAverage(row.OnHand, row.AvgCostUsd, req.Qty, req.UnitCostUsd)
	row.AvgCostLocal = MovingAverage(row.OnHand, row.AvgCostLocal, req.Qty, req.UnitCostLocal)
	row.OnHand = row.OnHand.Add(req.Qty)
	if err := c.saveCost(tx, tenantId, row, req.EventId); err != nil {
		return nil, err
	}

	return &CostResult{
		UnitCostUsd:   req.UnitCostUsd,
		UnitCostLocal: req.UnitCostLocal,
		LotId:         lotId,
		Allocations: []models.StockMoveAllocation{{
			TenantId:      tenantId,
			ItemId:        req.Item.ID,
			LotId:         lotId,
			Qty:           req.Qty,
			UnitCostUsd:   req.UnitCostUsd,
			UnitCostLocal: req.UnitCostLocal,
		}},
	}, nil
}

// Issue allocates an outbound quantity FEFO across available lots, then from
// the untracked pool at the moving average. If that would leave on-hand
// negative and policy forbids it, the whole document is rejected.
func (c *Costing) Issue(tx *gorm.DB, tenantId models.TenantID, req OutboundRequest) (*CostResult, error) {
	if !req.Qty.IsPositive() {
		return nil, Invariant(CodeInvalidPayload, "outbound qty must be positive, got %s", req.Qty)
	}
	row, err := c.loadCost(tx, tenantId, req.Item.ID, req.Warehouse.ID)
	if err != nil {
		return nil, err
	}

	var lots []models.Lot
	if err := tx.Where("tenant_id = ? AND item_id = ? AND warehouse_id = ? AND status <> ?",
		tenantId, req.Item.ID, req.Warehouse.ID, models.LotStatusExhausted).
		Order("id").
		Find(&lots).Error; err != nil {
		return nil, err
	}

	lotsById := make(map[int]*models.Lot, len(lots))
	inLots := decimal.Zero
	var balances []LotBalance
	for i := range lots {
		lot := &lots[i]
		lotsById[lot.ID] = lot
		inLots = inLots.Add(lot.RemainingQty)
		if lot.Status != models.LotStatusAvailable {
			continue
		}
		balances = append(balances, LotBalance{
			LotId:         lot.ID,
			ExpiryDate:    lot.ExpiryDate,
			Available:     lot.RemainingQty,
			UnitCostUsd:   lot.UnitCostUsd,
			UnitCostLocal: lot.UnitCostLocal,
		})
	}

	allocs, remainder := AllocateFEFO(balances, req.Qty)
	if remainder.IsPositive() {
		pool := decimal.Max(row.OnHand.Sub(inLots), decimal.Zero)
		if remainder.GreaterThan(pool) {
			allow, err := c.Config.AllowNegativeStock(tx, tenantId, req.Item, req.Warehouse)
			if err != nil {
				return nil, err
			}
			if !allow {
				return nil, Conflict(CodeInsufficientStock,
					"insufficient stock for item %d in warehouse %d: requested %s, available %s",
					req.Item.ID, req.Warehouse.ID, req.Qty, req.Qty.Sub(remainder).Add(pool))
			}
		}
		allocs = append(allocs, LotAllocation{
			Qty:           remainder,
			UnitCostUsd:   row.AvgCostUsd,
			UnitCostLocal: row.AvgCostLocal,
		})
	}

	for _, a := range allocs {
		if a.LotId == nil {
			continue
		}
		lot := lotsById[*a.LotId]
		left := lot.RemainingQty.Sub(a.Qty)
		if left.IsNegative() {
			return nil, Invariant(CodeLotOverAllocated, "lot %d allocated %s with only %s remaining", lot.ID, a.Qty, lot.RemainingQty)
		}
		status := lot.Status
		if left.IsZero() {
			status = models.LotStatusExhausted
		}
		if err := c.saveLot(tx, tenantId, lot, map[string]interface{}{
			"remaining_qty": left,
			"status":        status,
		}); err != nil {
			return nil, err
		}
	}

	row.OnHand = row.OnHand.Sub(req.Qty)
	if err := c.saveCost(tx, tenantId, row, req.EventId); err != nil {
		return nil, err
	}

	usd, local := WeightedUnitCost(allocs)
	res := &CostResult{UnitCostUsd: usd, UnitCostLocal: local}
	if len(allocs) == 1 {
		res.LotId = allocs[0].LotId
	}
	for _, a := range allocs {
		res.Allocations = append(res.Allocations, models.StockMoveAllocation{
			TenantId:      tenantId,
			ItemId:        req.Item.ID,
			LotId:         a.LotId,
			Qty:           a.Qty,
			UnitCostUsd:   a.UnitCostUsd,
			UnitCostLocal: a.UnitCostLocal,
		})
	}
	return res, nil
}

// Restock puts returned quantity back into the lots it was sold from, at the
// cost it left with. Exhausted lots become available again.
func (c *Costing) Restock(tx *gorm.DB, tenantId models.TenantID, req RestockRequest) (*CostResult, error) {
	row, err := c.loadCost(tx, tenantId, req.Item.ID, req.Warehouse.ID)
	if err != nil {
		return nil, err
	}

	res := &CostResult{}
	var allocs []LotAllocation
	for _, src := range req.Sources {
		if !src.Qty.IsPositive() {
			continue
		}
		if src.LotId != nil {
			var lot models.Lot
			if err := tx.Where("tenant_id = ? AND id = ?", tenantId, *src.LotId).First(&lot).Error; err != nil {
				return nil, err
			}
			status := lot.Status
			if status == models.LotStatusExhausted {
				status = models.LotStatusAvailable
			}
			if err := c.saveLot(tx, tenantId, &lot, map[string]interface{}{
				"remaining_qty": lot.RemainingQty.Add(src.Qty),
				"status":        status,
			}); err != nil {
				return nil, err
			}
		}

		row.AvgCostUsd = MovingAverage(row.OnHand, row.AvgCostUsd, src.Qty, src.UnitCostUsd)
		row.AvgCostLocal = MovingAverage(row.OnHand, row.AvgCostLocal, src.Qty, src.UnitCostLocal)
		row.OnHand = row.OnHand.Add(src.Qty)

		srcId := src.SourceAllocationId
		allocs = append(allocs, LotAllocation{LotId: src.LotId, Qty: src.Qty, UnitCostUsd: src.UnitCostUsd, UnitCostLocal: src.UnitCostLocal})
		res.Allocations = append(res.Allocations, models.StockMoveAllocation{
			TenantId:           tenantId,
			ItemId:             req.Item.ID,
			LotId:              src.LotId,
			Qty:                src.Qty,
			UnitCostUsd:        src.UnitCostUsd,
			UnitCostLocal:      src.UnitCostLocal,
			SourceAllocationId: &srcId,
		})
	}
	if err := c.saveCost(tx, tenantId, row, req.EventId); err != nil {
		return nil, err
	}

	res.UnitCostUsd, res.UnitCostLocal = WeightedUnitCost(allocs)
	if len(allocs) == 1 {
		res.LotId = allocs[0].LotId
	}
	return res, nil
}
