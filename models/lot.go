package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Lot is a received batch of one item in one warehouse.
// Unique constraint: (tenant_id, item_id, warehouse_id, code).
type Lot struct {
	ID            int             `gorm:"primary_key" json:"id"`
	TenantId      TenantID        `gorm:"size:64;not null;index:uniq_lot_code,unique,priority:1;index:idx_lots_fefo,priority:1" json:"tenant_id"`
	ItemId        int             `gorm:"not null;index:uniq_lot_code,unique,priority:2;index:idx_lots_fefo,priority:2" json:"item_id"`
	WarehouseId   int             `gorm:"not null;index:uniq_lot_code,unique,priority:3;index:idx_lots_fefo,priority:3" json:"warehouse_id"`
	Code          string          `gorm:"size:100;not null;index:uniq_lot_code,unique,priority:4" json:"code"`
	ExpiryDate    *time.Time      `gorm:"index:idx_lots_fefo,priority:5" json:"expiry_date"`
	Status        LotStatus       `gorm:"size:20;not null;default:available;index:idx_lots_fefo,priority:4" json:"status"`
	ReceivedQty   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"received_qty"`
	RemainingQty  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"remaining_qty"`
	UnitCostUsd   decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"unit_cost_usd"`
	UnitCostLocal decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"unit_cost_local"`
	// Version guards conditional writes; a stale version means another
	// transaction touched the lot first.
	Version   int       `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ItemWarehouseCost holds on-hand and the moving-average cost per
// (tenant, item, warehouse). Only the costing step mutates it, through
// version-conditional updates.
type ItemWarehouseCost struct {
	ID           int             `gorm:"primary_key" json:"id"`
	TenantId     TenantID        `gorm:"size:64;not null;index:uniq_item_wh_cost,unique,priority:1" json:"tenant_id"`
	ItemId       int             `gorm:"not null;index:uniq_item_wh_cost,unique,priority:2" json:"item_id"`
	WarehouseId  int             `gorm:"not null;index:uniq_item_wh_cost,unique,priority:3" json:"warehouse_id"`
	OnHand       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"on_hand"`
	AvgCostUsd   decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"avg_cost_usd"`
	AvgCostLocal decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"avg_cost_local"`
	Version      int             `gorm:"not null;default:1" json:"version"`
	LastEventId  int             `gorm:"not null;default:0" json:"last_event_id"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
