package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockMove is one signed inventory movement per document line.
// Qty > 0 is inbound, Qty < 0 is outbound. Unit costs are the weighted cost
// of the lots actually touched, not the moving average at the time.
type StockMove struct {
	ID             int                   `gorm:"primary_key" json:"id"`
	TenantId       TenantID              `gorm:"size:64;not null;index:idx_moves_item_wh,priority:1" json:"tenant_id"`
	ItemId         int                   `gorm:"not null;index:idx_moves_item_wh,priority:2" json:"item_id"`
	WarehouseId    int                   `gorm:"not null;index:idx_moves_item_wh,priority:3" json:"warehouse_id"`
	Qty            decimal.Decimal       `gorm:"type:decimal(20,4);not null" json:"qty"`
	UnitCostUsd    decimal.Decimal       `gorm:"type:decimal(20,6);default:0" json:"unit_cost_usd"`
	UnitCostLocal  decimal.Decimal       `gorm:"type:decimal(20,6);default:0" json:"unit_cost_local"`
	LotId          *int                  `gorm:"index" json:"lot_id"`
	DocumentId     int                   `gorm:"not null;index" json:"document_id"`
	DocumentLineId int                   `gorm:"not null;index" json:"document_line_id"`
	SourceEventId  int                   `gorm:"not null;index" json:"source_event_id"`
	MoveDate       time.Time             `gorm:"not null" json:"move_date"`
	IsOutgoing     bool                  `gorm:"not null;default:false" json:"is_outgoing"`
	Allocations    []StockMoveAllocation `gorm:"foreignKey:StockMoveId" json:"allocations"`
	CreatedAt      time.Time             `gorm:"autoCreateTime" json:"created_at"`
}

// BeforeSave keeps IsOutgoing aligned with the sign of Qty; queries classify
// consumptions by the flag.
func (m *StockMove) BeforeSave(tx *gorm.DB) error {
	_ = tx
	if m == nil {
		return nil
	}
	m.IsOutgoing = m.Qty.IsNegative()
	return nil
}

// CostUsd is the signed inventory value of the move at full precision.
func (m *StockMove) CostUsd() decimal.Decimal {
	return m.Qty.Mul(m.UnitCostUsd)
}

func (m *StockMove) CostLocal() decimal.Decimal {
	return m.Qty.Mul(m.UnitCostLocal)
}

// StockMoveAllocation records which lot (or the untracked pool when LotId is
// nil) a move consumed from or restocked into. Qty is always positive.
// Return restocks point at the sale allocation they reverse.
type StockMoveAllocation struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	TenantId           TenantID        `gorm:"size:64;not null;index" json:"tenant_id"`
	StockMoveId        int             `gorm:"not null;index" json:"stock_move_id"`
	ItemId             int             `gorm:"not null" json:"item_id"`
	LotId              *int            `gorm:"index" json:"lot_id"`
	Qty                decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	UnitCostUsd        decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"unit_cost_usd"`
	UnitCostLocal      decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"unit_cost_local"`
	SourceAllocationId *int            `gorm:"index" json:"source_allocation_id"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
