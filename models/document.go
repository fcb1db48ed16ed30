package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Document is the canonical business record materialized from one event.
// Unique constraint: (tenant_id, source_event_id).
type Document struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	TenantId           TenantID        `gorm:"size:64;not null;index:uniq_document_source,unique;index:idx_documents_kind" json:"tenant_id"`
	Kind               DocumentKind    `gorm:"size:40;not null;index:idx_documents_kind" json:"kind"`
	DocumentNo         string          `gorm:"size:64;not null;index" json:"document_no"`
	Status             DocumentStatus  `gorm:"size:20;not null;default:draft" json:"status"`
	BranchId           int             `gorm:"not null;default:0" json:"branch_id"`
	WarehouseId        int             `gorm:"not null;default:0" json:"warehouse_id"`
	DeviceCode         string          `gorm:"size:100" json:"device_code"`
	ShiftId            *int            `gorm:"index" json:"shift_id"`
	CashierId          string          `gorm:"size:100" json:"cashier_id"`
	PaymentMethod      PaymentMethod   `gorm:"size:20" json:"payment_method"`
	ReasonCode         string          `gorm:"size:64" json:"reason_code"`
	OriginalDocumentId *int            `gorm:"index" json:"original_document_id"`
	ExchangeRate       decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"exchange_rate"`
	SubtotalUsd        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"subtotal_usd"`
	SubtotalLocal      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"subtotal_local"`
	TaxUsd             decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax_usd"`
	TaxLocal           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax_local"`
	AmountUsd          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount_usd"`
	AmountLocal        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount_local"`
	// Restocking fee kept from a refund. Header totals do not include it.
	RestockingFeeUsd    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"restocking_fee_usd"`
	RestockingFeeLocal  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"restocking_fee_local"`
	RestockingFeeReason string          `gorm:"size:255" json:"restocking_fee_reason"`
	SourceEventId       int             `gorm:"not null;index:uniq_document_source,unique" json:"source_event_id"`
	SourceEventKey      string          `gorm:"size:191;not null;index" json:"source_event_key"`
	DocumentDate        time.Time       `gorm:"not null" json:"document_date"`
	PostedAt            *time.Time      `json:"posted_at"`
	Lines               []DocumentLine  `gorm:"foreignKey:DocumentId" json:"lines"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type DocumentLine struct {
	ID             int             `gorm:"primary_key" json:"id"`
	TenantId       TenantID        `gorm:"size:64;not null;index" json:"tenant_id"`
	DocumentId     int             `gorm:"not null;index" json:"document_id"`
	LineNo         int             `gorm:"not null" json:"line_no"`
	ItemId         int             `gorm:"not null;default:0;index" json:"item_id"`
	Qty            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	UnitPriceUsd   decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"unit_price_usd"`
	UnitPriceLocal decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"unit_price_local"`
	UnitCostUsd    decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"unit_cost_usd"`
	UnitCostLocal  decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"unit_cost_local"`
	TaxUsd         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax_usd"`
	TaxLocal       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax_local"`
	AmountUsd      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount_usd"`
	AmountLocal    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount_local"`
	LotId          *int            `gorm:"index" json:"lot_id"`
	OriginalLineId *int            `gorm:"index" json:"original_line_id"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

var ErrDocumentTotalsMismatch = errors.New("document header totals do not equal the sum of its lines")

// CheckTotals enforces header == sum(lines) in each currency independently.
func (d *Document) CheckTotals() error {
	sumUsd, sumLocal := decimal.Zero, decimal.Zero
	taxUsd, taxLocal := decimal.Zero, decimal.Zero
	for _, l := range d.Lines {
		sumUsd = sumUsd.Add(l.AmountUsd)
		sumLocal = sumLocal.Add(l.AmountLocal)
		taxUsd = taxUsd.Add(l.TaxUsd)
		taxLocal = taxLocal.Add(l.TaxLocal)
	}
	if !sumUsd.Equal(d.SubtotalUsd) || !sumLocal.Equal(d.SubtotalLocal) {
		return ErrDocumentTotalsMismatch
	}
	if !taxUsd.Equal(d.TaxUsd) || !taxLocal.Equal(d.TaxLocal) {
		return ErrDocumentTotalsMismatch
	}
	if !d.SubtotalUsd.Add(d.TaxUsd).Equal(d.AmountUsd) || !d.SubtotalLocal.Add(d.TaxLocal).Equal(d.AmountLocal) {
		return ErrDocumentTotalsMismatch
	}
	return nil
}

// BeforeSave refuses to persist a document whose header disagrees with its lines.
func (d *Document) BeforeSave(tx *gorm.DB) error {
	_ = tx
	if d == nil || len(d.Lines) == 0 {
		return nil
	}
	return d.CheckTotals()
}
