package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PosShift is a cashier session on one device.
// Unique constraint: (tenant_id, shift_key).
type PosShift struct {
	ID                int              `gorm:"primary_key" json:"id"`
	TenantId          TenantID         `gorm:"size:64;not null;index:uniq_shift_key,unique;index:idx_shift_device" json:"tenant_id"`
	ShiftKey          string           `gorm:"size:100;not null;index:uniq_shift_key,unique" json:"shift_key"`
	DeviceCode        string           `gorm:"size:100;not null;index:idx_shift_device" json:"device_code"`
	WarehouseId       int              `gorm:"not null;default:0" json:"warehouse_id"`
	CashierId         string           `gorm:"size:100" json:"cashier_id"`
	Status            ShiftStatus      `gorm:"size:20;not null;index:idx_shift_device" json:"status"`
	OpenedAt          time.Time        `gorm:"not null" json:"opened_at"`
	ClosedAt          *time.Time       `json:"closed_at"`
	OpeningCashUsd    decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"opening_cash_usd"`
	OpeningCashLocal  decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"opening_cash_local"`
	ExpectedCashUsd   *decimal.Decimal `gorm:"type:decimal(20,4)" json:"expected_cash_usd"`
	ExpectedCashLocal *decimal.Decimal `gorm:"type:decimal(20,4)" json:"expected_cash_local"`
	CountedCashUsd    *decimal.Decimal `gorm:"type:decimal(20,4)" json:"counted_cash_usd"`
	CountedCashLocal  *decimal.Decimal `gorm:"type:decimal(20,4)" json:"counted_cash_local"`
	VarianceUsd       *decimal.Decimal `gorm:"type:decimal(20,4)" json:"variance_usd"`
	VarianceLocal     *decimal.Decimal `gorm:"type:decimal(20,4)" json:"variance_local"`
	OpenEventId       int              `gorm:"not null" json:"open_event_id"`
	CloseEventId      *int             `json:"close_event_id"`
	CreatedAt         time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}
