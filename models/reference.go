package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reference data is owned by the admin collaborators. The engine only reads it.

type Tenant struct {
	ID                 TenantID  `gorm:"primaryKey;size:64" json:"id"`
	Name               string    `gorm:"size:255;not null" json:"name"`
	AllowNegativeStock bool      `gorm:"not null;default:false" json:"allow_negative_stock"`
	IsActive           bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Item struct {
	ID        int      `gorm:"primary_key" json:"id"`
	TenantId  TenantID `gorm:"size:64;not null;index:idx_items_tenant_sku,unique" json:"tenant_id"`
	Sku       string   `gorm:"size:100;not null;index:idx_items_tenant_sku,unique" json:"sku"`
	Name      string   `gorm:"size:255;not null" json:"name"`
	TrackLots bool     `gorm:"not null;default:false" json:"track_lots"`
	// nil falls back to the warehouse, then the tenant.
	AllowNegativeStock *bool     `json:"allow_negative_stock"`
	IsActive           bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Warehouse struct {
	ID                 int       `gorm:"primary_key" json:"id"`
	TenantId           TenantID  `gorm:"size:64;not null;index" json:"tenant_id"`
	BranchId           int       `gorm:"not null;default:0" json:"branch_id"`
	Name               string    `gorm:"size:255;not null" json:"name"`
	AllowNegativeStock *bool     `json:"allow_negative_stock"`
	IsActive           bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Device is a registered POS terminal. Events name it by its device code.
type Device struct {
	ID          int       `gorm:"primary_key" json:"id"`
	TenantId    TenantID  `gorm:"size:64;not null;index:idx_devices_tenant_code,unique" json:"tenant_id"`
	DeviceCode  string    `gorm:"size:100;not null;index:idx_devices_tenant_code,unique" json:"device_code"`
	BranchId    int       `gorm:"not null;default:0" json:"branch_id"`
	WarehouseId int       `gorm:"not null" json:"warehouse_id"`
	IsActive    bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ExchangeRate is local currency units per one USD, effective from RateDate.
type ExchangeRate struct {
	ID        int             `gorm:"primary_key" json:"id"`
	TenantId  TenantID        `gorm:"size:64;not null;index:idx_fx_tenant_date,unique" json:"tenant_id"`
	RateDate  time.Time       `gorm:"not null;index:idx_fx_tenant_date,unique" json:"rate_date"`
	Rate      decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"rate"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// AccountingPeriodLock closes a date range to postings. Both bounds are
// inclusive calendar dates; an unlocked row has no effect.
type AccountingPeriodLock struct {
	ID        int       `gorm:"primary_key" json:"id"`
	TenantId  TenantID  `gorm:"size:64;not null;index:idx_period_locks_tenant" json:"tenant_id"`
	StartDate time.Time `gorm:"type:date;not null;index:idx_period_locks_tenant" json:"start_date"`
	EndDate   time.Time `gorm:"type:date;not null" json:"end_date"`
	Locked    bool      `gorm:"not null;default:true" json:"locked"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TenantAccountDefault maps an account role to the tenant's chart of accounts.
type TenantAccountDefault struct {
	ID          int         `gorm:"primary_key" json:"id"`
	TenantId    TenantID    `gorm:"size:64;not null;index:idx_account_defaults,unique" json:"tenant_id"`
	Role        AccountRole `gorm:"size:40;not null;index:idx_account_defaults,unique" json:"role"`
	AccountCode string      `gorm:"size:40;not null" json:"account_code"`
	UpdatedAt   time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}
