package models

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// EventPayload is the closed set of typed payloads, one per EventKind.
// DecodePayload is the only way raw JSON becomes a payload.
type EventPayload interface {
	Kind() EventKind
}

// DualAmount carries a value in both currencies. Either side may be omitted
// and is then derived from the event exchange rate.
type DualAmount struct {
	Usd   *decimal.Decimal `json:"usd"`
	Local *decimal.Decimal `json:"local"`
}

func (a DualAmount) IsEmpty() bool { return a.Usd == nil && a.Local == nil }

type SaleLine struct {
	ItemId    int             `json:"item_id" validate:"required,gt=0"`
	Qty       decimal.Decimal `json:"qty"`
	UnitPrice DualAmount      `json:"unit_price"`
	Tax       DualAmount      `json:"tax"`
}

type SalePayload struct {
	DeviceCode    string          `json:"device_code" validate:"required,max=100"`
	ShiftKey      string          `json:"shift_key" validate:"omitempty,max=100"`
	WarehouseId   int             `json:"warehouse_id" validate:"gte=0"`
	CashierId     string          `json:"cashier_id" validate:"omitempty,max=100"`
	PaymentMethod PaymentMethod   `json:"payment_method" validate:"omitempty,oneof=cash card credit"`
	ExchangeRate  decimal.Decimal `json:"exchange_rate"`
	Lines         []SaleLine      `json:"lines" validate:"required,min=1,dive"`
}

func (SalePayload) Kind() EventKind { return EventKindSale }

type ReturnLine struct {
	ItemId int             `json:"item_id" validate:"required,gt=0"`
	Qty    decimal.Decimal `json:"qty"`
}

type ReturnPayload struct {
	DeviceCode       string          `json:"device_code" validate:"required,max=100"`
	OriginalEventKey string          `json:"original_event_key" validate:"required,max=191"`
	CashierId        string          `json:"cashier_id" validate:"omitempty,max=100"`
	RefundMethod     PaymentMethod   `json:"refund_method" validate:"omitempty,oneof=cash card credit"`
	ExchangeRate     decimal.Decimal `json:"exchange_rate"`
	Lines            []ReturnLine    `json:"lines" validate:"required,min=1,dive"`
	// RestockingFeePct, when set, wins over RestockingFee. It accepts a
	// fraction (0.15) or a percentage (15).
	RestockingFee       DualAmount       `json:"restocking_fee"`
	RestockingFeePct    *decimal.Decimal `json:"restocking_fee_pct"`
	RestockingFeeReason string           `json:"restocking_fee_reason" validate:"omitempty,max=255"`
}

func (ReturnPayload) Kind() EventKind { return EventKindReturn }

type AdjustmentLine struct {
	ItemId     int             `json:"item_id" validate:"required,gt=0"`
	Qty        decimal.Decimal `json:"qty"`
	UnitCost   DualAmount      `json:"unit_cost"`
	LotCode    string          `json:"lot_code" validate:"omitempty,max=100"`
	ExpiryDate string          `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
}

type StockAdjustmentPayload struct {
	WarehouseId  int              `json:"warehouse_id" validate:"required,gt=0"`
	ReasonCode   string           `json:"reason_code" validate:"max=64"`
	Note         string           `json:"note" validate:"omitempty,max=255"`
	ExchangeRate decimal.Decimal  `json:"exchange_rate"`
	Lines        []AdjustmentLine `json:"lines" validate:"required,min=1,dive"`
}

func (StockAdjustmentPayload) Kind() EventKind { return EventKindStockAdjustment }

type ShiftOpenPayload struct {
	DeviceCode   string          `json:"device_code" validate:"required,max=100"`
	ShiftKey     string          `json:"shift_key" validate:"required,max=100"`
	CashierId    string          `json:"cashier_id" validate:"omitempty,max=100"`
	OpeningCash  DualAmount      `json:"opening_cash"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
}

func (ShiftOpenPayload) Kind() EventKind { return EventKindShiftOpen }

type ShiftClosePayload struct {
	DeviceCode   string          `json:"device_code" validate:"required,max=100"`
	ShiftKey     string          `json:"shift_key" validate:"omitempty,max=100"`
	CountedCash  DualAmount      `json:"counted_cash"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
}

func (ShiftClosePayload) Kind() EventKind { return EventKindShiftClose }

type ReceiptLine struct {
	ItemId     int             `json:"item_id" validate:"required,gt=0"`
	Qty        decimal.Decimal `json:"qty"`
	UnitCost   DualAmount      `json:"unit_cost"`
	LotCode    string          `json:"lot_code" validate:"omitempty,max=100"`
	ExpiryDate string          `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
}

type GoodsReceiptPayload struct {
	WarehouseId  int             `json:"warehouse_id" validate:"required,gt=0"`
	SupplierRef  string          `json:"supplier_ref" validate:"omitempty,max=100"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	Lines        []ReceiptLine   `json:"lines" validate:"required,min=1,dive"`
}

func (GoodsReceiptPayload) Kind() EventKind { return EventKindGoodsReceipt }

type CashMovementPayload struct {
	DeviceCode   string          `json:"device_code" validate:"required,max=100"`
	Direction    string          `json:"direction" validate:"required,oneof=in out"`
	Amount       DualAmount      `json:"amount"`
	Reason       string          `json:"reason" validate:"omitempty,max=255"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
}

func (CashMovementPayload) Kind() EventKind { return EventKindCashMovement }

// DecodePayload dispatches on the event tag. Unknown kinds and malformed JSON
// are errors; field-level rules are checked by the validator afterwards.
func DecodePayload(kind EventKind, raw []byte) (EventPayload, error) {
	var p EventPayload
	switch kind {
	case EventKindSale:
		p = &SalePayload{}
	case EventKindReturn:
		p = &ReturnPayload{}
	case EventKindStockAdjustment:
		p = &StockAdjustmentPayload{}
	case EventKindShiftOpen:
		p = &ShiftOpenPayload{}
	case EventKindShiftClose:
		p = &ShiftClosePayload{}
	case EventKindGoodsReceipt:
		p = &GoodsReceiptPayload{}
	case EventKindCashMovement:
		p = &CashMovementPayload{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload for %s", kind)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
