package models

// TenantID identifies an isolated company. Every pipeline function takes one
// explicitly; nothing reads it from ambient state.
type TenantID string

func (t TenantID) String() string { return string(t) }

type EventKind string

const (
	EventKindSale            EventKind = "sale"
	EventKindReturn          EventKind = "return"
	EventKindStockAdjustment EventKind = "stock_adjustment"
	EventKindShiftOpen       EventKind = "shift_open"
	EventKindShiftClose      EventKind = "shift_close"
	EventKindGoodsReceipt    EventKind = "goods_receipt"
	EventKindCashMovement    EventKind = "cash_movement"
)

func (k EventKind) IsValid() bool {
	switch k {
	case EventKindSale, EventKindReturn, EventKindStockAdjustment, EventKindShiftOpen,
		EventKindShiftClose, EventKindGoodsReceipt, EventKindCashMovement:
		return true
	}
	return false
}

type EventStatus string

const (
	EventStatusPending     EventStatus = "pending"
	EventStatusApplied     EventStatus = "applied"
	EventStatusQuarantined EventStatus = "quarantined"
)

type DocumentKind string

const (
	DocumentKindSalesInvoice    DocumentKind = "sales_invoice"
	DocumentKindSalesReturn     DocumentKind = "sales_return"
	DocumentKindStockAdjustment DocumentKind = "stock_adjustment"
	DocumentKindShiftRecord     DocumentKind = "shift_record"
	DocumentKindGoodsReceipt    DocumentKind = "goods_receipt"
	DocumentKindCashMovement    DocumentKind = "cash_movement"
)

type DocumentStatus string

const (
	DocumentStatusDraft    DocumentStatus = "draft"
	DocumentStatusPosted   DocumentStatus = "posted"
	DocumentStatusCanceled DocumentStatus = "canceled"
)

type LotStatus string

const (
	LotStatusAvailable   LotStatus = "available"
	LotStatusQuarantined LotStatus = "quarantined"
	LotStatusExhausted   LotStatus = "exhausted"
)

type ShiftStatus string

const (
	ShiftStatusOpen   ShiftStatus = "open"
	ShiftStatusClosed ShiftStatus = "closed"
)

type PaymentMethod string

const (
	PaymentMethodCash   PaymentMethod = "cash"
	PaymentMethodCard   PaymentMethod = "card"
	PaymentMethodCredit PaymentMethod = "credit"
)

// AccountRole is the logical account a posting rule targets. The concrete
// account code per tenant comes from TenantAccountDefault.
type AccountRole string

const (
	AccountRoleCash          AccountRole = "CASH"
	AccountRoleBank          AccountRole = "BANK"
	AccountRoleAR            AccountRole = "AR"
	AccountRoleSales         AccountRole = "SALES"
	AccountRoleSalesReturns  AccountRole = "SALES_RETURNS"
	AccountRoleVatPayable    AccountRole = "VAT_PAYABLE"
	AccountRoleCogs          AccountRole = "COGS"
	AccountRoleInventory     AccountRole = "INVENTORY"
	AccountRoleInvAdjustment AccountRole = "INV_ADJ"
	AccountRoleGrni          AccountRole = "GRNI"
	AccountRoleCashClearing  AccountRole = "CASH_CLEARING"
	AccountRoleRounding      AccountRole = "ROUNDING"
	AccountRoleRestockFees   AccountRole = "RESTOCK_FEES"
)
