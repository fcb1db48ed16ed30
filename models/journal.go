package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// JournalEntry is the balanced GL effect of one document.
// Unique constraint: (tenant_id, source_event_id).
type JournalEntry struct {
	ID              int             `gorm:"primary_key" json:"id"`
	TenantId        TenantID        `gorm:"size:64;not null;index:uniq_journal_source,unique" json:"tenant_id"`
	DocumentId      int             `gorm:"not null;index" json:"document_id"`
	DocumentKind    DocumentKind    `gorm:"size:40;not null" json:"document_kind"`
	SourceEventId   int             `gorm:"not null;index:uniq_journal_source,unique" json:"source_event_id"`
	EntryDate       time.Time       `gorm:"not null;index" json:"entry_date"`
	Memo            string          `gorm:"size:255" json:"memo"`
	ExchangeRate    decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"exchange_rate"`
	TotalDebitUsd   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_debit_usd"`
	TotalDebitLocal decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_debit_local"`
	Lines           []JournalLine   `gorm:"foreignKey:JournalEntryId" json:"lines"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type JournalLine struct {
	ID             int             `gorm:"primary_key" json:"id"`
	TenantId       TenantID        `gorm:"size:64;not null;index" json:"tenant_id"`
	JournalEntryId int             `gorm:"not null;index" json:"journal_entry_id"`
	Role           AccountRole     `gorm:"size:40;not null" json:"role"`
	AccountCode    string          `gorm:"size:40;not null;index" json:"account_code"`
	DebitUsd       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"debit_usd"`
	CreditUsd      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"credit_usd"`
	DebitLocal     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"debit_local"`
	CreditLocal    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"credit_local"`
	Memo           string          `gorm:"size:255" json:"memo"`
}

// Sums returns debit and credit totals per currency.
func (e *JournalEntry) Sums() (debitUsd, creditUsd, debitLocal, creditLocal decimal.Decimal) {
	for _, l := range e.Lines {
		debitUsd = debitUsd.Add(l.DebitUsd)
		creditUsd = creditUsd.Add(l.CreditUsd)
		debitLocal = debitLocal.Add(l.DebitLocal)
		creditLocal = creditLocal.Add(l.CreditLocal)
	}
	return
}

func (e *JournalEntry) IsBalanced() bool {
	dU, cU, dL, cL := e.Sums()
	return dU.Equal(cU) && dL.Equal(cL)
}
