package workflow

import (
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"bitbucket.org/mmdatafocus/pos_reconciler/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Side string

const (
	Debit  Side = "debit"
	Credit Side = "credit"
)

// PostingLine is one side of a journal line before account codes are resolved.
type PostingLine struct {
	Role  models.AccountRole
	Side  Side
	Usd   decimal.Decimal
	Local decimal.Decimal
}

// postingInput is what the rules read: the document header plus the
// inventory value moved in and out at full precision.
type postingInput struct {
	doc          *models.Document
	costInUsd    decimal.Decimal
	costInLocal  decimal.Decimal
	costOutUsd   decimal.Decimal
	costOutLocal decimal.Decimal
}

type amountFunc func(in *postingInput) (usd, local decimal.Decimal)

type postingRule struct {
	Role   models.AccountRole
	RoleOf func(doc *models.Document) models.AccountRole
	Side   Side
	Amount amountFunc
	// When, if set, gates the rule on the document.
	When func(doc *models.Document) bool
}

func gross(in *postingInput) (decimal.Decimal, decimal.Decimal) {
	return in.doc.AmountUsd, in.doc.AmountLocal
}

func net(in *postingInput) (decimal.Decimal, decimal.Decimal) {
	return in.doc.SubtotalUsd, in.doc.SubtotalLocal
}

func tax(in *postingInput) (decimal.Decimal, decimal.Decimal) {
	return in.doc.TaxUsd, in.doc.TaxLocal
}

// refund is what goes back to the customer: the return total less any
// restocking fee kept.
func refund(in *postingInput) (decimal.Decimal, decimal.Decimal) {
	return in.doc.AmountUsd.Sub(in.doc.RestockingFeeUsd), in.doc.AmountLocal.Sub(in.doc.RestockingFeeLocal)
}

func restockingFee(in *postingInput) (decimal.Decimal, decimal.Decimal) {
	return in.doc.RestockingFeeUsd, in.doc.RestockingFeeLocal
}

func costIn(in *postingInput) (decimal.Decimal, decimal.Decimal) {
	return in.costInUsd, in.costInLocal
}

func costOut(in *postingInput) (decimal.Decimal, decimal.Decimal) {
	return in.costOutUsd, in.costOutLocal
}

// settlementRole picks the account the customer paid through.
func settlementRole(doc *models.Document) models.AccountRole {
	switch doc.PaymentMethod {
	case models.PaymentMethodCard:
		return models.AccountRoleBank
	case models.PaymentMethodCredit:
		return models.AccountRoleAR
	default:
		return models.AccountRoleCash
	}
}

func isCashIn(doc *models.Document) bool  { return doc.ReasonCode == cashDirectionIn }
func isCashOut(doc *models.Document) bool { return doc.ReasonCode == cashDirectionOut }

// postingRules is the account mapping table per document kind. Shift records
// have no GL effect.
var postingRules = map[models.DocumentKind][]postingRule{
	models.DocumentKindSalesInvoice: {
		{RoleOf: settlementRole, Side: Debit, Amount: gross},
		{Role: models.AccountRoleSales, Side: Credit, Amount: net},
		{Role: models.AccountRoleVatPayable, Side: Credit, Amount: tax},
		{Role: models.AccountRoleCogs, Side: Debit, Amount: costOut},
		{Role: models.AccountRoleInventory, Side: Credit, Amount: costOut},
	},
	models.DocumentKindSalesReturn: {
		{Role: models.AccountRoleSalesReturns, Side: Debit, Amount: net},
		{Role: models.AccountRoleVatPayable, Side: Debit, Amount: tax},
		{RoleOf: settlementRole, Side: Credit, Amount: refund},
		{Role: models.AccountRoleRestockFees, Side: Credit, Amount: restockingFee},
		{Role: models.AccountRoleInventory, Side: Debit, Amount: costIn},
		{Role: models.AccountRoleCogs, Side: Credit, Amount: costIn},
	},
	models.DocumentKindStockAdjustment: {
		{Role: models.AccountRoleInventory, Side: Debit, Amount: costIn},
		{Role: models.AccountRoleInvAdjustment, Side: Credit, Amount: costIn},
		{Role: models.AccountRoleInvAdjustment, Side: Debit, Amount: costOut},
		{Role: models.AccountRoleInventory, Side: Credit, Amount: costOut},
	},
	models.DocumentKindGoodsReceipt: {
		{Role: models.AccountRoleInventory, Side: Debit, Amount: costIn},
		{Role: models.AccountRoleGrni, Side: Credit, Amount: costIn},
	},
	models.DocumentKindCashMovement: {
		{Role: models.AccountRoleCash, Side: Debit, Amount: gross, When: isCashIn},
		{Role: models.AccountRoleCashClearing, Side: Credit, Amount: gross, When: isCashIn},
		{Role: models.AccountRoleCashClearing, Side: Debit, Amount: gross, When: isCashOut},
		{Role: models.AccountRoleCash, Side: Credit, Amount: gross, When: isCashOut},
	},
}

// BuildPostingLines applies the rules for the document kind and aggregates
// by (role, side) at full precision. Zero lines are dropped.
func BuildPostingLines(doc *models.Document, moves []models.StockMove) []PostingLine {
	rules, ok := postingRules[doc.Kind]
	if !ok {
		return nil
	}
	in := &postingInput{doc: doc}
	for i := range moves {
		m := &moves[i]
		if m.Qty.IsNegative() {
			in.costOutUsd = in.costOutUsd.Add(m.CostUsd().Neg())
			in.costOutLocal = in.costOutLocal.Add(m.CostLocal().Neg())
		} else {
			in.costInUsd = in.costInUsd.Add(m.CostUsd())
			in.costInLocal = in.costInLocal.Add(m.CostLocal())
		}
	}

	type key struct {
		role models.AccountRole
		side Side
	}
	agg := map[key]*PostingLine{}
	var order []key
	for _, r := range rules {
		if r.When != nil && !r.When(doc) {
			continue
		}
		usd, local := r.Amount(in)
		if usd.IsZero() && local.IsZero() {
			continue
		}
		role := r.Role
		if r.RoleOf != nil {
			role = r.RoleOf(doc)
		}
		k := key{role, r.Side}
		if l, ok := agg[k]; ok {
			l.Usd = l.Usd.Add(usd)
			l.Local = l.Local.Add(local)
			continue
		}
		agg[k] = &PostingLine{Role: role, Side: r.Side, Usd: usd, Local: local}
		order = append(order, k)
	}

	out := make([]PostingLine, 0, len(order))
	for _, k := range order {
		out = append(out, *agg[k])
	}
	return out
}

// BalanceLines rounds each currency independently to its minimal unit and
// posts any residual to the rounding account. A residual larger than one
// minimal unit means the lines were wrong to begin with and is an invariant
// violation.
func BalanceLines(lines []PostingLine) ([]PostingLine, error) {
	out := make([]PostingLine, 0, len(lines)+2)
	debitUsd, creditUsd := decimal.Zero, decimal.Zero
	debitLocal, creditLocal := decimal.Zero, decimal.Zero
	for _, l := range lines {
		r := PostingLine{Role: l.Role, Side: l.Side, Usd: utils.RoundUsd(l.Usd), Local: utils.RoundLocal(l.Local)}
		if r.Usd.IsNegative() || r.Local.IsNegative() {
			return nil, Invariant(CodeUnbalancedJournal, "negative %s amount on %s", r.Side, r.Role)
		}
		if r.Side == Debit {
			debitUsd = debitUsd.Add(r.Usd)
			debitLocal = debitLocal.Add(r.Local)
		} else {
			creditUsd = creditUsd.Add(r.Usd)
			creditLocal = creditLocal.Add(r.Local)
		}
		out = append(out, r)
	}

	residualUsd := debitUsd.Sub(creditUsd)
	residualLocal := debitLocal.Sub(creditLocal)
	if residualUsd.Abs().GreaterThan(utils.UsdUnit) {
		return nil, Invariant(CodeUnbalancedJournal, "usd residual %s exceeds rounding tolerance", residualUsd)
	}
	if residualLocal.Abs().GreaterThan(utils.LocalUnit) {
		return nil, Invariant(CodeUnbalancedJournal, "local residual %s exceeds rounding tolerance", residualLocal)
	}

	// Debits above credits: credit the rounding account, and vice versa.
	// The two currencies may need opposite sides.
	if !residualUsd.IsZero() {
		out = append(out, roundingLine(residualUsd, true))
	}
	if !residualLocal.IsZero() {
		out = append(out, roundingLine(residualLocal, false))
	}
	return out, nil
}

func roundingLine(residual decimal.Decimal, usd bool) PostingLine {
	side := Credit
	if residual.IsNegative() {
		side = Debit
	}
	l := PostingLine{Role: models.AccountRoleRounding, Side: side, Usd: decimal.Zero, Local: decimal.Zero}
	if usd {
		l.Usd = residual.Abs()
	} else {
		l.Local = residual.Abs()
	}
	return l
}

// LedgerPoster turns a costed document into one balanced journal entry.
type LedgerPoster struct {
	Config *TenantConfig
}

// Post writes the entry. It returns nil for kinds without GL effect.
func (p *LedgerPoster) Post(tx *gorm.DB, tenantId models.TenantID, doc *models.Document, moves []models.StockMove, entryDate time.Time) (*models.JournalEntry, error) {
	lines := BuildPostingLines(doc, moves)
	if len(lines) == 0 {
		return nil, nil
	}
	balanced, err := BalanceLines(lines)
	if err != nil {
		return nil, err
	}

	codes, err := p.Config.AccountCodes(tx, tenantId)
	if err != nil {
		return nil, err
	}

	entry := &models.JournalEntry{
		TenantId:      tenantId,
		DocumentId:    doc.ID,
		DocumentKind:  doc.Kind,
		SourceEventId: doc.SourceEventId,
		EntryDate:     entryDate,
		Memo:          fmt.Sprintf("%s %s", doc.Kind, doc.DocumentNo),
		ExchangeRate:  doc.ExchangeRate,
	}
	for _, l := range balanced {
		code, ok := codes[l.Role]
		if !ok || code == "" {
			return nil, Validation(CodeMissingAccount, "no account mapped for role %s", l.Role)
		}
		jl := models.JournalLine{
			TenantId:    tenantId,
			Role:        l.Role,
			AccountCode: code,
			DebitUsd:    decimal.Zero,
			CreditUsd:   decimal.Zero,
			DebitLocal:  decimal.Zero,
			CreditLocal: decimal.Zero,
		}
		if l.Side == Debit {
			jl.DebitUsd, jl.DebitLocal = l.Usd, l.Local
		} else {
			jl.CreditUsd, jl.CreditLocal = l.Usd, l.Local
		}
		entry.Lines = append(entry.Lines, jl)
	}
	sort.SliceStable(entry.Lines, func(i, j int) bool {
		return entry.Lines[i].DebitUsd.Add(entry.Lines[i].DebitLocal).IsPositive() &&
			!entry.Lines[j].DebitUsd.Add(entry.Lines[j].DebitLocal).IsPositive()
	})

	if !entry.IsBalanced() {
		return nil, Invariant(CodeUnbalancedJournal, "journal for document %d does not balance after rounding", doc.ID)
	}
	entry.TotalDebitUsd, _, entry.TotalDebitLocal, _ = entry.Sums()

	if err := tx.Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}
