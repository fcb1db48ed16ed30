package workflow

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"github.com/shopspring/decimal"
)

func findLine(lines []PostingLine, role models.AccountRole, side Side) *PostingLine {
	for i := range lines {
		if lines[i].Role == role && lines[i].Side == side {
			return &lines[i]
		}
	}
	return nil
}

func TestBalanceLines_ResidualGoesToRounding(t *testing.T) {
	lines := []PostingLine{
		{Role: models.AccountRoleCash, Side: Debit, Usd: dec("10.00"), Local: dec("40000")},
		{Role: models.AccountRoleSales, Side: Credit, Usd: dec("3.335"), Local: dec("13340")},
		{Role: models.AccountRoleVatPayable, Side: Credit, Usd: dec("6.665"), Local: dec("26660")},
	}
	out, err := BalanceLines(lines)
	if err != nil {
		t.Fatalf("BalanceLines: %v", err)
	}
	rounding := findLine(out, models.AccountRoleRounding, Debit)
	if rounding == nil || !rounding.Usd.Equal(dec("0.01")) || !rounding.Local.IsZero() {
		t.Fatalf("expected a 0.01 USD rounding debit, got %+v", out)
	}

	debit, credit := decimal.Zero, decimal.Zero
	for _, l := range out {
		if l.Side == Debit {
			debit = debit.Add(l.Usd)
		} else {
			credit = credit.Add(l.Usd)
		}
	}
	if !debit.Equal(credit) {
		t.Fatalf("usd does not balance: %s vs %s", debit, credit)
	}
}

func TestBalanceLines_CurrenciesRoundIndependently(t *testing.T) {
	lines := []PostingLine{
		{Role: models.AccountRoleCogs, Side: Debit, Usd: dec("1.004"), Local: dec("4016.4")},
		{Role: models.AccountRoleInventory, Side: Credit, Usd: dec("1.004"), Local: dec("4015.6")},
	}
	out, err := BalanceLines(lines)
	if err != nil {
		t.Fatalf("BalanceLines: %v", err)
	}
	// Both USD sides round to 1.00; local rounds to 4016 on both sides.
	if findLine(out, models.AccountRoleRounding, Debit) != nil || findLine(out, models.AccountRoleRounding, Credit) != nil {
		t.Fatalf("no rounding line expected, got %+v", out)
	}
}

func TestBalanceLines_LargeResidualIsInvariant(t *testing.T) {
	lines := []PostingLine{
		{Role: models.AccountRoleCash, Side: Debit, Usd: dec("10.00"), Local: dec("40000")},
		{Role: models.AccountRoleSales, Side: Credit, Usd: dec("10.05"), Local: dec("40000")},
	}
	_, err := BalanceLines(lines)
	var pe *ProcessingError
	if !errors.As(err, &pe) || pe.Kind != ErrorKindInvariant || pe.Code != CodeUnbalancedJournal {
		t.Fatalf("expected invariant/%s, got %v", CodeUnbalancedJournal, err)
	}
}

func TestBuildPostingLines(t *testing.T) {
	sale := &models.Document{
		Kind:          models.DocumentKindSalesInvoice,
		PaymentMethod: models.PaymentMethodCard,
		SubtotalUsd:   dec("50"), SubtotalLocal: dec("200000"),
		TaxUsd: dec("5"), TaxLocal: dec("20000"),
		AmountUsd: dec("55"), AmountLocal: dec("220000"),
	}
	moves := []models.StockMove{{Qty: dec("-10"), UnitCostUsd: dec("2.2"), UnitCostLocal: dec("8800")}}

	lines := BuildPostingLines(sale, moves)
	want := []struct {
		role       models.AccountRole
		side       Side
		usd, local string
	}{
		{models.AccountRoleBank, Debit, "55", "220000"},
		{models.AccountRoleSales, Credit, "50", "200000"},
		{models.AccountRoleVatPayable, Credit, "5", "20000"},
		{models.AccountRoleCogs, Debit, "22", "88000"},
		{models.AccountRoleInventory, Credit, "22", "88000"},
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %+v", len(want), lines)
	}
	for _, w := range want {
		l := findLine(lines, w.role, w.side)
		if l == nil || !l.Usd.Equal(dec(w.usd)) || !l.Local.Equal(dec(w.local)) {
			t.Fatalf("%s %s: expected %s/%s, got %+v", w.role, w.side, w.usd, w.local, l)
		}
	}

	cashIn := &models.Document{
		Kind: models.DocumentKindCashMovement, ReasonCode: cashDirectionIn,
		AmountUsd: dec("20"), AmountLocal: dec("80000"),
	}
	lines = BuildPostingLines(cashIn, nil)
	if len(lines) != 2 || findLine(lines, models.AccountRoleCash, Debit) == nil || findLine(lines, models.AccountRoleCashClearing, Credit) == nil {
		t.Fatalf("cash in: unexpected lines %+v", lines)
	}

	shift := &models.Document{Kind: models.DocumentKindShiftRecord}
	if lines := BuildPostingLines(shift, nil); len(lines) != 0 {
		t.Fatalf("shift records post nothing, got %+v", lines)
	}
}

func TestBuildPostingLines_ReturnNetOfRestockingFee(t *testing.T) {
	ret := &models.Document{
		Kind:          models.DocumentKindSalesReturn,
		PaymentMethod: models.PaymentMethodCredit,
		SubtotalUsd:   dec("20"), SubtotalLocal: dec("80000"),
		TaxUsd: dec("2"), TaxLocal: dec("8000"),
		AmountUsd: dec("22"), AmountLocal: dec("88000"),
		RestockingFeeUsd: dec("3"), RestockingFeeLocal: dec("12000"),
	}
	lines := BuildPostingLines(ret, []models.StockMove{{Qty: dec("2"), UnitCostUsd: dec("1"), UnitCostLocal: dec("4000")}})

	if l := findLine(lines, models.AccountRoleAR, Credit); l == nil || !l.Usd.Equal(dec("19")) || !l.Local.Equal(dec("76000")) {
		t.Fatalf("refund should be net of the fee, got %+v", l)
	}
	if l := findLine(lines, models.AccountRoleRestockFees, Credit); l == nil || !l.Usd.Equal(dec("3")) || !l.Local.Equal(dec("12000")) {
		t.Fatalf("fee income missing, got %+v", l)
	}
	balanced, err := BalanceLines(lines)
	if err != nil {
		t.Fatalf("BalanceLines: %v", err)
	}
	if findLine(balanced, models.AccountRoleRounding, Debit) != nil || findLine(balanced, models.AccountRoleRounding, Credit) != nil {
		t.Fatalf("fee split should balance exactly, got %+v", balanced)
	}

	// Without a fee nothing is posted to fee income.
	ret.RestockingFeeUsd, ret.RestockingFeeLocal = decimal.Zero, decimal.Zero
	if l := findLine(BuildPostingLines(ret, nil), models.AccountRoleRestockFees, Credit); l != nil {
		t.Fatalf("unexpected fee line %+v", l)
	}
}
