package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
		code string
	}{
		{"classified errors pass through", fmt.Errorf("wrap: %w", Conflict(CodeNoOpenShift, "x")), ErrorKindConflict, CodeNoOpenShift},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), ErrorKindTimeout, CodeDeadlineExceeded},
		{"missing row", gorm.ErrRecordNotFound, ErrorKindInvariant, CodeRecordNotFound},
		{"deadlock", &mysqlDriver.MySQLError{Number: 1213, Message: "Deadlock found"}, ErrorKindTransient, CodeConcurrentUpdate},
		{"duplicate key", &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}, ErrorKindTransient, CodeConcurrentUpdate},
		{"anything else", errors.New("connection refused"), ErrorKindTransient, CodeStoreUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := Classify(tt.err)
			if pe.Kind != tt.kind || pe.Code != tt.code {
				t.Fatalf("expected %s/%s, got %s/%s", tt.kind, tt.code, pe.Kind, pe.Code)
			}
		})
	}
	if Classify(nil) != nil {
		t.Fatalf("nil stays nil")
	}
}

func TestProcessingError_IsQuarantine(t *testing.T) {
	for _, kind := range []ErrorKind{ErrorKindValidation, ErrorKindConflict, ErrorKindInvariant, ErrorKindTimeout} {
		if !(&ProcessingError{Kind: kind}).IsQuarantine() {
			t.Fatalf("%s should quarantine", kind)
		}
	}
	if Transient(CodeStoreUnavailable, errors.New("x")).IsQuarantine() {
		t.Fatalf("transient errors are retried")
	}
}

func TestNormalizeDual(t *testing.T) {
	usd := dec("2.5")
	local := dec("12000")

	gotUsd, gotLocal, err := NormalizeDual(models.DualAmount{Usd: &usd}, dec("4000"))
	if err != nil || !gotUsd.Equal(usd) || !gotLocal.Equal(dec("10000")) {
		t.Fatalf("usd only: %s/%s %v", gotUsd, gotLocal, err)
	}
	gotUsd, gotLocal, err = NormalizeDual(models.DualAmount{Local: &local}, dec("4000"))
	if err != nil || !gotUsd.Equal(dec("3")) || !gotLocal.Equal(local) {
		t.Fatalf("local only: %s/%s %v", gotUsd, gotLocal, err)
	}
	// Both given: taken as captured even when they disagree with the rate.
	gotUsd, gotLocal, err = NormalizeDual(models.DualAmount{Usd: &usd, Local: &local}, dec("4000"))
	if err != nil || !gotUsd.Equal(usd) || !gotLocal.Equal(local) {
		t.Fatalf("both: %s/%s %v", gotUsd, gotLocal, err)
	}

	_, _, err = NormalizeDual(models.DualAmount{Usd: &usd}, dec("0"))
	var pe *ProcessingError
	if !errors.As(err, &pe) || pe.Code != CodeMissingExchangeRate {
		t.Fatalf("expected %s, got %v", CodeMissingExchangeRate, err)
	}
}

func TestExpectedCash(t *testing.T) {
	shift := &models.PosShift{OpeningCashUsd: dec("100"), OpeningCashLocal: dec("400000")}
	docs := []models.Document{
		{Kind: models.DocumentKindSalesInvoice, PaymentMethod: models.PaymentMethodCash, AmountUsd: dec("30"), AmountLocal: dec("120000")},
		{Kind: models.DocumentKindSalesInvoice, PaymentMethod: models.PaymentMethodCard, AmountUsd: dec("99"), AmountLocal: dec("396000")},
		{Kind: models.DocumentKindSalesReturn, PaymentMethod: models.PaymentMethodCash, AmountUsd: dec("10"), AmountLocal: dec("40000")},
		{Kind: models.DocumentKindCashMovement, ReasonCode: cashDirectionIn, AmountUsd: dec("5"), AmountLocal: dec("20000")},
		{Kind: models.DocumentKindCashMovement, ReasonCode: cashDirectionOut, AmountUsd: dec("15"), AmountLocal: dec("60000")},
		{Kind: models.DocumentKindShiftRecord},
	}
	usd, local := ExpectedCash(shift, docs)
	if !usd.Equal(dec("110")) || !local.Equal(dec("440000")) {
		t.Fatalf("expected 110/440000, got %s/%s", usd, local)
	}
}
