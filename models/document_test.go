package models_test

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/pos_reconciler/models"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDocumentCheckTotals(t *testing.T) {
	doc := models.Document{
		SubtotalUsd: d("30"), SubtotalLocal: d("120000"),
		TaxUsd: d("3"), TaxLocal: d("12000"),
		AmountUsd: d("33"), AmountLocal: d("132000"),
		Lines: []models.DocumentLine{
			{AmountUsd: d("10"), AmountLocal: d("40000"), TaxUsd: d("1"), TaxLocal: d("4000")},
			{AmountUsd: d("20"), AmountLocal: d("80000"), TaxUsd: d("2"), TaxLocal: d("8000")},
		},
	}
	if err := doc.CheckTotals(); err != nil {
		t.Fatalf("balanced document rejected: %v", err)
	}

	// Each currency is checked on its own.
	doc.SubtotalLocal = d("120001")
	doc.AmountLocal = d("132001")
	if err := doc.CheckTotals(); !errors.Is(err, models.ErrDocumentTotalsMismatch) {
		t.Fatalf("local mismatch not caught: %v", err)
	}
	doc.SubtotalLocal, doc.AmountLocal = d("120000"), d("132000")

	doc.AmountUsd = d("33.01")
	if err := doc.CheckTotals(); !errors.Is(err, models.ErrDocumentTotalsMismatch) {
		t.Fatalf("header amount mismatch not caught: %v", err)
	}
}

func TestJournalEntryBalance(t *testing.T) {
	entry := models.JournalEntry{Lines: []models.JournalLine{
		{DebitUsd: d("22"), DebitLocal: d("88000")},
		{CreditUsd: d("21.99"), CreditLocal: d("88000")},
		{CreditUsd: d("0.01")},
	}}
	if !entry.IsBalanced() {
		t.Fatalf("entry should balance")
	}
	entry.Lines[2].CreditLocal = d("1")
	if entry.IsBalanced() {
		t.Fatalf("local imbalance not caught")
	}
}

func TestStockMoveCost(t *testing.T) {
	m := models.StockMove{Qty: d("-10"), UnitCostUsd: d("2.2"), UnitCostLocal: d("8800")}
	if !m.CostUsd().Equal(d("-22")) || !m.CostLocal().Equal(d("-88000")) {
		t.Fatalf("unexpected cost %s/%s", m.CostUsd(), m.CostLocal())
	}
	if err := m.BeforeSave(nil); err != nil || !m.IsOutgoing {
		t.Fatalf("negative move should be outgoing")
	}
}
