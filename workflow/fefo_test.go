package workflow

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func date(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestAllocateFEFO_WeightedCost(t *testing.T) {
	lots := []LotBalance{
		{LotId: 2, ExpiryDate: date("2025-02-01"), Available: dec("100"), UnitCostUsd: dec("2.50"), UnitCostLocal: dec("10000")},
		{LotId: 1, ExpiryDate: date("2025-01-01"), Available: dec("6"), UnitCostUsd: dec("2.00"), UnitCostLocal: dec("8000")},
	}
	allocs, remainder := AllocateFEFO(lots, dec("10"))
	if !remainder.IsZero() {
		t.Fatalf("expected full cover, %s left", remainder)
	}
	if len(allocs) != 2 || *allocs[0].LotId != 1 || !allocs[0].Qty.Equal(dec("6")) || *allocs[1].LotId != 2 || !allocs[1].Qty.Equal(dec("4")) {
		t.Fatalf("unexpected allocation: %+v", allocs)
	}
	usd, local := WeightedUnitCost(allocs)
	if !usd.Equal(dec("2.2")) || !local.Equal(dec("8800")) {
		t.Fatalf("expected 2.20/8800, got %s/%s", usd, local)
	}
	// The input is not reordered.
	if lots[0].LotId != 2 {
		t.Fatalf("AllocateFEFO mutated its input")
	}
}

func TestAllocateFEFO_Shortfall(t *testing.T) {
	lots := []LotBalance{
		{LotId: 1, ExpiryDate: date("2025-01-01"), Available: dec("3"), UnitCostUsd: dec("1")},
		{LotId: 2, ExpiryDate: date("2025-01-05"), Available: decimal.Zero, UnitCostUsd: dec("1")},
	}
	allocs, remainder := AllocateFEFO(lots, dec("5"))
	if len(allocs) != 1 || !remainder.Equal(dec("2")) {
		t.Fatalf("expected one allocation and 2 short, got %+v / %s", allocs, remainder)
	}
}

func TestSortFEFO(t *testing.T) {
	tests := []struct {
		name string
		in   []LotBalance
		want []int
	}{
		{
			name: "earliest expiry first",
			in:   []LotBalance{{LotId: 1, ExpiryDate: date("2025-03-01")}, {LotId: 2, ExpiryDate: date("2025-01-01")}},
			want: []int{2, 1},
		},
		{
			name: "no expiry goes last",
			in:   []LotBalance{{LotId: 1}, {LotId: 2, ExpiryDate: date("2026-01-01")}, {LotId: 3, ExpiryDate: date("2025-01-01")}},
			want: []int{3, 2, 1},
		},
		{
			name: "ties by lot id",
			in:   []LotBalance{{LotId: 9, ExpiryDate: date("2025-01-01")}, {LotId: 4, ExpiryDate: date("2025-01-01")}, {LotId: 7}, {LotId: 5}},
			want: []int{4, 9, 5, 7},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SortFEFO(tt.in)
			for i, id := range tt.want {
				if tt.in[i].LotId != id {
					t.Fatalf("position %d: expected lot %d, got %d", i, id, tt.in[i].LotId)
				}
			}
		})
	}
}

func TestMovingAverage(t *testing.T) {
	tests := []struct {
		name                        string
		onHand, avg, qty, cost, want string
	}{
		{"empty stock takes the inbound cost", "0", "0", "10", "2.5", "2.5"},
		{"blends with existing stock", "10", "2", "10", "3", "2.5"},
		{"deficit resets to inbound cost", "-4", "2", "10", "3", "3"},
		{"rounds to cost scale", "3", "1", "1", "2", "1.25"},
		{"repeating fraction", "2", "1", "1", "2", "1.333333"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MovingAverage(dec(tt.onHand), dec(tt.avg), dec(tt.qty), dec(tt.cost))
			if !got.Equal(dec(tt.want)) {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRetryDelay(t *testing.T) {
	base, maxDelay := 2*time.Second, 30*time.Second
	for attempt := 1; attempt <= 8; attempt++ {
		d := RetryDelay(42, attempt, base, maxDelay)
		if d != RetryDelay(42, attempt, base, maxDelay) {
			t.Fatalf("attempt %d: delay is not reproducible", attempt)
		}
		floor := base << (attempt - 1)
		if floor > maxDelay {
			floor = maxDelay
		}
		if d < floor || d > floor+floor/5 {
			t.Fatalf("attempt %d: delay %s outside [%s, %s]", attempt, d, floor, floor+floor/5)
		}
	}
	if RetryDelay(1, 0, base, maxDelay) < base {
		t.Fatalf("attempt 0 should be treated as the first")
	}
}
