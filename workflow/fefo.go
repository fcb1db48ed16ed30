package workflow

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// costScale is the precision unit costs are stored with.
const costScale int32 = 6

// LotBalance is what FEFO allocation needs to know about one lot.
type LotBalance struct {
	LotId         int
	ExpiryDate    *time.Time
	Available     decimal.Decimal
	UnitCostUsd   decimal.Decimal
	UnitCostLocal decimal.Decimal
}

// LotAllocation is a slice of an outbound quantity. LotId nil means the
// untracked pool valued at the moving average.
type LotAllocation struct {
	LotId         *int
	Qty           decimal.Decimal
	UnitCostUsd   decimal.Decimal
	UnitCostLocal decimal.Decimal
}

// SortFEFO orders lots earliest expiry first, lots without expiry last, ties by id.
func SortFEFO(lots []LotBalance) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		switch {
		case a.ExpiryDate == nil && b.ExpiryDate == nil:
			return a.LotId < b.LotId
		case a.ExpiryDate == nil:
			return false
		case b.ExpiryDate == nil:
			return true
		case !a.ExpiryDate.Equal(*b.ExpiryDate):
			return a.ExpiryDate.Before(*b.ExpiryDate)
		default:
			return a.LotId < b.LotId
		}
	})
}

// AllocateFEFO consumes qty from lots in FEFO order, fully draining a lot
// before touching the next. It returns what it could not cover.
func AllocateFEFO(lots []LotBalance, qty decimal.Decimal) ([]LotAllocation, decimal.Decimal) {
	ordered := make([]LotBalance, len(lots))
	copy(ordered, lots)
	SortFEFO(ordered)

	remaining := qty
	var allocs []LotAllocation
	for _, lot := range ordered {
		if !remaining.IsPositive() {
			break
		}
		if !lot.Available.IsPositive() {
			continue
		}
		take := decimal.Min(lot.Available, remaining)
		lotId := lot.LotId
		allocs = append(allocs, LotAllocation{
			LotId:         &lotId,
			Qty:           take,
			UnitCostUsd:   lot.UnitCostUsd,
			UnitCostLocal: lot.UnitCostLocal,
		})
		remaining = remaining.Sub(take)
	}
	return allocs, remaining
}

// WeightedUnitCost is sum(qty*cost)/sum(qty) per currency.
func WeightedUnitCost(allocs []LotAllocation) (usd, local decimal.Decimal) {
	qty := decimal.Zero
	totalUsd, totalLocal := decimal.Zero, decimal.Zero
	for _, a := range allocs {
		qty = qty.Add(a.Qty)
		totalUsd = totalUsd.Add(a.Qty.Mul(a.UnitCostUsd))
		totalLocal = totalLocal.Add(a.Qty.Mul(a.UnitCostLocal))
	}
	if qty.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	return totalUsd.DivRound(qty, costScale), totalLocal.DivRound(qty, costScale)
}

// MovingAverage folds an inbound quantity into the running average:
// (onHand*oldAvg + qty*cost) / (onHand + qty). With nothing (or a deficit)
// on hand the inbound cost becomes the new average.
func MovingAverage(onHand, oldAvg, qty, cost decimal.Decimal) decimal.Decimal {
	if !onHand.IsPositive() {
		return cost
	}
	total := onHand.Add(qty)
	if !total.IsPositive() {
		return cost
	}
	return onHand.Mul(oldAvg).Add(qty.Mul(cost)).DivRound(total, costScale)
}
