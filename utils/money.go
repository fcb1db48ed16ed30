package utils

import "github.com/shopspring/decimal"

// Minimal units: USD is kept in cents, the local currency in whole units.
const (
	UsdScale   int32 = 2
	LocalScale int32 = 0
)

var (
	UsdUnit   = decimal.New(1, -UsdScale)
	LocalUnit = decimal.New(1, -LocalScale)
)

func RoundUsd(d decimal.Decimal) decimal.Decimal {
	return d.Round(UsdScale)
}

func RoundLocal(d decimal.Decimal) decimal.Decimal {
	return d.Round(LocalScale)
}

// LocalFromUsd converts at `rate` local units per USD.
func LocalFromUsd(usd, rate decimal.Decimal) decimal.Decimal {
	return usd.Mul(rate)
}

// UsdFromLocal converts back; callers must reject a zero rate first.
func UsdFromLocal(local, rate decimal.Decimal) decimal.Decimal {
	return local.DivRound(rate, 8)
}
