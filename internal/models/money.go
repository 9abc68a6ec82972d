package models

import "github.com/shopspring/decimal"

// CentsScale is the fixed number of decimal places money is stored with.
const CentsScale = 2

// RoundCents rounds d to the storage scale.
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(CentsScale)
}

// HasSubCentPrecision reports whether d carries digits beyond the storage scale.
func HasSubCentPrecision(d decimal.Decimal) bool {
	return !d.Equal(RoundCents(d))
}
