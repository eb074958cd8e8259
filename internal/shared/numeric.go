package shared

import "github.com/shopspring/decimal"

// Scales stored by the ledger tables.
const (
	QuantityPlaces int32 = 4
	MoneyPlaces    int32 = 2
)

// FitsScale reports whether d carries no significant digits past places.
func FitsScale(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}
