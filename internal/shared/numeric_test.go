package shared

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFitsScale(t *testing.T) {
	assert.True(t, FitsScale(decimal.RequireFromString("1.0004"), QuantityPlaces))
	assert.True(t, FitsScale(decimal.RequireFromString("2.50000"), MoneyPlaces))
	assert.True(t, FitsScale(decimal.NewFromInt(12), MoneyPlaces))
	assert.False(t, FitsScale(decimal.RequireFromString("0.00004"), QuantityPlaces))
	assert.False(t, FitsScale(decimal.RequireFromString("0.005"), MoneyPlaces))
}
