package core

import (
	"github.com/shopspring/decimal"
)

const (
	// DEFAULT_CURRENCY is the settlement currency listings are priced in.
	DEFAULT_CURRENCY = "INR"

	// RECEIPT_PREFIX is prepended to gateway receipts: listing_{id}_{nonce}.
	RECEIPT_PREFIX = "listing_"

	DISCOUNT_PRECISION = 1
)

var (
	HUNDRED = decimal.NewFromInt(100)

	// MINOR_UNIT_FACTOR converts a 2-decimal currency amount into gateway subunits.
	MINOR_UNIT_FACTOR = HUNDRED
)

// ToMinorUnits rounds a currency amount to the nearest integer subunit.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(MINOR_UNIT_FACTOR).Round(0).IntPart()
}
