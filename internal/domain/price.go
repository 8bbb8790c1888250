package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceScale is the maximum number of decimal places accepted in a limit
// price.
const PriceScale = 8

// MaxPriceDigits bounds the integer part of a price so that price times any
// int64 quantity still fits a numeric(38,8) column.
const MaxPriceDigits = 11

// maxPriceLen bounds the textual form before it is parsed.
const maxPriceLen = 32

// MaxPrice is the exclusive upper bound for a limit price.
var MaxPrice = decimal.New(1, MaxPriceDigits)

// ParsePrice parses a decimal price string. It rejects non-positive values,
// values at or above MaxPrice and values with more than PriceScale decimal
// places.
func ParsePrice(s string) (decimal.Decimal, error) {
	if len(s) > maxPriceLen {
		return decimal.Zero, fmt.Errorf("price must be at most %d characters", maxPriceLen)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price must be a decimal number")
	}
	return d, ValidatePrice(d)
}

// ValidatePrice checks an already parsed price. The magnitude is checked
// from the exponent before any comparison, since comparing decimals with
// far apart exponents rescales the coefficient.
func ValidatePrice(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("price must be greater than 0")
	}
	exp := int64(d.Exponent())
	if exp < -(PriceScale + maxPriceLen) {
		return fmt.Errorf("price must have at most %d decimal places", PriceScale)
	}
	if exp+int64(d.NumDigits()) > MaxPriceDigits || d.GreaterThanOrEqual(MaxPrice) {
		return fmt.Errorf("price must be less than %s", MaxPrice)
	}
	if !d.Equal(d.Truncate(PriceScale)) {
		return fmt.Errorf("price must have at most %d decimal places", PriceScale)
	}
	return nil
}
