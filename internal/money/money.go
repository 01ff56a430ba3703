// Package money provides fixed-precision amount handling shared by the
// payment service and the provider adapters. Amounts are carried as
// shopspring decimals in major units; conversion to provider minor units
// happens at the adapter boundary.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimalCurrencies are currencies whose smallest unit equals the major
// unit. Amounts in these currencies are integral.
var zeroDecimalCurrencies = map[string]bool{
	"CLP": true,
	"JPY": true,
	"VND": true,
	"KRW": true,
}

// IsZeroDecimal reports whether the currency has no fractional unit.
func IsZeroDecimal(currency string) bool {
	return zeroDecimalCurrencies[strings.ToUpper(currency)]
}

// Validate checks that an amount is usable as a payment amount: strictly
// positive, at most two fractional digits, and integral for zero-decimal
// currencies.
func Validate(amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", amount.String())
	}
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("amount %s has more than 2 decimal places", amount.String())
	}
	if IsZeroDecimal(currency) && !amount.Equal(amount.Truncate(0)) {
		return fmt.Errorf("amount %s must be integral for zero-decimal currency %s", amount.String(), strings.ToUpper(currency))
	}
	return nil
}

// ToMinorUnits converts a major-unit amount to provider minor units using
// round-half-up. Zero-decimal currencies are returned as-is.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	if IsZeroDecimal(currency) {
		return amount.Round(0).IntPart()
	}
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// FromMinorUnits converts provider minor units back to a major-unit amount.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	if IsZeroDecimal(currency) {
		return decimal.NewFromInt(minor)
	}
	return decimal.NewFromInt(minor).Div(decimal.NewFromInt(100))
}

// FormatAmount renders an amount the way wallet providers expect it in JSON
// bodies: an integer string for zero-decimal currencies, a two-decimal
// string otherwise.
func FormatAmount(amount decimal.Decimal, currency string) string {
	if IsZeroDecimal(currency) {
		return amount.Round(0).String()
	}
	return amount.StringFixed(2)
}
