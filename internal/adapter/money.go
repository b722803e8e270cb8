package adapter

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimalCurrencies have no minor unit
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// minorExponent returns the number of minor-unit digits of an ISO 4217 currency
func minorExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// decimalToMinor converts an amount such as "12.50" to minor units, rounding half away from zero
func decimalToMinor(amount, currency string) (int64, error) {
	if amount == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return d.Shift(minorExponent(currency)).Round(0).IntPart(), nil
}

// fractionToMinor converts amount/divisor (Etsy money objects) to minor units
func fractionToMinor(amount, divisor int64, currency string) int64 {
	if divisor <= 0 {
		divisor = 1
	}
	d := decimal.NewFromInt(amount).Div(decimal.NewFromInt(divisor))
	return d.Shift(minorExponent(currency)).Round(0).IntPart()
}
