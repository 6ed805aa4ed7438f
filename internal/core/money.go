// Package core provides money parsing and handling utilities.
//
// Amounts are decimal values in the base currency. This file parses user input
// into amounts and reads the loosely typed numbers returned by upstream services.
package core

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a decimal string to a base-currency amount with two
// fractional digits.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and performs
// half-up rounding on the third decimal place. Negative and zero amounts are
// rejected.
//
// Examples:
//
//	ParseAmount("12.34")  -> 12.34, nil
//	ParseAmount("12,34")  -> 12.34, nil
//	ParseAmount("12.345") -> 12.35, nil
//	ParseAmount("-1")     -> 0, ErrInvalidAmount
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return decimal.Zero, ErrInvalidAmount
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return decimal.Zero, ErrInvalidAmount
	}
	for _, p := range parts {
		for _, r := range p {
			if !unicode.IsDigit(r) {
				return decimal.Zero, ErrInvalidAmount
			}
		}
	}
	if parts[0] == "" {
		s = "0" + s
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	d = d.Round(2)
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// AmountFromJSON reads an upstream amount that may be encoded as a JSON
// number or a numeric string. ok is false when the value is absent or null.
func AmountFromJSON(raw json.RawMessage) (amount decimal.Decimal, ok bool, err error) {
	if len(raw) == 0 || string(raw) == "null" {
		return decimal.Zero, false, nil
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, true, ErrInvalidAmount
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return decimal.Zero, false, nil
		}
	} else {
		s = string(raw)
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return decimal.Zero, true, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, true, ErrInvalidAmount
	}
	return d, true, nil
}
