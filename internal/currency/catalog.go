// Package currency converts base-currency amounts into display currencies
// and formats them for the dashboard.
package currency

import (
	"errors"
	"fmt"
	"strings"
)

// Base is the currency every stored amount is denominated in.
const Base Code = "INR"

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrNoRates         = errors.New("no exchange rates available")
)

// Code is an upper-case ISO 4217 currency code.
type Code string

// Currency describes a selectable display currency.
type Currency struct {
	Code   Code   `json:"code"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

var catalog = []Currency{
	{"INR", "Indian Rupee", "₹"},
	{"USD", "US Dollar", "$"},
	{"EUR", "Euro", "€"},
	{"GBP", "British Pound", "£"},
	{"JPY", "Japanese Yen", "¥"},
	{"AUD", "Australian Dollar", "A$"},
	{"CAD", "Canadian Dollar", "C$"},
	{"CHF", "Swiss Franc", "Fr"},
	{"CNY", "Chinese Yuan", "¥"},
	{"SGD", "Singapore Dollar", "S$"},
	{"PHP", "Philippine Peso", "₱"},
	{"IDR", "Indonesian Rupiah", "Rp"},
	{"MYR", "Malaysian Ringgit", "RM"},
	{"THB", "Thai Baht", "฿"},
	{"VND", "Vietnamese Dong", "₫"},
	{"AED", "UAE Dirham", "د.إ"},
}

var byCode = func() map[Code]Currency {
	m := make(map[Code]Currency, len(catalog))
	for _, c := range catalog {
		m[c.Code] = c
	}
	return m
}()

// Catalog returns the supported currencies in display order.
func Catalog() []Currency {
	return append([]Currency(nil), catalog...)
}

func Lookup(code Code) (Currency, bool) {
	c, ok := byCode[code]
	return c, ok
}

// Supported reports whether code is in the catalog.
func Supported(code Code) bool {
	_, ok := byCode[code]
	return ok
}

// Symbol returns the display symbol, or the code itself for currencies
// outside the catalog.
func (c Code) Symbol() string {
	if cur, ok := byCode[c]; ok {
		return cur.Symbol
	}
	return string(c)
}

func (c Code) String() string { return string(c) }

// ParseCode normalizes s and checks it is three ASCII letters. It does not
// require the code to be in the catalog.
func ParseCode(s string) (Code, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 3 {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
		}
	}
	return Code(s), nil
}

// ParseSupported is ParseCode restricted to the catalog.
func ParseSupported(s string) (Code, error) {
	code, err := ParseCode(s)
	if err != nil {
		return "", err
	}
	if !Supported(code) {
		return "", fmt.Errorf("%w: %s", ErrUnknownCurrency, code)
	}
	return code, nil
}
