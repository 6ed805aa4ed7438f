package currency

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// RateTable maps currency codes to the number of units of that currency one
// unit of Base buys. Tables are never modified after construction.
type RateTable struct {
	base      Code
	rates     map[Code]decimal.Decimal
	date      string
	fetchedAt time.Time
}

// NewRateTable drops non-positive rates and pins the base rate to 1.
func NewRateTable(base Code, rates map[Code]decimal.Decimal, date string, fetchedAt time.Time) *RateTable {
	t := &RateTable{
		base:      base,
		rates:     make(map[Code]decimal.Decimal, len(rates)+1),
		date:      date,
		fetchedAt: fetchedAt,
	}
	for code, rate := range rates {
		if rate.IsPositive() {
			t.rates[code] = rate
		}
	}
	t.rates[base] = decimal.NewFromInt(1)
	return t
}

func (t *RateTable) Base() Code {
	if t == nil {
		return Base
	}
	return t.base
}

func (t *RateTable) Date() string {
	if t == nil {
		return ""
	}
	return t.date
}

func (t *RateTable) FetchedAt() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.fetchedAt
}

// Rate returns the rate for code. A nil table only knows Base.
func (t *RateTable) Rate(code Code) (decimal.Decimal, bool) {
	if t == nil {
		if code == Base {
			return decimal.NewFromInt(1), true
		}
		return decimal.Zero, false
	}
	r, ok := t.rates[code]
	return r, ok
}

// Rates returns a copy of the table contents.
func (t *RateTable) Rates() map[Code]decimal.Decimal {
	out := make(map[Code]decimal.Decimal)
	if t == nil {
		return out
	}
	for k, v := range t.rates {
		out[k] = v
	}
	return out
}

func (t *RateTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rates)
}

// Conversion is an amount expressed in Currency. Unconverted is set when no
// rate was known and Amount is still in the base currency.
type Conversion struct {
	Amount      decimal.Decimal
	Currency    Code
	Unconverted bool
}

// Convert expresses amountBase in target. Without a rate for target the
// amount is returned unchanged and flagged.
func Convert(amountBase decimal.Decimal, target Code, rates *RateTable) Conversion {
	base := rates.Base()
	if target == base || target == "" {
		return Conversion{Amount: amountBase, Currency: base}
	}
	rate, ok := rates.Rate(target)
	if !ok {
		return Conversion{Amount: amountBase, Currency: base, Unconverted: true}
	}
	return Conversion{Amount: amountBase.Mul(rate), Currency: target}
}

var (
	printer  = message.NewPrinter(language.English)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

// FormatDisplay converts amountBase and renders it as "<symbol> <amount>"
// with en grouping and at most two fraction digits.
func FormatDisplay(amountBase decimal.Decimal, target Code, rates *RateTable) string {
	return Format(Convert(amountBase, target, rates))
}

// Format renders an already converted amount.
func Format(c Conversion) string {
	rounded := c.Amount.Round(2)
	sign := ""
	if rounded.IsNegative() {
		sign = "-"
		rounded = rounded.Abs()
	}
	return sign + c.Currency.Symbol() + " " + formatNumber(rounded)
}

// formatNumber groups the integer part and keeps only significant fraction
// digits of a non-negative, two-place value.
func formatNumber(v decimal.Decimal) string {
	whole := v.Truncate(0)
	var out string
	if whole.LessThanOrEqual(maxInt64) {
		out = printer.Sprintf("%v", number.Decimal(whole.IntPart()))
	} else {
		out = groupThousands(whole.String())
	}
	frac := v.Sub(whole).StringFixed(2) // "0.xy"
	if frac != "0.00" {
		frac = frac[1:]
		for frac[len(frac)-1] == '0' {
			frac = frac[:len(frac)-1]
		}
		out += frac
	}
	return out
}

// groupThousands inserts en grouping separators into a string of digits.
func groupThousands(digits string) string {
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}
