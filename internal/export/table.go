// Package export renders category breakdowns as tables for download or for
// a spreadsheet.
package export

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"kharcha/internal/core"
	"kharcha/internal/currency"
)

// Converter converts base-currency amounts for display.
type Converter interface {
	Convert(amountBase decimal.Decimal, target currency.Code) currency.Conversion
}

// Table is a header plus string rows, ready for CSV or a sheet.
type Table struct {
	Title  string
	Header []string
	Rows   [][]string
}

// CategoryTable lists one row per category followed by a TOTAL row. Amounts
// are converted into code; when a rate is missing the base amount is used
// and the formatted column carries the base symbol.
func CategoryTable(kind core.Kind, aggs []core.CategoryAggregate, code currency.Code, conv Converter) Table {
	label, title := "Category", "Expenses"
	if kind == core.Income {
		label, title = "Source", "Income Sources"
	}

	t := Table{
		Title:  title,
		Header: []string{label, "Amount", "Count", "Formatted Amount"},
		Rows:   make([][]string, 0, len(aggs)+1),
	}

	total := decimal.Zero
	count := 0
	for _, a := range aggs {
		c := conv.Convert(a.Total, code)
		t.Rows = append(t.Rows, []string{textCell(a.Name), c.Amount.StringFixed(2), strconv.Itoa(a.Count), currency.Format(c)})
		total = total.Add(a.Total)
		count += a.Count
	}
	c := conv.Convert(total, code)
	t.Rows = append(t.Rows, []string{"TOTAL", c.Amount.StringFixed(2), strconv.Itoa(count), currency.Format(c)})
	return t
}

// textCell keeps user text from being read as a formula by spreadsheet
// applications: a leading formula character is escaped with a quote.
func textCell(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + s
	}
	return s
}

// FileName is the download name for a table exported on day.
func FileName(kind core.Kind, day time.Time) string {
	prefix := "expenses"
	if kind == core.Income {
		prefix = "income-sources"
	}
	return fmt.Sprintf("%s-%s.csv", prefix, day.Format("2006-01-02"))
}
