package export

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goption "google.golang.org/api/option"

	"kharcha/internal/core"
	"kharcha/internal/currency"
)

type tableConverter struct{ rates *currency.RateTable }

func (c tableConverter) Convert(amount decimal.Decimal, target currency.Code) currency.Conversion {
	return currency.Convert(amount, target, c.rates)
}

func rates() tableConverter {
	return tableConverter{currency.NewRateTable(currency.Base, map[currency.Code]decimal.Decimal{
		"USD": decimal.RequireFromString("0.012"),
	}, "2025-01-01", time.Now())}
}

func aggregates() []core.CategoryAggregate {
	return []core.CategoryAggregate{
		{Rank: 1, Name: "Rent", Total: decimal.NewFromInt(12000), Count: 1},
		{Rank: 2, Name: "Food", Total: decimal.RequireFromString("450.50"), Count: 3},
	}
}

func TestCategoryTableBase(t *testing.T) {
	tbl := CategoryTable(core.Expense, aggregates(), currency.Base, rates())

	assert.Equal(t, "Expenses", tbl.Title)
	assert.Equal(t, []string{"Category", "Amount", "Count", "Formatted Amount"}, tbl.Header)
	require.Len(t, tbl.Rows, 3)
	assert.Equal(t, []string{"Rent", "12000.00", "1", "₹ 12,000"}, tbl.Rows[0])
	assert.Equal(t, []string{"Food", "450.50", "3", "₹ 450.5"}, tbl.Rows[1])
	assert.Equal(t, []string{"TOTAL", "12450.50", "4", "₹ 12,450.5"}, tbl.Rows[2])
}

func TestCategoryTableConverted(t *testing.T) {
	tbl := CategoryTable(core.Income, aggregates()[:1], "USD", rates())

	assert.Equal(t, "Source", tbl.Header[0])
	assert.Equal(t, []string{"Rent", "144.00", "1", "$ 144"}, tbl.Rows[0])
	assert.Equal(t, []string{"TOTAL", "144.00", "1", "$ 144"}, tbl.Rows[1])
}

func TestCategoryTableMissingRate(t *testing.T) {
	tbl := CategoryTable(core.Expense, aggregates()[:1], "EUR", rates())
	assert.Equal(t, []string{"Rent", "12000.00", "1", "₹ 12,000"}, tbl.Rows[0])
}

func TestCategoryTableEmpty(t *testing.T) {
	tbl := CategoryTable(core.Expense, nil, currency.Base, rates())
	require.Len(t, tbl.Rows, 1)
	assert.Equal(t, []string{"TOTAL", "0.00", "0", "₹ 0"}, tbl.Rows[0])
}

func TestCategoryTableEscapesFormulas(t *testing.T) {
	names := map[string]string{
		`=HYPERLINK("http://evil.example","x")`: `'=HYPERLINK("http://evil.example","x")`,
		"+1+2":                                  "'+1+2",
		"-2+3":                                  "'-2+3",
		"@SUM(A1)":                              "'@SUM(A1)",
		"\t=1":                                  "'\t=1",
		"\r=1":                                  "'\r=1",
		"Food = Groceries":                      "Food = Groceries",
		"Café":                                  "Café",
	}
	aggs := make([]core.CategoryAggregate, 0, len(names))
	for name := range names {
		aggs = append(aggs, core.CategoryAggregate{Name: name, Total: decimal.NewFromInt(1), Count: 1})
	}

	tbl := CategoryTable(core.Expense, aggs, currency.Base, rates())
	require.Len(t, tbl.Rows, len(aggs)+1)
	for i, a := range aggs {
		assert.Equal(t, names[a.Name], tbl.Rows[i][0])
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, tbl))
	for _, line := range strings.Split(buf.String(), "\n") {
		trimmed := strings.TrimPrefix(line, `"`)
		if trimmed == "" {
			continue
		}
		assert.NotContains(t, "=+-@", trimmed[:1], line)
	}
}

func TestFileName(t *testing.T) {
	day := time.Date(2025, 3, 7, 22, 0, 0, 0, time.UTC)
	assert.Equal(t, "expenses-2025-03-07.csv", FileName(core.Expense, day))
	assert.Equal(t, "income-sources-2025-03-07.csv", FileName(core.Income, day))
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	tbl := Table{Header: []string{"Category", "Amount"}, Rows: [][]string{{"Food, Drinks", "1.00"}}}
	require.NoError(t, WriteCSV(&buf, tbl))
	assert.Equal(t, "Category,Amount\n\"Food, Drinks\",1.00\n", buf.String())
}

func TestSheetsExporter(t *testing.T) {
	var (
		mu       sync.Mutex
		methods  []string
		captured map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		methods = append(methods, r.Method)
		if r.Method == http.MethodPut {
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &captured)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	ctx := context.Background()
	exp, err := NewSheetsExporterWithOptions(ctx, "sheet-id", nil,
		goption.WithEndpoint(srv.URL+"/"),
		goption.WithoutAuthentication())
	require.NoError(t, err)

	tbl := CategoryTable(core.Expense, aggregates(), currency.Base, rates())
	rng, err := exp.Export(ctx, "2025-01 Expenses", tbl)
	require.NoError(t, err)
	assert.Equal(t, "'2025-01 Expenses'!A1", rng)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{http.MethodPost, http.MethodPut}, methods)
	values, ok := captured["values"].([]any)
	require.True(t, ok)
	assert.Len(t, values, len(tbl.Rows)+1)
}

func TestNewSheetsExporterRequiresConfig(t *testing.T) {
	_, err := NewSheetsExporter(context.Background(), "", Credentials{JSON: "{}"}, nil)
	assert.Error(t, err)

	_, err = NewSheetsExporter(context.Background(), "id", Credentials{}, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "credentials"))
}
