package dashboard

import (
	"time"

	"github.com/shopspring/decimal"

	"kharcha/internal/auth"
	"kharcha/internal/core"
	"kharcha/internal/currency"
)

// Meta describes where a view came from.
type Meta struct {
	Key         string        `json:"key"`
	Currency    currency.Code `json:"currency"`
	FetchedAt   time.Time     `json:"fetched_at"`
	Stale       bool          `json:"stale"`
	Error       string        `json:"error,omitempty"`
	Unconverted bool          `json:"unconverted"`
	Rates       string        `json:"rates"`

	// Session is the session the upstream calls ran with. It differs from
	// the caller's when tokens were renewed.
	Session auth.Session `json:"-"`
}

// Amount carries a base-currency value next to its display conversion.
type Amount struct {
	Base    decimal.Decimal `json:"base"`
	Value   decimal.Decimal `json:"value"`
	Display string          `json:"display"`
}

type TotalsView struct {
	Balance  Amount `json:"balance"`
	Income   Amount `json:"income"`
	Expenses Amount `json:"expenses"`
	Deficit  bool   `json:"deficit"`
}

type SummaryView struct {
	Meta
	TotalsView
}

type DayPoint struct {
	Date   string `json:"date"`
	Label  string `json:"label"`
	Amount Amount `json:"amount"`
}

type CategoryPoint struct {
	Rank   int    `json:"rank"`
	Name   string `json:"name"`
	Icon   string `json:"icon,omitempty"`
	Count  int    `json:"count"`
	Amount Amount `json:"amount"`
}

type OverviewView struct {
	Meta
	Year               int             `json:"year"`
	Month              int             `json:"month"`
	Totals             TotalsView      `json:"totals"`
	IncomeByDay        []DayPoint      `json:"income_by_day"`
	ExpensesByDay      []DayPoint      `json:"expenses_by_day"`
	IncomeByCategory   []CategoryPoint `json:"income_by_category"`
	ExpensesByCategory []CategoryPoint `json:"expenses_by_category"`
	Considered         int             `json:"considered"`
	Skipped            int             `json:"skipped"`
}

type TransactionPoint struct {
	ID        string    `json:"id,omitempty"`
	Kind      core.Kind `json:"kind"`
	Name      string    `json:"name"`
	Icon      string    `json:"icon,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Date      string    `json:"date"`
	Amount    Amount    `json:"amount"`
}

type RecentView struct {
	Meta
	Days         int                `json:"days"`
	Limit        int                `json:"limit"`
	Transactions []TransactionPoint `json:"transactions"`
	Skipped      int                `json:"skipped"`
}

// Cached payloads. They hold base-currency data only.

type summaryData struct {
	Totals core.Totals
}

type overviewData struct {
	Totals             core.Totals
	IncomeByDay        []core.DailyBucket
	ExpensesByDay      []core.DailyBucket
	IncomeByCategory   []core.CategoryAggregate
	ExpensesByCategory []core.CategoryAggregate
	Considered         int
	Skipped            int
}

type recentData struct {
	Transactions []core.Transaction
	Considered   int
	Skipped      int
}

// renderer converts base amounts into one display currency and remembers
// whether any conversion fell back to the base.
type renderer struct {
	rates       Converter
	code        currency.Code
	unconverted bool
}

func (r *renderer) amount(v decimal.Decimal) Amount {
	c := r.rates.Convert(v, r.code)
	if c.Unconverted {
		r.unconverted = true
	}
	return Amount{Base: v, Value: c.Amount.Round(2), Display: currency.Format(c)}
}

func (r *renderer) totals(t core.Totals) TotalsView {
	return TotalsView{
		Balance:  r.amount(t.Balance),
		Income:   r.amount(t.Income),
		Expenses: r.amount(t.Expenses),
		Deficit:  t.Deficit(),
	}
}

func (r *renderer) days(buckets []core.DailyBucket) []DayPoint {
	out := make([]DayPoint, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, DayPoint{Date: b.Date.String(), Label: b.Date.Label(), Amount: r.amount(b.Total)})
	}
	return out
}

func (r *renderer) categories(aggs []core.CategoryAggregate) []CategoryPoint {
	out := make([]CategoryPoint, 0, len(aggs))
	for _, a := range aggs {
		out = append(out, CategoryPoint{Rank: a.Rank, Name: a.Name, Icon: a.Icon, Count: a.Count, Amount: r.amount(a.Total)})
	}
	return out
}

func (r *renderer) transactions(txs []core.Transaction) []TransactionPoint {
	out := make([]TransactionPoint, 0, len(txs))
	for _, tx := range txs {
		p := TransactionPoint{
			ID:        tx.ID,
			Kind:      tx.Kind,
			Name:      tx.Name,
			Icon:      tx.Icon,
			Timestamp: tx.Timestamp,
			Amount:    r.amount(tx.Amount),
		}
		if !tx.Timestamp.IsZero() {
			p.Date = core.DateOf(tx.Timestamp).String()
		}
		out = append(out, p)
	}
	return out
}
