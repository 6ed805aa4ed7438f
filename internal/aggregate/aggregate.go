// Package aggregate turns transaction rows into per-day series, per-category
// breakdowns and income/expense totals.
//
// The functions never fail. A row that cannot contribute is counted in the
// returned Report under its skip reason and otherwise ignored. Rows filtered
// out by kind are neither used nor skipped.
package aggregate

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"kharcha/internal/core"
	"kharcha/internal/log"
)

// Report counts what an aggregation did with its input.
type Report struct {
	Considered int
	Used       int
	Skipped    int
	Reasons    map[core.SkipReason]int
}

func (r *Report) use() {
	r.Considered++
	r.Used++
}

func (r *Report) skip(reason core.SkipReason) {
	r.Considered++
	r.Skipped++
	if r.Reasons == nil {
		r.Reasons = make(map[core.SkipReason]int)
	}
	r.Reasons[reason]++
}

// Merge adds other's counters to r.
func (r *Report) Merge(other Report) {
	r.Considered += other.Considered
	r.Used += other.Used
	r.Skipped += other.Skipped
	for reason, n := range other.Reasons {
		if r.Reasons == nil {
			r.Reasons = make(map[core.SkipReason]int)
		}
		r.Reasons[reason] += n
	}
}

// Log emits one line when any row was skipped.
func (r Report) Log(ctx context.Context, sl *log.StructuredLogger, operation string) {
	if sl == nil || r.Skipped == 0 {
		return
	}
	reasons := make(map[string]int, len(r.Reasons))
	for reason, n := range r.Reasons {
		reasons[string(reason)] = n
	}
	sl.LogSkips(ctx, operation, r.Considered, r.Used, reasons)
}

// Classify checks already-typed transactions and wraps them as rows.
func Classify(txs []core.Transaction) []core.TransactionRow {
	rows := make([]core.TransactionRow, 0, len(txs))
	for _, tx := range txs {
		rows = append(rows, tx.Row())
	}
	return rows
}

// Usable returns the usable transactions in input order.
func Usable(rows []core.TransactionRow) ([]core.Transaction, Report) {
	var rep Report
	out := make([]core.Transaction, 0, len(rows))
	for _, row := range rows {
		if !row.Usable() {
			rep.skip(row.Skip)
			continue
		}
		out = append(out, row.Transaction)
		rep.use()
	}
	return out, rep
}

// ByDay sums the rows of kind per calendar day of their timestamp, in the
// timestamp's own location. Only days with at least one record appear, in
// ascending order.
func ByDay(rows []core.TransactionRow, kind core.Kind) ([]core.DailyBucket, Report) {
	var rep Report
	sums := make(map[core.Date]decimal.Decimal)
	for _, row := range rows {
		if !relevant(row, kind) {
			continue
		}
		if !row.Usable() {
			rep.skip(row.Skip)
			continue
		}
		if row.Timestamp.IsZero() {
			rep.skip(core.SkipMissingTimestamp)
			continue
		}
		day := core.DateOf(row.Timestamp)
		sums[day] = sums[day].Add(row.Amount)
		rep.use()
	}

	buckets := make([]core.DailyBucket, 0, len(sums))
	for day, total := range sums {
		buckets = append(buckets, core.DailyBucket{Date: day, Total: total})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Date.Before(buckets[j].Date.Time)
	})
	return buckets, rep
}

// ByCategory groups the rows of kind by exact name, largest total first.
// Ties keep the order in which the categories first appeared.
func ByCategory(rows []core.TransactionRow, kind core.Kind) ([]core.CategoryAggregate, Report) {
	var rep Report
	index := make(map[string]int)
	aggs := make([]core.CategoryAggregate, 0)
	for _, row := range rows {
		if !relevant(row, kind) {
			continue
		}
		if !row.Usable() {
			rep.skip(row.Skip)
			continue
		}
		if row.Name == "" {
			rep.skip(core.SkipMissingName)
			continue
		}
		i, ok := index[row.Name]
		if !ok {
			i = len(aggs)
			index[row.Name] = i
			aggs = append(aggs, core.CategoryAggregate{Name: row.Name, Total: decimal.Zero})
		}
		agg := &aggs[i]
		agg.Total = agg.Total.Add(row.Amount)
		agg.Count++
		if agg.Icon == "" {
			agg.Icon = row.Icon
		}
		rep.use()
	}

	sort.SliceStable(aggs, func(i, j int) bool {
		return aggs[i].Total.GreaterThan(aggs[j].Total)
	})
	for i := range aggs {
		aggs[i].Rank = i + 1
	}
	return aggs, rep
}

// ComputeTotals sums income and expenses; balance is income minus expenses
// and may be negative.
func ComputeTotals(rows []core.TransactionRow) (core.Totals, Report) {
	var rep Report
	income, expenses := decimal.Zero, decimal.Zero
	for _, row := range rows {
		if !row.Usable() {
			rep.skip(row.Skip)
			continue
		}
		switch row.Kind {
		case core.Income:
			income = income.Add(row.Amount)
		case core.Expense:
			expenses = expenses.Add(row.Amount)
		}
		rep.use()
	}
	return core.Totals{
		Balance:  income.Sub(expenses),
		Income:   income,
		Expenses: expenses,
	}, rep
}

// relevant keeps rows of kind plus rejected rows whose kind is unknown, so
// those still show up in the report.
func relevant(row core.TransactionRow, kind core.Kind) bool {
	if row.Kind == kind {
		return true
	}
	return !row.Usable() && !row.Kind.Valid()
}
