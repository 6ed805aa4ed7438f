package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kharcha/internal/aggregate"
	"kharcha/internal/appctx"
	"kharcha/internal/auth"
	"kharcha/internal/core"
	"kharcha/internal/currency"
	"kharcha/internal/notify"
	"kharcha/internal/storage/memory"
)

type fakeSource struct {
	mu     sync.Mutex
	rows   []core.TransactionRow
	totals core.Totals
	err    error
	calls  int
}

func (f *fakeSource) Summary(_ context.Context, sess auth.Session) (core.Totals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if sess.AccessToken == "expired" {
		return core.Totals{}, auth.ErrUnauthorized
	}
	return f.totals, f.err
}

func (f *fakeSource) TransactionsInRange(_ context.Context, _ auth.Session, _, _ core.Date, _ int) ([]core.TransactionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.rows, f.err
}

func (f *fakeSource) RecentTransactions(_ context.Context, _ auth.Session, _, _ int) ([]core.TransactionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.rows, f.err
}

func (f *fakeSource) set(rows []core.TransactionRow, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows, f.err = rows, err
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRates struct{ table *currency.RateTable }

func (r fakeRates) Convert(amount decimal.Decimal, target currency.Code) currency.Conversion {
	return currency.Convert(amount, target, r.table)
}

func (r fakeRates) Status() currency.Status {
	return currency.Status{State: currency.Ready, Table: r.table}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *fakeNotifier) Publish(_ string, ev notify.Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func rates() fakeRates {
	return fakeRates{currency.NewRateTable(currency.Base, map[currency.Code]decimal.Decimal{
		"USD": d("0.012"),
		"EUR": d("0.011"),
	}, "2025-01-01", time.Now())}
}

func monthRows() []core.TransactionRow {
	at := func(day, hour int) time.Time { return time.Date(2025, 1, day, hour, 0, 0, 0, time.UTC) }
	return aggregate.Classify([]core.Transaction{
		{ID: "1", Kind: core.Income, Name: "Salary", Amount: d("1000"), Timestamp: at(1, 9)},
		{ID: "2", Kind: core.Expense, Name: "Food", Amount: d("200"), Timestamp: at(1, 12), Icon: "🍔"},
		{ID: "3", Kind: core.Expense, Name: "Food", Amount: d("100"), Timestamp: at(2, 8)},
		{ID: "4", Kind: core.Expense, Name: "Rent", Amount: d("500"), Timestamp: at(2, 10)},
	})
}

func snapshot(code currency.Code) appctx.Snapshot {
	return appctx.New(auth.Session{UserID: "u1", AccessToken: "tok", RefreshToken: "ref"}, code)
}

func TestOverviewFetchesAndCaches(t *testing.T) {
	src := &fakeSource{rows: monthRows()}
	n := &fakeNotifier{}
	svc := NewService(src, rates(), Config{}, WithNotifier(n))
	ctx := context.Background()

	view, err := svc.Overview(ctx, snapshot("USD"), 2025, 1, false)
	require.NoError(t, err)

	assert.False(t, view.Stale)
	assert.Equal(t, "u1:overview:2025-01", view.Key)
	assert.Equal(t, currency.Code("USD"), view.Currency)
	assert.Equal(t, "ready", view.Rates)
	assert.True(t, view.Totals.Balance.Base.Equal(d("200")))
	assert.True(t, view.Totals.Income.Value.Equal(d("12")))
	assert.Equal(t, "$ 12", view.Totals.Income.Display)
	assert.Equal(t, "$ 9.6", view.Totals.Expenses.Display)

	require.Len(t, view.ExpensesByDay, 2)
	assert.Equal(t, "2025-01-01", view.ExpensesByDay[0].Date)
	assert.Equal(t, "1st Jan", view.ExpensesByDay[0].Label)
	assert.True(t, view.ExpensesByDay[1].Amount.Base.Equal(d("600")))

	require.Len(t, view.ExpensesByCategory, 2)
	assert.Equal(t, "Rent", view.ExpensesByCategory[0].Name)
	assert.Equal(t, 1, view.ExpensesByCategory[0].Rank)
	assert.Equal(t, "Food", view.ExpensesByCategory[1].Name)
	assert.Equal(t, 2, view.ExpensesByCategory[1].Count)
	assert.Equal(t, "🍔", view.ExpensesByCategory[1].Icon)
	assert.Equal(t, 4, view.Considered)
	assert.Equal(t, 0, view.Skipped)

	assert.Equal(t, 1, n.count())

	// Another display currency renders the same cached data.
	eur, err := svc.Overview(ctx, snapshot("EUR"), 2025, 1, false)
	require.NoError(t, err)
	assert.Equal(t, "€ 11", eur.Totals.Income.Display)
	assert.Equal(t, 1, src.count())
}

func TestOverviewUnconvertedCurrency(t *testing.T) {
	svc := NewService(&fakeSource{rows: monthRows()}, rates(), Config{})

	view, err := svc.Overview(context.Background(), snapshot("JPY"), 2025, 1, false)
	require.NoError(t, err)
	assert.True(t, view.Unconverted)
	assert.Equal(t, "₹ 1,000", view.Totals.Income.Display)
}

func TestOverviewInvalidPeriod(t *testing.T) {
	svc := NewService(&fakeSource{}, rates(), Config{})
	_, err := svc.Overview(context.Background(), snapshot("INR"), 2025, 13, false)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestPersistedViewIsServedStaleThenReplaced(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	first := NewService(&fakeSource{rows: monthRows()}, rates(), Config{}, WithStore(store))
	_, err := first.Overview(ctx, snapshot("INR"), 2025, 1, false)
	require.NoError(t, err)

	// A restarted process has an empty in-process cache.
	src := &fakeSource{rows: monthRows()[:1]}
	n := &fakeNotifier{}
	second := NewService(src, rates(), Config{}, WithStore(store), WithNotifier(n))

	stale, err := second.Overview(ctx, snapshot("INR"), 2025, 1, false)
	require.NoError(t, err)
	assert.True(t, stale.Stale)
	assert.True(t, stale.Totals.Expenses.Base.Equal(d("800")))

	second.Wait()
	assert.Equal(t, 1, src.count())
	assert.Equal(t, 1, n.count())

	fresh, err := second.Overview(ctx, snapshot("INR"), 2025, 1, false)
	require.NoError(t, err)
	assert.False(t, fresh.Stale)
	assert.True(t, fresh.Totals.Expenses.Base.IsZero())
	assert.Equal(t, 1, src.count())
}

func TestFetchFailureFallsBackToCache(t *testing.T) {
	src := &fakeSource{rows: monthRows()}
	svc := NewService(src, rates(), Config{})
	ctx := context.Background()

	_, err := svc.Overview(ctx, snapshot("INR"), 2025, 1, false)
	require.NoError(t, err)

	src.set(nil, errors.New("connection refused"))
	view, err := svc.Overview(ctx, snapshot("INR"), 2025, 1, true)
	require.NoError(t, err)
	assert.True(t, view.Stale)
	assert.Contains(t, view.Error, "connection refused")
	assert.True(t, view.Totals.Income.Base.Equal(d("1000")))
}

func TestFetchFailureWithoutCache(t *testing.T) {
	svc := NewService(&fakeSource{err: errors.New("boom")}, rates(), Config{})
	_, err := svc.Overview(context.Background(), snapshot("INR"), 2025, 1, false)
	assert.Error(t, err)
}

func TestSummarySessionExpired(t *testing.T) {
	src := &fakeSource{totals: core.Totals{Balance: d("1"), Income: d("1"), Expenses: d("0")}}
	svc := NewService(src, rates(), Config{})

	snap := appctx.New(auth.Session{UserID: "u1", AccessToken: "expired"}, "INR")
	_, err := svc.Summary(context.Background(), snap, false)
	assert.ErrorIs(t, err, auth.ErrSessionExpired)
}

func TestSummary(t *testing.T) {
	src := &fakeSource{totals: core.Totals{Balance: d("-150.5"), Income: d("100"), Expenses: d("250.5")}}
	svc := NewService(src, rates(), Config{})

	view, err := svc.Summary(context.Background(), snapshot("INR"), false)
	require.NoError(t, err)
	assert.True(t, view.Deficit)
	assert.Equal(t, "-₹ 150.5", view.Balance.Display)
	assert.Equal(t, "u1:summary", view.Key)

	raw, err := json.Marshal(view)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Contains(t, out, "balance")
	assert.Contains(t, out, "stale")
	assert.NotContains(t, out, "Session")
}

func TestRecentNewestFirst(t *testing.T) {
	rows := append(monthRows(), core.TransactionRow{Skip: core.SkipInvalidAmount})
	svc := NewService(&fakeSource{rows: rows}, rates(), Config{})

	view, err := svc.Recent(context.Background(), snapshot("INR"), 30, 100, false)
	require.NoError(t, err)
	require.Len(t, view.Transactions, 4)
	assert.Equal(t, "4", view.Transactions[0].ID)
	assert.Equal(t, "1", view.Transactions[3].ID)
	assert.Equal(t, "2025-01-02", view.Transactions[0].Date)
	assert.Equal(t, 1, view.Skipped)
}

func TestInvalidateAndPurge(t *testing.T) {
	store := memory.NewStore()
	src := &fakeSource{rows: monthRows()}
	svc := NewService(src, rates(), Config{}, WithStore(store))
	ctx := context.Background()

	_, err := svc.Overview(ctx, snapshot("INR"), 2025, 1, false)
	require.NoError(t, err)

	svc.Invalidate(ctx, "u1")
	view, err := svc.Overview(ctx, snapshot("INR"), 2025, 1, false)
	require.NoError(t, err)
	assert.True(t, view.Stale, "persisted view remains as fallback after invalidation")
	svc.Wait()

	require.NoError(t, svc.Purge(ctx, "u1"))
	view, err = svc.Overview(ctx, snapshot("INR"), 2025, 1, false)
	require.NoError(t, err)
	assert.False(t, view.Stale)
	assert.Equal(t, 3, src.count())
}

func TestTrackerDiscardsSupersededCompletions(t *testing.T) {
	tr := NewTracker()
	key := Key{UserID: "u1", Metric: MetricSummary}.cacheKey()

	older := tr.Begin()
	newer := tr.Begin()
	assert.True(t, tr.Commit("u1", key, newer))
	assert.False(t, tr.Commit("u1", key, older), "a slow early fetch must not overwrite fresher data")

	inflight := tr.Begin()
	tr.Invalidate("u1")
	assert.False(t, tr.Commit("u1", key, inflight), "fetches started before invalidation are discarded")

	after := tr.Begin()
	assert.True(t, tr.Commit("u1", key, after))

	other := Key{UserID: "u2", Metric: MetricSummary}.cacheKey()
	assert.True(t, tr.Commit("u2", other, inflight), "invalidation is per user")
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "u1:summary", Key{UserID: "u1", Metric: MetricSummary}.String())
	assert.Equal(t, "u1:overview:2025-03", Key{UserID: "u1", Metric: MetricOverview, Year: 2025, Month: 3}.String())
	assert.Equal(t, "u1:recent:30d:100", Key{UserID: "u1", Metric: MetricRecent, Days: 30, Limit: 100}.String())
	assert.Equal(t, "view:u1:overview:2025-03", Key{UserID: "u1", Metric: MetricOverview, Year: 2025, Month: 3, Currency: "USD"}.cacheKey())
}

func TestCategoriesShareOverviewCache(t *testing.T) {
	src := &fakeSource{rows: monthRows()}
	svc := NewService(src, rates(), Config{})
	ctx := context.Background()

	_, err := svc.Overview(ctx, snapshot("INR"), 2025, 1, false)
	require.NoError(t, err)

	expenses, meta, err := svc.Categories(ctx, snapshot("USD"), 2025, 1, core.Expense, false)
	require.NoError(t, err)
	assert.Equal(t, "u1:overview:2025-01", meta.Key)
	require.Len(t, expenses, 2)
	assert.Equal(t, "Rent", expenses[0].Name)
	assert.True(t, expenses[0].Total.Equal(d("500")))

	income, _, err := svc.Categories(ctx, snapshot("USD"), 2025, 1, core.Income, false)
	require.NoError(t, err)
	require.Len(t, income, 1)
	assert.Equal(t, "Salary", income[0].Name)
	assert.Equal(t, 1, src.count())

	_, _, err = svc.Categories(ctx, snapshot("USD"), 2025, 0, core.Income, false)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}
