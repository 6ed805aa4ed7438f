// Package dashboard builds the dashboard views: account totals, a month
// overview and the recent transactions list.
//
// Views are served cached-first. A view found in the in-process cache is
// returned as is. One found only in the persistent snapshot store is
// returned flagged stale while a background fetch replaces it. Fresh data
// always replaces the cache, is persisted and announced to the user's open
// websocket connections.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"kharcha/internal/aggregate"
	"kharcha/internal/appctx"
	"kharcha/internal/auth"
	"kharcha/internal/cache"
	"kharcha/internal/core"
	"kharcha/internal/currency"
	"kharcha/internal/log"
	"kharcha/internal/notify"
	"kharcha/internal/storage"
)

var ErrInvalidPeriod = errors.New("invalid period")

// Source reads from the history service.
type Source interface {
	Summary(ctx context.Context, sess auth.Session) (core.Totals, error)
	TransactionsInRange(ctx context.Context, sess auth.Session, start, end core.Date, limit int) ([]core.TransactionRow, error)
	RecentTransactions(ctx context.Context, sess auth.Session, days, limit int) ([]core.TransactionRow, error)
}

// Converter is the currency normalizer as seen by the views.
type Converter interface {
	Convert(amountBase decimal.Decimal, target currency.Code) currency.Conversion
	Status() currency.Status
}

type Notifier interface {
	Publish(userID string, ev notify.Event)
}

type Config struct {
	CacheTTL       time.Duration
	CacheSize      int
	MonthLimit     int
	RefreshTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:       5 * time.Minute,
		CacheSize:      500,
		MonthLimit:     1000,
		RefreshTimeout: 30 * time.Second,
	}
}

type Service struct {
	source   Source
	rates    Converter
	renewer  auth.Renewer
	store    storage.SnapshotStore
	notifier Notifier

	cfg     Config
	views   *cache.LRUCache[storage.Snapshot]
	tracker *Tracker
	group   singleflight.Group
	wg      sync.WaitGroup

	logger *log.Logger
	skips  *log.StructuredLogger
	now    func() time.Time
}

type Option func(*Service)

// WithStore keeps views across restarts.
func WithStore(store storage.SnapshotStore) Option {
	return func(s *Service) { s.store = store }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithRenewer(r auth.Renewer) Option {
	return func(s *Service) { s.renewer = r }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(source Source, rates Converter, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.MonthLimit <= 0 {
		cfg.MonthLimit = def.MonthLimit
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}

	s := &Service{
		source:  source,
		rates:   rates,
		cfg:     cfg,
		views:   cache.NewLRUCache[storage.Snapshot](cfg.CacheSize, cfg.CacheTTL),
		tracker: NewTracker(),
		logger:  log.Discard(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent(log.ComponentDashboard)
	s.skips = log.NewStructuredLogger(s.logger)
	return s
}

// Cache exposes the in-process view cache for the cleanup manager.
func (s *Service) Cache() *cache.LRUCache[storage.Snapshot] {
	return s.views
}

// Wait blocks until background refreshes have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Summary returns the account-wide balance, income and expenses as reported
// by the history service.
func (s *Service) Summary(ctx context.Context, snap appctx.Snapshot, fresh bool) (SummaryView, error) {
	key := Key{UserID: snap.UserID(), Metric: MetricSummary, Currency: snap.Currency}
	data, meta, err := load(ctx, s, snap, key, fresh, func(ctx context.Context, sess auth.Session) (summaryData, error) {
		totals, err := s.source.Summary(ctx, sess)
		return summaryData{Totals: totals}, err
	})
	if err != nil {
		return SummaryView{Meta: meta}, err
	}

	r := s.renderer(snap.Currency)
	view := SummaryView{TotalsView: r.totals(data.Totals)}
	view.Meta = s.finish(meta, r)
	return view, nil
}

// Overview aggregates one calendar month of transactions.
func (s *Service) Overview(ctx context.Context, snap appctx.Snapshot, year, month int, fresh bool) (OverviewView, error) {
	if month < 1 || month > 12 || year < 1970 || year > 9999 {
		return OverviewView{}, fmt.Errorf("%w: %d-%d", ErrInvalidPeriod, year, month)
	}
	key := Key{UserID: snap.UserID(), Metric: MetricOverview, Year: year, Month: month, Currency: snap.Currency}
	data, meta, err := load(ctx, s, snap, key, fresh, s.fetchMonth(year, month))
	if err != nil {
		return OverviewView{Meta: meta, Year: year, Month: month}, err
	}

	r := s.renderer(snap.Currency)
	view := OverviewView{
		Year:               year,
		Month:              month,
		Totals:             r.totals(data.Totals),
		IncomeByDay:        r.days(data.IncomeByDay),
		ExpensesByDay:      r.days(data.ExpensesByDay),
		IncomeByCategory:   r.categories(data.IncomeByCategory),
		ExpensesByCategory: r.categories(data.ExpensesByCategory),
		Considered:         data.Considered,
		Skipped:            data.Skipped,
	}
	view.Meta = s.finish(meta, r)
	return view, nil
}

// Categories returns the month's category breakdown of one kind in the base
// currency. It shares the overview's cached data.
func (s *Service) Categories(ctx context.Context, snap appctx.Snapshot, year, month int, kind core.Kind, fresh bool) ([]core.CategoryAggregate, Meta, error) {
	if month < 1 || month > 12 || year < 1970 || year > 9999 {
		return nil, Meta{}, fmt.Errorf("%w: %d-%d", ErrInvalidPeriod, year, month)
	}
	key := Key{UserID: snap.UserID(), Metric: MetricOverview, Year: year, Month: month, Currency: snap.Currency}
	data, meta, err := load(ctx, s, snap, key, fresh, s.fetchMonth(year, month))
	if err != nil {
		return nil, meta, err
	}
	meta.Rates = s.rates.Status().State.String()
	if kind == core.Income {
		return data.IncomeByCategory, meta, nil
	}
	return data.ExpensesByCategory, meta, nil
}

func (s *Service) fetchMonth(year, month int) func(context.Context, auth.Session) (overviewData, error) {
	return func(ctx context.Context, sess auth.Session) (overviewData, error) {
		start, end := core.MonthRange(year, month)
		rows, err := s.source.TransactionsInRange(ctx, sess, start, end, s.cfg.MonthLimit)
		if err != nil {
			return overviewData{}, err
		}
		return s.aggregateMonth(ctx, rows), nil
	}
}

// Recent lists the latest transactions, newest first.
func (s *Service) Recent(ctx context.Context, snap appctx.Snapshot, days, limit int, fresh bool) (RecentView, error) {
	if days <= 0 || limit <= 0 {
		return RecentView{}, fmt.Errorf("%w: days=%d limit=%d", ErrInvalidPeriod, days, limit)
	}
	key := Key{UserID: snap.UserID(), Metric: MetricRecent, Days: days, Limit: limit, Currency: snap.Currency}
	data, meta, err := load(ctx, s, snap, key, fresh, func(ctx context.Context, sess auth.Session) (recentData, error) {
		rows, err := s.source.RecentTransactions(ctx, sess, days, limit)
		if err != nil {
			return recentData{}, err
		}
		txs, rep := aggregate.Usable(rows)
		rep.Log(ctx, s.skips, "recent")
		sort.SliceStable(txs, func(i, j int) bool {
			return txs[i].Timestamp.After(txs[j].Timestamp)
		})
		return recentData{Transactions: txs, Considered: rep.Considered, Skipped: rep.Skipped}, nil
	})
	if err != nil {
		return RecentView{Meta: meta, Days: days, Limit: limit}, err
	}

	r := s.renderer(snap.Currency)
	view := RecentView{
		Days:         days,
		Limit:        limit,
		Transactions: r.transactions(data.Transactions),
		Skipped:      data.Skipped,
	}
	view.Meta = s.finish(meta, r)
	return view, nil
}

// Invalidate drops the user's in-process views and discards fetches already
// in flight. Persisted snapshots stay as the last known good fallback.
func (s *Service) Invalidate(ctx context.Context, userID string) {
	s.tracker.Invalidate(userID)
	n := s.views.DeletePrefix(userPrefix(userID))
	s.logger.DebugContext(ctx, "Views invalidated", log.FieldUserID, userID, "count", n)
}

// Purge drops every cached view of the user, persisted ones included. It is
// used when a session is torn down.
func (s *Service) Purge(ctx context.Context, userID string) error {
	s.Invalidate(ctx, userID)
	if s.store == nil {
		return nil
	}
	if err := s.store.DeleteUserSnapshots(ctx, userID); err != nil {
		return fmt.Errorf("purge snapshots: %w", err)
	}
	return nil
}

func (s *Service) aggregateMonth(ctx context.Context, rows []core.TransactionRow) overviewData {
	incomeDays, r1 := aggregate.ByDay(rows, core.Income)
	expenseDays, r2 := aggregate.ByDay(rows, core.Expense)
	incomeCats, r3 := aggregate.ByCategory(rows, core.Income)
	expenseCats, r4 := aggregate.ByCategory(rows, core.Expense)
	totals, r5 := aggregate.ComputeTotals(rows)

	r1.Log(ctx, s.skips, "overview.income_by_day")
	r2.Log(ctx, s.skips, "overview.expenses_by_day")
	r3.Log(ctx, s.skips, "overview.income_by_category")
	r4.Log(ctx, s.skips, "overview.expenses_by_category")
	r5.Log(ctx, s.skips, "overview.totals")

	return overviewData{
		Totals:             totals,
		IncomeByDay:        incomeDays,
		ExpensesByDay:      expenseDays,
		IncomeByCategory:   incomeCats,
		ExpensesByCategory: expenseCats,
		Considered:         r5.Considered,
		Skipped:            r5.Skipped,
	}
}

func (s *Service) renderer(code currency.Code) *renderer {
	return &renderer{rates: s.rates, code: code}
}

func (s *Service) finish(meta Meta, r *renderer) Meta {
	meta.Unconverted = r.unconverted
	meta.Rates = s.rates.Status().State.String()
	return meta
}

// lookup finds a cached view. fromMemory is false for persisted snapshots.
func (s *Service) lookup(ctx context.Context, key string) (snap storage.Snapshot, fromMemory, ok bool) {
	if snap, ok := s.views.Get(key); ok {
		return snap, true, true
	}
	if s.store == nil {
		return storage.Snapshot{}, false, false
	}
	snap, err := s.store.LoadSnapshot(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.WarnContext(ctx, "Failed to load snapshot", "key", key, log.FieldError, err)
		}
		return storage.Snapshot{}, false, false
	}
	return snap, false, true
}

func load[T any](ctx context.Context, s *Service, snap appctx.Snapshot, key Key, fresh bool, fetch func(context.Context, auth.Session) (T, error)) (T, Meta, error) {
	var zero T
	sess := snap.Session
	meta := Meta{Key: key.String(), Currency: key.Currency, Session: sess}
	ck := key.cacheKey()

	if !fresh {
		if cached, fromMemory, ok := s.lookup(ctx, ck); ok {
			var data T
			if err := json.Unmarshal(cached.Payload, &data); err == nil {
				meta.FetchedAt = cached.FetchedAt
				if !fromMemory {
					meta.Stale = true
					refreshInBackground(s, key, sess, fetch)
				}
				return data, meta, nil
			}
			s.logger.WarnContext(ctx, "Discarding unreadable snapshot", "key", ck)
		}
	}

	data, used, fetchedAt, err := fetchAndStore(ctx, s, key, sess, fetch)
	meta.Session = used
	if err == nil {
		meta.FetchedAt = fetchedAt
		return data, meta, nil
	}
	if errors.Is(err, auth.ErrSessionExpired) {
		return zero, meta, err
	}

	if cached, _, ok := s.lookup(ctx, ck); ok {
		var data T
		if json.Unmarshal(cached.Payload, &data) == nil {
			s.logger.WarnContext(ctx, "Serving last known view after fetch failure",
				"key", ck, log.FieldError, err)
			meta.FetchedAt = cached.FetchedAt
			meta.Stale = true
			meta.Error = err.Error()
			return data, meta, nil
		}
	}
	return zero, meta, err
}

func fetchAndStore[T any](ctx context.Context, s *Service, key Key, sess auth.Session, fetch func(context.Context, auth.Session) (T, error)) (T, auth.Session, time.Time, error) {
	var zero T
	ck := key.cacheKey()
	gen := s.tracker.Begin()

	data, used, err := auth.WithRefresh(ctx, sess, s.renewer, fetch)
	if err != nil {
		return zero, used, time.Time{}, err
	}
	fetchedAt := s.now()

	payload, err := json.Marshal(data)
	if err != nil {
		return zero, used, fetchedAt, fmt.Errorf("encode view: %w", err)
	}
	if !s.tracker.Commit(key.UserID, ck, gen) {
		s.logger.DebugContext(ctx, "Discarding superseded view", "key", ck, log.FieldGeneration, gen)
		return data, used, fetchedAt, nil
	}

	snap := storage.Snapshot{Key: ck, UserID: key.UserID, Payload: payload, FetchedAt: fetchedAt}
	s.views.Set(ck, snap)
	if s.store != nil {
		if err := s.store.SaveSnapshot(ctx, snap); err != nil {
			s.logger.WarnContext(ctx, "Failed to persist snapshot", "key", ck, log.FieldError, err)
		}
	}
	if s.notifier != nil {
		s.notifier.Publish(key.UserID, notify.NewEvent(notify.ViewUpdated, key.String()))
	}
	return data, used, fetchedAt, nil
}

// refreshInBackground fetches key detached from the request. Concurrent
// refreshes of one key share a single upstream fetch.
func refreshInBackground[T any](s *Service, key Key, sess auth.Session, fetch func(context.Context, auth.Session) (T, error)) {
	ck := key.cacheKey()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefreshTimeout)
		defer cancel()

		_, err, _ := s.group.Do(ck, func() (any, error) {
			_, _, _, err := fetchAndStore(ctx, s, key, sess, fetch)
			return nil, err
		})
		if err != nil {
			s.logger.Warn("Background refresh failed", "key", ck, log.FieldUserID, key.UserID, log.FieldError, err)
		}
	}()
}
