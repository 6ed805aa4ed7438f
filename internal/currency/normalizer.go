package currency

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"kharcha/internal/log"
)

// State of the normalizer's rate table.
type State int

const (
	Uninitialized State = iota
	Loading
	Ready
	Refreshing
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Refreshing:
		return "refreshing"
	default:
		return "uninitialized"
	}
}

// Provider fetches a fresh rate table for base.
type Provider interface {
	Fetch(ctx context.Context, base Code) (*RateTable, error)
}

// RateStore persists the last good table across restarts.
type RateStore interface {
	LoadRates(ctx context.Context, base Code) (*RateTable, error)
	SaveRates(ctx context.Context, table *RateTable) error
}

// Status is a point-in-time view of the normalizer.
type Status struct {
	State     State
	Table     *RateTable
	LastError error
	UpdatedAt time.Time
}

// Stale reports whether the last refresh failed while an older table is
// still being served.
func (s Status) Stale() bool {
	return s.LastError != nil && s.Table != nil
}

type Option func(*Normalizer)

func WithStore(store RateStore) Option {
	return func(n *Normalizer) { n.store = store }
}

func WithLogger(logger *log.Logger) Option {
	return func(n *Normalizer) { n.logger = logger.WithComponent(log.ComponentCurrency) }
}

// WithRefreshHook registers fn to run after every successful refresh.
func WithRefreshHook(fn func(*RateTable)) Option {
	return func(n *Normalizer) { n.hooks = append(n.hooks, fn) }
}

// Normalizer owns the current rate table. Failed refreshes keep the
// previous table; concurrent refreshes share one upstream fetch.
type Normalizer struct {
	base     Code
	provider Provider
	store    RateStore
	logger   *log.Logger
	hooks    []func(*RateTable)
	group    singleflight.Group

	mu        sync.RWMutex
	state     State
	table     *RateTable
	lastErr   error
	updatedAt time.Time
}

func NewNormalizer(base Code, provider Provider, opts ...Option) *Normalizer {
	n := &Normalizer{
		base:     base,
		provider: provider,
		logger:   log.Discard(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Warm loads a persisted table so conversions work before the first fetch.
// A missing table is not an error.
func (n *Normalizer) Warm(ctx context.Context) error {
	if n.store == nil {
		return nil
	}
	table, err := n.store.LoadRates(ctx, n.base)
	if err != nil {
		return err
	}
	if table == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.table == nil {
		n.table = table
		n.state = Ready
		n.updatedAt = table.FetchedAt()
	}
	return nil
}

// Refresh fetches a new table. On failure from Loading the normalizer goes
// back to Uninitialized; from Refreshing it stays Ready on the old table.
func (n *Normalizer) Refresh(ctx context.Context) error {
	_, err, _ := n.group.Do("refresh", func() (any, error) {
		return nil, n.refresh(ctx)
	})
	return err
}

func (n *Normalizer) refresh(ctx context.Context) error {
	n.mu.Lock()
	if n.table == nil {
		n.state = Loading
	} else {
		n.state = Refreshing
	}
	n.mu.Unlock()

	table, err := n.provider.Fetch(ctx, n.base)
	if err == nil && table == nil {
		err = ErrNoRates
	}

	n.mu.Lock()
	if err != nil {
		n.lastErr = err
		if n.table == nil {
			n.state = Uninitialized
		} else {
			n.state = Ready
		}
		n.mu.Unlock()
		n.logger.WarnContext(ctx, "Exchange rate refresh failed",
			log.FieldError, err, "state", n.State().String())
		return err
	}
	n.table = table
	n.state = Ready
	n.lastErr = nil
	n.updatedAt = table.FetchedAt()
	n.mu.Unlock()

	n.logger.InfoContext(ctx, "Exchange rates refreshed", "rates", table.Len(), "date", table.Date())

	if n.store != nil {
		if err := n.store.SaveRates(ctx, table); err != nil {
			n.logger.WarnContext(ctx, "Failed to persist exchange rates", log.FieldError, err)
		}
	}
	for _, hook := range n.hooks {
		hook(table)
	}
	return nil
}

// Run refreshes immediately and then every interval until ctx is done.
func (n *Normalizer) Run(ctx context.Context, interval time.Duration) {
	_ = n.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = n.Refresh(ctx)
		}
	}
}

func (n *Normalizer) Base() Code { return n.base }

func (n *Normalizer) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Normalizer) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return Status{State: n.state, Table: n.table, LastError: n.lastErr, UpdatedAt: n.updatedAt}
}

// Table returns the current table, or nil before the first successful load.
func (n *Normalizer) Table() *RateTable {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.table
}

func (n *Normalizer) Convert(amountBase decimal.Decimal, target Code) Conversion {
	return Convert(amountBase, target, n.Table())
}

func (n *Normalizer) FormatDisplay(amountBase decimal.Decimal, target Code) string {
	return FormatDisplay(amountBase, target, n.Table())
}
