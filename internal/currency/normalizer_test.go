package currency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls int32
	table *RateTable
	err   error
	block chan struct{}
}

func (p *fakeProvider) Fetch(ctx context.Context, base Code) (*RateTable, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.table, p.err
}

func (p *fakeProvider) set(table *RateTable, err error) {
	p.mu.Lock()
	p.table, p.err = table, err
	p.mu.Unlock()
}

type memStore struct {
	table *RateTable
	saved int
}

func (s *memStore) LoadRates(ctx context.Context, base Code) (*RateTable, error) {
	return s.table, nil
}

func (s *memStore) SaveRates(ctx context.Context, table *RateTable) error {
	s.table = table
	s.saved++
	return nil
}

func TestNormalizerStates(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{err: errors.New("offline")}
	n := NewNormalizer(Base, p)
	assert.Equal(t, Uninitialized, n.State())

	// Loading -> Uninitialized on failure
	require.Error(t, n.Refresh(ctx))
	st := n.Status()
	assert.Equal(t, Uninitialized, st.State)
	assert.Nil(t, st.Table)
	assert.Error(t, st.LastError)
	assert.False(t, st.Stale())

	// Loading -> Ready
	p.set(table(), nil)
	require.NoError(t, n.Refresh(ctx))
	assert.Equal(t, Ready, n.State())
	assert.NoError(t, n.Status().LastError)
	first := n.Table()

	// Refreshing -> Ready keeping the stale table
	p.set(nil, errors.New("timeout"))
	require.Error(t, n.Refresh(ctx))
	st = n.Status()
	assert.Equal(t, Ready, st.State)
	assert.Same(t, first, st.Table)
	assert.True(t, st.Stale())
	assert.Equal(t, "$ 12", n.FormatDisplay(d("1000"), "USD"))
}

func TestNormalizerRefreshIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{table: table()}
	n := NewNormalizer(Base, p)

	require.NoError(t, n.Refresh(ctx))
	a := n.Convert(d("250"), "EUR")
	require.NoError(t, n.Refresh(ctx))
	b := n.Convert(d("250"), "EUR")
	assert.Equal(t, a.Currency, b.Currency)
	assert.True(t, a.Amount.Equal(b.Amount))
	assert.Equal(t, n.Table().Rates(), table().Rates())
}

func TestNormalizerCollapsesConcurrentRefreshes(t *testing.T) {
	p := &fakeProvider{table: table(), block: make(chan struct{})}
	n := NewNormalizer(Base, p)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = n.Refresh(context.Background())
		}()
	}
	// Give every goroutine a chance to join the in-flight call.
	require.Eventually(t, func() bool { return atomic.LoadInt32(&p.calls) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(p.block)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&p.calls))
	assert.Equal(t, Ready, n.State())
}

func TestNormalizerWarmAndPersist(t *testing.T) {
	ctx := context.Background()
	store := &memStore{table: NewRateTable(Base, map[Code]decimal.Decimal{"USD": d("0.01")}, "2024-12-31", time.Time{})}
	p := &fakeProvider{err: errors.New("offline")}

	var hooked int
	n := NewNormalizer(Base, p, WithStore(store), WithRefreshHook(func(*RateTable) { hooked++ }))
	require.NoError(t, n.Warm(ctx))
	assert.Equal(t, Ready, n.State())
	assert.Equal(t, "$ 10", n.FormatDisplay(d("1000"), "USD"))

	require.Error(t, n.Refresh(ctx))
	assert.Equal(t, Ready, n.State())
	assert.Zero(t, hooked)

	p.set(table(), nil)
	require.NoError(t, n.Refresh(ctx))
	assert.Equal(t, 1, store.saved)
	assert.Equal(t, 1, hooked)
	assert.Equal(t, "2025-01-01", store.table.Date())
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inr.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"date":"2025-01-09","inr":{"usd":0.011612,"eur":0.0112,"1inch":0.03,"btc":1.2e-07,"xyz":0}}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/", srv.Client())
	rt, err := p.Fetch(context.Background(), Base)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-09", rt.Date())

	usd, ok := rt.Rate("USD")
	require.True(t, ok)
	assert.True(t, usd.Equal(d("0.011612")))
	btc, ok := rt.Rate("BTC")
	require.True(t, ok)
	assert.True(t, btc.Equal(d("0.00000012")))
	_, ok = rt.Rate("XYZ")
	assert.False(t, ok)
	_, ok = rt.Rate(Base)
	assert.True(t, ok)
}

func TestHTTPProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/usd.json":
			_, _ = w.Write([]byte(`{"date":"2025-01-09","inr":{}}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, srv.Client())
	_, err := p.Fetch(context.Background(), Base)
	assert.ErrorContains(t, err, "status: 503")

	_, err = p.Fetch(context.Background(), "USD")
	assert.ErrorIs(t, err, ErrNoRates)
}
