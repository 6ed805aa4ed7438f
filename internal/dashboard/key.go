package dashboard

import (
	"fmt"
	"strings"
	"sync"

	"kharcha/internal/currency"
)

type Metric string

const (
	MetricSummary  Metric = "summary"
	MetricOverview Metric = "overview"
	MetricRecent   Metric = "recent"
)

// Key identifies one requested view. Currency only affects rendering: the
// cached data is in the base currency and shared across display currencies.
type Key struct {
	UserID   string
	Metric   Metric
	Year     int
	Month    int
	Days     int
	Limit    int
	Currency currency.Code
}

// String is the view identity pushed to clients, e.g. "u1:overview:2025-01".
func (k Key) String() string {
	switch k.Metric {
	case MetricOverview:
		return fmt.Sprintf("%s:%s:%04d-%02d", k.UserID, k.Metric, k.Year, k.Month)
	case MetricRecent:
		return fmt.Sprintf("%s:%s:%dd:%d", k.UserID, k.Metric, k.Days, k.Limit)
	default:
		return fmt.Sprintf("%s:%s", k.UserID, k.Metric)
	}
}

func (k Key) cacheKey() string {
	return userPrefix(k.UserID) + strings.TrimPrefix(k.String(), k.UserID+":")
}

func userPrefix(userID string) string {
	return "view:" + userID + ":"
}

// Tracker hands out fetch generations and decides which completions may
// replace cached data. A completion is discarded when a later fetch for the
// same key already committed, or when the user's views were invalidated
// after the fetch began.
type Tracker struct {
	mu        sync.Mutex
	next      uint64
	committed map[string]uint64
	floor     map[string]uint64
}

func NewTracker() *Tracker {
	return &Tracker{
		committed: make(map[string]uint64),
		floor:     make(map[string]uint64),
	}
}

// Begin starts a fetch and returns its generation.
func (t *Tracker) Begin() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	return t.next
}

// Commit reports whether the fetch gen for key may be stored.
func (t *Tracker) Commit(userID, key string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen < t.floor[userID] || gen <= t.committed[key] {
		return false
	}
	t.committed[key] = gen
	return true
}

// Invalidate discards every fetch for userID that has already begun.
func (t *Tracker) Invalidate(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.floor[userID] = t.next + 1
	prefix := userPrefix(userID)
	for key := range t.committed {
		if strings.HasPrefix(key, prefix) {
			delete(t.committed, key)
		}
	}
}
