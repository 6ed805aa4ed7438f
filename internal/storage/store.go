// Package storage persists what the BFF needs to survive a restart: the
// last good dashboard views, display preferences, the exchange rate table
// and entries waiting to be forwarded.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kharcha/internal/core"
	"kharcha/internal/currency"
)

var ErrNotFound = errors.New("not found")

// Snapshot is a serialized dashboard view.
type Snapshot struct {
	Key       string
	UserID    string
	Payload   []byte
	FetchedAt time.Time
}

type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, key string) (Snapshot, error)
	SaveSnapshot(ctx context.Context, s Snapshot) error
	DeleteUserSnapshots(ctx context.Context, userID string) error
}

type PreferenceStore interface {
	// GetCurrency returns ErrNotFound when the user has no preference.
	GetCurrency(ctx context.Context, userID string) (currency.Code, error)
	SetCurrency(ctx context.Context, userID string, code currency.Code) error
}

// Pinger is implemented by stores backed by a database connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store is implemented by every backend.
type Store interface {
	SnapshotStore
	PreferenceStore
	currency.RateStore
	Close() error
}

// SyncStatus of an outbox entry.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncDone    SyncStatus = "synced"
	SyncError   SyncStatus = "error"
)

// OutboxEntry is an entry accepted locally and waiting for the history service.
type OutboxEntry struct {
	Entry     core.Entry
	Status    SyncStatus
	RemoteID  string
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Outbox queues entries for asynchronous forwarding.
type Outbox interface {
	EnqueueEntry(ctx context.Context, e core.Entry) error
	GetEntry(ctx context.Context, id string) (OutboxEntry, error)
	PendingEntries(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkSynced(ctx context.Context, id, remoteID string) error
	MarkSyncError(ctx context.Context, id string, cause error) error
}

// EncodeRates and DecodeRates give every backend the same rate table format.
func EncodeRates(t *currency.RateTable) ([]byte, error) {
	out := make(map[string]string, t.Len())
	for code, rate := range t.Rates() {
		out[string(code)] = rate.String()
	}
	return json.Marshal(out)
}

func DecodeRates(base currency.Code, raw []byte, date string, fetchedAt time.Time) (*currency.RateTable, error) {
	var in map[string]string
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode rate table: %w", err)
	}
	rates := make(map[currency.Code]decimal.Decimal, len(in))
	for code, s := range in {
		rate, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("decode rate %s: %w", code, err)
		}
		rates[currency.Code(code)] = rate
	}
	return currency.NewRateTable(base, rates, date, fetchedAt), nil
}
