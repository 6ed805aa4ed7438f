// Package postgres stores snapshots, preferences and rates in PostgreSQL so
// several BFF instances share one cache of last good views.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kharcha/internal/currency"
	"kharcha/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS view_snapshots (
    cache_key   TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    payload     BYTEA NOT NULL,
    fetched_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_view_snapshots_user ON view_snapshots (user_id);
CREATE TABLE IF NOT EXISTS user_preferences (
    user_id     TEXT PRIMARY KEY,
    currency    TEXT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS rate_tables (
    base        TEXT PRIMARY KEY,
    rates       JSONB NOT NULL,
    rates_date  TEXT NOT NULL DEFAULT '',
    fetched_at  TIMESTAMPTZ NOT NULL
);`

type Store struct {
	pool *pgxpool.Pool
}

// Open connects to url and creates the tables if needed.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) LoadSnapshot(ctx context.Context, key string) (storage.Snapshot, error) {
	var snap storage.Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT cache_key, user_id, payload, fetched_at FROM view_snapshots WHERE cache_key = $1`, key).
		Scan(&snap.Key, &snap.UserID, &snap.Payload, &snap.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap storage.Snapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO view_snapshots (cache_key, user_id, payload, fetched_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (cache_key) DO UPDATE SET
			user_id = EXCLUDED.user_id, payload = EXCLUDED.payload, fetched_at = EXCLUDED.fetched_at`,
		snap.Key, snap.UserID, snap.Payload, snap.FetchedAt)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *Store) DeleteUserSnapshots(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM view_snapshots WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	return nil
}

func (s *Store) GetCurrency(ctx context.Context, userID string) (currency.Code, error) {
	var code string
	err := s.pool.QueryRow(ctx, `SELECT currency FROM user_preferences WHERE user_id = $1`, userID).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get currency preference: %w", err)
	}
	return currency.Code(code), nil
}

func (s *Store) SetCurrency(ctx context.Context, userID string, code currency.Code) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_preferences (user_id, currency, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET currency = EXCLUDED.currency, updated_at = now()`,
		userID, string(code))
	if err != nil {
		return fmt.Errorf("set currency preference: %w", err)
	}
	return nil
}

// LoadRates returns nil without error when no table was saved yet.
func (s *Store) LoadRates(ctx context.Context, base currency.Code) (*currency.RateTable, error) {
	var (
		raw       []byte
		date      string
		fetchedAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT rates::text, rates_date, fetched_at FROM rate_tables WHERE base = $1`, string(base)).
		Scan(&raw, &date, &fetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rates: %w", err)
	}
	return storage.DecodeRates(base, raw, date, fetchedAt)
}

func (s *Store) SaveRates(ctx context.Context, t *currency.RateTable) error {
	raw, err := storage.EncodeRates(t)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rate_tables (base, rates, rates_date, fetched_at) VALUES ($1, $2::jsonb, $3, $4)
		ON CONFLICT (base) DO UPDATE SET
			rates = EXCLUDED.rates, rates_date = EXCLUDED.rates_date, fetched_at = EXCLUDED.fetched_at`,
		string(t.Base()), string(raw), t.Date(), t.FetchedAt())
	if err != nil {
		return fmt.Errorf("save rates: %w", err)
	}
	return nil
}
