package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"kharcha/internal/core"
	"kharcha/internal/currency"
	"kharcha/internal/log"

	_ "modernc.org/sqlite"
)

// Fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type SQLiteRepository struct {
	db     *sql.DB
	logger *log.Logger
}

func NewSQLiteRepository(dbPath string, logger *log.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = log.Discard()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between concurrent handlers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	version, err := MigrateSQLite(dbPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger = logger.WithComponent(log.ComponentStorage)
	logger.Debug("SQLite schema ready", "path", dbPath, "version", version)
	return &SQLiteRepository{db: db, logger: logger}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping backs the readiness probe.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) LoadSnapshot(ctx context.Context, key string) (Snapshot, error) {
	var (
		s         Snapshot
		fetchedAt string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT cache_key, user_id, payload, fetched_at FROM view_snapshots WHERE cache_key = ?`, key).
		Scan(&s.Key, &s.UserID, &s.Payload, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	s.FetchedAt, _ = time.Parse(timeLayout, fetchedAt)
	return s, nil
}

func (r *SQLiteRepository) SaveSnapshot(ctx context.Context, s Snapshot) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO view_snapshots (cache_key, user_id, payload, fetched_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			user_id = excluded.user_id, payload = excluded.payload, fetched_at = excluded.fetched_at`,
		s.Key, s.UserID, s.Payload, s.FetchedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteUserSnapshots(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM view_snapshots WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetCurrency(ctx context.Context, userID string) (currency.Code, error) {
	var code string
	err := r.db.QueryRowContext(ctx, `SELECT currency FROM user_preferences WHERE user_id = ?`, userID).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get currency preference: %w", err)
	}
	return currency.Code(code), nil
}

func (r *SQLiteRepository) SetCurrency(ctx context.Context, userID string, code currency.Code) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, currency, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET currency = excluded.currency, updated_at = excluded.updated_at`,
		userID, string(code), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("set currency preference: %w", err)
	}
	return nil
}

// LoadRates returns nil without error when no table was saved yet.
func (r *SQLiteRepository) LoadRates(ctx context.Context, base currency.Code) (*currency.RateTable, error) {
	var raw, date, fetchedAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT rates, rates_date, fetched_at FROM rate_tables WHERE base = ?`, string(base)).
		Scan(&raw, &date, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rates: %w", err)
	}
	at, _ := time.Parse(timeLayout, fetchedAt)
	return DecodeRates(base, []byte(raw), date, at)
}

func (r *SQLiteRepository) SaveRates(ctx context.Context, t *currency.RateTable) error {
	raw, err := EncodeRates(t)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rate_tables (base, rates, rates_date, fetched_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (base) DO UPDATE SET
			rates = excluded.rates, rates_date = excluded.rates_date, fetched_at = excluded.fetched_at`,
		string(t.Base()), string(raw), t.Date(), t.FetchedAt().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save rates: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) EnqueueEntry(ctx context.Context, e core.Entry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO entries_outbox (id, user_id, kind, name, amount, entry_date, icon, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Kind.String(), e.Name, e.Amount.StringFixed(2), e.Date.String(), e.Icon,
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("enqueue entry: %w", err)
	}
	r.logger.InfoContext(ctx, "Entry queued for sync",
		log.FieldEntryID, e.ID, log.FieldUserID, e.UserID, log.FieldKind, e.Kind.String())
	return nil
}

const outboxColumns = `id, user_id, kind, name, amount, entry_date, icon, sync_status, remote_id, attempts, last_error, created_at`

func (r *SQLiteRepository) GetEntry(ctx context.Context, id string) (OutboxEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM entries_outbox WHERE id = ?`, id)
	e, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxEntry{}, ErrNotFound
	}
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// PendingEntries returns the oldest unsynced entries. Entries that failed
// before are retried.
func (r *SQLiteRepository) PendingEntries(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM entries_outbox
		WHERE sync_status IN ('pending', 'error')
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending entries: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) MarkSynced(ctx context.Context, id, remoteID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE entries_outbox SET sync_status = 'synced', remote_id = ?, attempts = attempts + 1,
			last_error = '', synced_at = ?
		WHERE id = ?`, remoteID, time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("mark entry synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.logger.InfoContext(ctx, "Entry marked as synced", log.FieldEntryID, id, "remote_id", remoteID)
	return nil
}

func (r *SQLiteRepository) MarkSyncError(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE entries_outbox SET sync_status = 'error', attempts = attempts + 1, last_error = ?
		WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("mark entry sync error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.logger.WarnContext(ctx, "Entry marked with sync error", log.FieldEntryID, id, log.FieldError, msg)
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutbox(s scanner) (OutboxEntry, error) {
	var (
		e                          OutboxEntry
		kind, amount, date, status string
		createdAt                  string
	)
	err := s.Scan(&e.Entry.ID, &e.Entry.UserID, &kind, &e.Entry.Name, &amount, &date, &e.Entry.Icon,
		&status, &e.RemoteID, &e.Attempts, &e.LastError, &createdAt)
	if err != nil {
		return OutboxEntry{}, err
	}
	e.Entry.Kind = core.Kind(kind)
	if e.Entry.Amount, err = decimal.NewFromString(amount); err != nil {
		return OutboxEntry{}, fmt.Errorf("amount %q: %w", amount, err)
	}
	if e.Entry.Date, err = core.ParseDate(date); err != nil {
		return OutboxEntry{}, err
	}
	e.Status = SyncStatus(status)
	e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return e, nil
}
