package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"kharcha/internal/currency"
	"kharcha/internal/storage"
)

var _ storage.Store = (*Store)(nil)

func TestSnapshotsAreCopied(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	payload := []byte(`{"a":1}`)
	if err := s.SaveSnapshot(ctx, storage.Snapshot{Key: "k", UserID: "u", Payload: payload}); err != nil {
		t.Fatal(err)
	}
	payload[2] = 'X'

	got, err := s.LoadSnapshot(ctx, "k")
	if err != nil || string(got.Payload) != `{"a":1}` {
		t.Fatalf("got %s, %v", got.Payload, err)
	}

	if err := s.DeleteUserSnapshots(ctx, "u"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadSnapshot(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPreferencesAndRates(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	if _, err := s.GetCurrency(ctx, "u"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = s.SetCurrency(ctx, "u", "JPY")
	if code, _ := s.GetCurrency(ctx, "u"); code != "JPY" {
		t.Fatalf("code = %s", code)
	}

	if rt, _ := s.LoadRates(ctx, currency.Base); rt != nil {
		t.Fatal("expected no rates")
	}
	table := currency.NewRateTable(currency.Base, nil, "", time.Now())
	_ = s.SaveRates(ctx, table)
	if rt, _ := s.LoadRates(ctx, currency.Base); rt != table {
		t.Fatal("expected saved table")
	}
}
