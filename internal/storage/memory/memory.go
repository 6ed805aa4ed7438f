// Package memory keeps snapshots, preferences and rates in process memory.
// Nothing survives a restart.
package memory

import (
	"context"
	"sync"

	"kharcha/internal/currency"
	"kharcha/internal/storage"
)

type Store struct {
	mu        sync.RWMutex
	snapshots map[string]storage.Snapshot
	prefs     map[string]currency.Code
	rates     map[currency.Code]*currency.RateTable
}

func NewStore() *Store {
	return &Store{
		snapshots: make(map[string]storage.Snapshot),
		prefs:     make(map[string]currency.Code),
		rates:     make(map[currency.Code]*currency.RateTable),
	}
}

func (s *Store) LoadSnapshot(_ context.Context, key string) (storage.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[key]
	if !ok {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	snap.Payload = append([]byte(nil), snap.Payload...)
	return snap, nil
}

func (s *Store) SaveSnapshot(_ context.Context, snap storage.Snapshot) error {
	snap.Payload = append([]byte(nil), snap.Payload...)
	s.mu.Lock()
	s.snapshots[snap.Key] = snap
	s.mu.Unlock()
	return nil
}

func (s *Store) DeleteUserSnapshots(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, snap := range s.snapshots {
		if snap.UserID == userID {
			delete(s.snapshots, key)
		}
	}
	return nil
}

func (s *Store) GetCurrency(_ context.Context, userID string) (currency.Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	code, ok := s.prefs[userID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return code, nil
}

func (s *Store) SetCurrency(_ context.Context, userID string, code currency.Code) error {
	s.mu.Lock()
	s.prefs[userID] = code
	s.mu.Unlock()
	return nil
}

// LoadRates returns nil without error when no table was saved yet.
func (s *Store) LoadRates(_ context.Context, base currency.Code) (*currency.RateTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rates[base], nil
}

func (s *Store) SaveRates(_ context.Context, t *currency.RateTable) error {
	s.mu.Lock()
	s.rates[t.Base()] = t
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error { return nil }
