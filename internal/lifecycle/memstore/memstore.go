// Package memstore provides an in-memory implementation of lifecycle.StatusStore.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/idswatch/internal/alert"
	"github.com/linnemanlabs/idswatch/internal/lifecycle"
)

// Store holds status records in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	records map[string][]lifecycle.Record // alert key -> records, oldest first
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		records: make(map[string][]lifecycle.Record),
	}
}

// Append stores a copy of the record.
func (s *Store) Append(_ context.Context, rec *lifecycle.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = append(s.records[rec.Key], *rec)
	return nil
}

// Latest returns the most recent target status per key.
func (s *Store) Latest(_ context.Context) (map[string]alert.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]alert.Status, len(s.records))
	for k, recs := range s.records {
		if n := len(recs); n > 0 {
			out[k] = recs[n-1].To
		}
	}
	return out, nil
}

// History returns a copy of the records for key.
func (s *Store) History(_ context.Context, key string) ([]lifecycle.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]lifecycle.Record{}, s.records[key]...), nil
}
