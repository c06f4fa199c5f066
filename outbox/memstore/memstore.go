// Package memstore keeps outbox records in process memory.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/courier/outbox"
)

// Store is a mutex-guarded outbox.Store. Records are copied on the way in and
// out so callers never share state with the store.
type Store struct {
	mu      sync.RWMutex
	records map[string]*entry
	seq     uint64
}

type entry struct {
	record *outbox.Record
	seq    uint64
}

var _ outbox.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{records: make(map[string]*entry)}
}

// Create inserts records
func (s *Store) Create(ctx context.Context, records ...*outbox.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range records {
		if _, exists := s.records[record.ID]; exists {
			return fmt.Errorf("outbox record %s already exists", record.ID)
		}
	}
	for _, record := range records {
		s.seq++
		s.records[record.ID] = &entry{record: record.Clone(), seq: s.seq}
	}
	return nil
}

// FindByStatus returns matching records oldest first
func (s *Store) FindByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Record, error) {
	s.mu.RLock()
	matches := make([]*entry, 0)
	for _, e := range s.records {
		if e.record.Status == status {
			matches = append(matches, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.record.CreatedAt.Equal(b.record.CreatedAt) {
			return a.record.CreatedAt.Before(b.record.CreatedAt)
		}
		return a.seq < b.seq
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]*outbox.Record, len(matches))
	for i, e := range matches {
		out[i] = e.record.Clone()
	}
	return out, nil
}

// Save replaces the stored copy of an existing record
func (s *Store) Save(ctx context.Context, record *outbox.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[record.ID]
	if !ok {
		return fmt.Errorf("%w: %s", outbox.ErrRecordNotFound, record.ID)
	}
	e.record = record.Clone()
	return nil
}

// CountByStatus returns the number of records in a status
func (s *Store) CountByStatus(ctx context.Context, status outbox.Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.records {
		if e.record.Status == status {
			count++
		}
	}
	return count, nil
}

// Get returns a copy of a record by id
func (s *Store) Get(id string) (*outbox.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return e.record.Clone(), true
}

// Len returns the number of stored records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
