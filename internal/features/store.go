package features

import (
	"context"
	"sync"

	"github.com/mbd888/auroraguard/internal/txn"
)

// Store reads the current aggregates for one entity. Implementations
// return ErrNotFound when the entity has no history and should honour
// ctx cancellation, though the Aggregator does not rely on it.
type Store interface {
	Lookup(ctx context.Context, key txn.EntityKey) (*Record, error)
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record // EntityKey.String() → record
}

// NewMemoryStore creates an empty in-memory feature store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Put replaces the aggregates for key.
func (s *MemoryStore) Put(key txn.EntityKey, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key.String()] = copyRecord(&rec)
}

// Delete removes key's aggregates.
func (s *MemoryStore) Delete(key txn.EntityKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key.String())
}

func (s *MemoryStore) Lookup(ctx context.Context, key txn.EntityKey) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func copyRecord(r *Record) *Record {
	fields := make(map[string]Value, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return &Record{Fields: fields, UpdatedAt: r.UpdatedAt}
}
