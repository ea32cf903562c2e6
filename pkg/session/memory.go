package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore implements Store using an in-memory map. Records are kept in
// encoded form so callers never share state with the store, and encoding
// failures surface the same way they do for persistent backends.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[ID][]byte
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[ID][]byte),
	}
}

// Create persists a new record, replacing any record with the same ID.
func (s *MemoryStore) Create(ctx context.Context, r *Record) error {
	return s.put(ctx, OpCreate, r)
}

// Save persists the record, replacing any record with the same ID.
func (s *MemoryStore) Save(ctx context.Context, r *Record) error {
	return s.put(ctx, OpSave, r)
}

func (s *MemoryStore) put(ctx context.Context, op string, r *Record) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError(op, r.ID, err)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return NewStorageError(op, r.ID, fmt.Errorf("encoding record: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[r.ID] = data
	return nil
}

// Load retrieves a record by ID.
func (s *MemoryStore) Load(ctx context.Context, id ID) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError(OpLoad, id, err)
	}

	s.mu.RLock()
	data, ok := s.records[id]
	s.mu.RUnlock()

	if !ok {
		return nil, NewStorageError(OpLoad, id, ErrNotFound)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, NewStorageError(OpLoad, id, fmt.Errorf("decoding record: %w", err))
	}
	return &r, nil
}

// Delete removes a record.
func (s *MemoryStore) Delete(ctx context.Context, id ID) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError(OpDelete, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return NewStorageError(OpDelete, id, ErrNotFound)
	}
	delete(s.records, id)
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Ping always succeeds.
func (*MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)

var _ Pinger = (*MemoryStore)(nil)
