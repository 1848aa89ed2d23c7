package sso

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	rec      CodeRecord
	consumed bool
}

// MemoryCodeStore is an in-process CodeStore for tests and single-node
// development. Consume holds the lock across check and mark, giving the
// same exactly-once guarantee as the backed stores.
type MemoryCodeStore struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
}

// NewMemoryCodeStore creates an empty store
func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{records: make(map[string]*memoryRecord)}
}

// Save stores the record under the code hash
func (s *MemoryCodeStore) Save(_ context.Context, codeHash string, rec CodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[codeHash] = &memoryRecord{rec: rec}
	return nil
}

// Consume marks the code consumed exactly once and returns its record
func (s *MemoryCodeStore) Consume(_ context.Context, codeHash string, now time.Time) (*CodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.records[codeHash]
	if !ok {
		return nil, ErrCodeNotFound
	}
	if entry.consumed {
		return nil, ErrCodeAlreadyUsed
	}
	if !entry.rec.ExpiresAt.After(now) {
		return nil, ErrCodeExpired
	}

	entry.consumed = true
	rec := entry.rec
	return &rec, nil
}
