package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// BackendMemory keeps the counter in process memory only. It is meant for
// bench work with a radio that is not joined to a real network.
const BackendMemory = "memory"

var errWriteDisabled = errors.New("memory store write disabled")

// MemoryStore is a volatile CounterStore.
type MemoryStore struct {
	mu   sync.Mutex
	next uint32

	// FailSave makes Save return ErrPersistenceFailure.
	FailSave bool
}

// NewMemoryStore returns a store whose counter starts at next.
func NewMemoryStore(next uint32) *MemoryStore {
	return &MemoryStore{next: next}
}

func (s *MemoryStore) Load(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, ctx.Err()
}

func (s *MemoryStore) Save(ctx context.Context, next uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return persistErr("save", err)
	}
	if s.FailSave {
		return persistErr("save", errWriteDisabled)
	}
	if next < s.next {
		return persistErr("save", fmt.Errorf("%w: %d < %d", ErrCounterRollback, next, s.next))
	}
	s.next = next
	return nil
}
