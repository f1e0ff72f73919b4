package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/mudtools/MudFeishu-sub002/dedup"
	"github.com/mudtools/MudFeishu-sub002/errors"
)

// MemoryStore is an in-memory dedup.DistributedStore shared by several pipelines in
// one test, standing in for Redis. SetFailing simulates an outage.
type MemoryStore struct {
	mu      sync.Mutex
	keys    map[string]time.Time
	failing bool
	now     func() time.Time
}

var _ dedup.DistributedStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: map[string]time.Time{}, now: time.Now}
}

// Backend implements dedup.Named.
func (s *MemoryStore) Backend() string { return "memory-store" }

// TrySet implements dedup.DistributedStore.
func (s *MemoryStore) TrySet(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return false, errors.WrapTransient(errors.ErrStorageUnavailable, "MemoryStore", "TrySet", "set key")
	}
	if exp, ok := s.keys[key]; ok && s.now().Before(exp) {
		return false, nil
	}
	s.keys[key] = s.now().Add(ttl)
	return true, nil
}

// Delete implements dedup.DistributedStore.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "MemoryStore", "Delete", "delete key")
	}
	delete(s.keys, key)
	return nil
}

// SetFailing toggles the simulated outage.
func (s *MemoryStore) SetFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

// Has reports whether key is stored and unexpired.
func (s *MemoryStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.keys[key]
	return ok && s.now().Before(exp)
}
