package keystore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory KeyStore for tests and fixtures. It honours
// the full validate-and-charge contract, including real per-second rate
// buckets, and can simulate a failing backing store.
type MemoryStore struct {
	mu       sync.Mutex
	keys     map[string]KeyInfo
	buckets  map[string]map[int64]int // key -> wall second -> count
	failing  bool
	lookups  map[string]int // remote-fetch call counts, for cache assertions
	now      func() time.Time
}

var _ KeyStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:    make(map[string]KeyInfo),
		buckets: make(map[string]map[int64]int),
		lookups: make(map[string]int),
		now:     time.Now,
	}
}

// Add inserts or replaces a key record.
func (s *MemoryStore) Add(key string, info KeyInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = info
}

// Delete removes a key record.
func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

// List returns all stored keys in sorted order.
func (s *MemoryStore) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetFailing toggles the injected store error. While failing, every
// ValidateKey call returns OutcomeStoreError.
func (s *MemoryStore) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

// SetNow overrides the clock, letting tests pin or roll the wall second.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// LookupCount returns how many times a key record was fetched.
func (s *MemoryStore) LookupCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups[key]
}

// ValidateKey implements KeyStore.
func (s *MemoryStore) ValidateKey(_ context.Context, key string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failing {
		return storeError(ErrStoreUnavailable)
	}

	s.lookups[key]++

	info, ok := s.keys[key]
	if !ok || !info.Active {
		return invalid()
	}

	if info.RateLimitRPS > 0 {
		second := s.now().Unix()
		bucket := s.buckets[key]
		if bucket == nil {
			bucket = make(map[int64]int)
			s.buckets[key] = bucket
		}
		// Stale seconds are dropped here instead of by TTL.
		for sec := range bucket {
			if sec != second {
				delete(bucket, sec)
			}
		}
		bucket[second]++
		if bucket[second] > info.RateLimitRPS {
			return rateLimited()
		}
	}

	return valid(&info)
}
