package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is a process-local Store with lazy TTL expiry: entries are
// checked against their deadline on read and evicted there, with no
// background sweep.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryOption customises the MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock injects a custom time source, primarily for testing.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	store := &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Get returns the value for key, evicting and reporting a miss when the entry
// has outlived its TTL.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}

	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

// Set stores value under key, overwriting any previous entry.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}

	s.entries[key] = entry
	return nil
}

// Delete removes the supplied keys, ignoring missing ones.
func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

// Flush discards every entry.
func (s *MemoryStore) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]memoryEntry)
}

// IncrementWithTTL increments a counter under key, starting a fresh window
// when the previous one has expired.
func (s *MemoryStore) IncrementWithTTL(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.entries[key]
	count := int64(1)
	if ok && (entry.expiresAt.IsZero() || now.Before(entry.expiresAt)) {
		count = decodeCount(entry.value) + 1
		s.entries[key] = memoryEntry{value: encodeCount(count), expiresAt: entry.expiresAt}
		return count, entry.expiresAt.Sub(now), nil
	}

	expiresAt := now.Add(window)
	s.entries[key] = memoryEntry{value: encodeCount(count), expiresAt: expiresAt}
	return count, window, nil
}

func encodeCount(count int64) []byte {
	return []byte(strconv.FormatInt(count, 10))
}

func decodeCount(value []byte) int64 {
	count, _ := strconv.ParseInt(string(value), 10, 64)
	return count
}
