package sharedcache

import (
	"context"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
)

type record struct {
	value     []byte
	version   uint64
	expiresAt time.Time // zero for a tombstone
	dropAt    time.Time
}

func (r *record) live(now time.Time) bool {
	return r.value != nil && now.Before(r.expiresAt)
}

// MemoryStore is a Store for single-process deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*record
	seq     uint64
	opts    options
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*record),
		opts:    newOptions(opts),
	}
}

// lookup returns the record for key, dropping it once its retention passed.
func (s *MemoryStore) lookup(key string, now time.Time) *record {
	r, ok := s.records[key]
	if !ok {
		return nil
	}
	if !now.Before(r.dropAt) {
		delete(s.records, key)
		return nil
	}
	return r
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	now := clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.lookup(key, now)
	if r == nil {
		return Entry{Key: key}, false, nil
	}
	if !r.live(now) {
		return Entry{Key: key, Version: r.version}, false, nil
	}
	return Entry{
		Key:       key,
		Value:     append([]byte(nil), r.value...),
		Version:   r.version,
		ExpiresAt: r.expiresAt,
	}, true, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration, expectedVersion uint64) (uint64, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if value == nil {
		value = []byte{}
	}
	now := clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var current uint64
	if r := s.lookup(key, now); r != nil {
		current = r.version
	}
	if current != expectedVersion {
		return 0, &ConflictError{Key: key, Expected: expectedVersion, Current: current}
	}

	s.seq++
	s.records[key] = &record{
		value:     append([]byte(nil), value...),
		version:   s.seq,
		expiresAt: now.Add(ttl),
		dropAt:    now.Add(ttl + s.opts.retention),
	}
	return s.seq, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) (uint64, error) {
	now := clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.records[key] = &record{
		version: s.seq,
		dropAt:  now.Add(s.opts.retention),
	}
	return s.seq, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)
