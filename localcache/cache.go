// Package localcache is the in-process cache tier: a bounded LRU with lazy TTL
// expiry and per-key invalidation watermarks.
package localcache

import (
	"container/list"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/rs/zerolog/log"
	"github.com/toolink/admit/metrics"
)

// Eviction reasons reported to metrics.
const (
	ReasonLRU          = "lru"
	ReasonExpired      = "expired"
	ReasonInvalidation = "invalidation"
	ReasonPurge        = "purge"
)

// Entry is a cached value. Entries are copied out of the cache; callers must
// not modify Value.
type Entry struct {
	Key       string
	Value     []byte
	Version   uint64
	ExpiresAt time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size      int
	Hits      int64
	Misses    int64
	Puts      int64
	Evictions int64
}

// Config configures a Cache.
type Config struct {
	MaxEntries int           // defaults to 10000
	DefaultTTL time.Duration // defaults to 10m
	Profiles   []Profile     // TTL overrides by key prefix
	Metrics    *metrics.Metrics
}

// Cache is safe for concurrent use. Every operation holds a single mutex for
// O(1) work, except Sweep and Purge which walk the cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	ll      *list.List

	// highest invalidation version consumed per key, LRU-bounded like entries
	marks  map[string]*list.Element
	markLL *list.List

	maxEntries int
	defaultTTL time.Duration
	profiles   profiles
	metrics    *metrics.Metrics
	stats      Stats
}

type watermark struct {
	key     string
	version uint64
}

// New creates a cache.
func New(cfg Config) *Cache {
	setter.SetDefault(&cfg.MaxEntries, 10_000)
	setter.SetDefault(&cfg.DefaultTTL, 10*time.Minute)

	return &Cache{
		entries:    make(map[string]*list.Element),
		ll:         list.New(),
		marks:      make(map[string]*list.Element),
		markLL:     list.New(),
		maxEntries: cfg.MaxEntries,
		defaultTTL: cfg.DefaultTTL,
		profiles:   newProfiles(cfg.Profiles),
		metrics:    cfg.Metrics,
	}
}

// Get returns the live entry for key. Expired entries and entries older than
// an invalidation already consumed for key are removed and reported as a miss.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ele, ok := c.entries[key]
	if !ok {
		c.miss()
		return Entry{}, false
	}
	entry := ele.Value.(*Entry)

	if entry.expired(clock.Now()) {
		c.removeElement(ele, ReasonExpired)
		c.miss()
		return Entry{}, false
	}
	if entry.Version < c.watermark(key) {
		c.removeElement(ele, ReasonInvalidation)
		c.miss()
		return Entry{}, false
	}

	c.ll.MoveToFront(ele)
	c.stats.Hits++
	c.metrics.RecordCacheAccess("local", true)
	return *entry, true
}

func (c *Cache) miss() {
	c.stats.Misses++
	c.metrics.RecordCacheAccess("local", false)
}

// Put stores value under key, overwriting any existing entry. A ttl <= 0 uses
// the profile TTL for key. Put reports false and stores nothing when version is
// older than an invalidation already consumed for key.
func (c *Cache) Put(key string, value []byte, version uint64, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.TTLFor(key)
	}
	entry := &Entry{
		Key:       key,
		Value:     value,
		Version:   version,
		ExpiresAt: clock.Now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if version < c.watermark(key) {
		log.Debug().Str("key", key).Uint64("version", version).Msg("skipping put of stale version")
		return false
	}

	if ele, ok := c.entries[key]; ok {
		ele.Value = entry
		c.ll.MoveToFront(ele)
	} else {
		c.entries[key] = c.ll.PushFront(entry)
		if c.ll.Len() > c.maxEntries {
			c.removeElement(c.ll.Back(), ReasonLRU)
		}
	}
	c.stats.Puts++
	c.metrics.RecordPut(c.ll.Len())
	return true
}

// Invalidate removes key unconditionally. Reports whether an entry was removed.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ele, ok := c.entries[key]; ok {
		c.removeElement(ele, ReasonInvalidation)
		return true
	}
	return false
}

// Apply consumes an invalidation for key at version. The entry is removed when
// its version is not newer than version, and the watermark for key is raised so
// older data can no longer be stored or served. Applying the same invalidation
// again is a no-op. Reports whether an entry was removed.
func (c *Cache) Apply(key string, version uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.raiseWatermark(key, version)

	ele, ok := c.entries[key]
	if !ok {
		return false
	}
	if ele.Value.(*Entry).Version > version {
		return false
	}
	c.removeElement(ele, ReasonInvalidation)
	return true
}

// Watermark returns the highest invalidation version consumed for key.
func (c *Cache) Watermark(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark(key)
}

func (c *Cache) watermark(key string) uint64 {
	if ele, ok := c.marks[key]; ok {
		return ele.Value.(*watermark).version
	}
	return 0
}

func (c *Cache) raiseWatermark(key string, version uint64) {
	if ele, ok := c.marks[key]; ok {
		w := ele.Value.(*watermark)
		if version > w.version {
			w.version = version
		}
		c.markLL.MoveToFront(ele)
		return
	}
	c.marks[key] = c.markLL.PushFront(&watermark{key: key, version: version})
	if c.markLL.Len() > c.maxEntries {
		oldest := c.markLL.Back()
		c.markLL.Remove(oldest)
		delete(c.marks, oldest.Value.(*watermark).key)
	}
}

// Purge drops every entry. Watermarks are kept. Returns the number of removed entries.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.ll.Len()
	c.entries = make(map[string]*list.Element)
	c.ll.Init()
	c.stats.Evictions += int64(n)
	c.metrics.RecordEviction(ReasonPurge, n)
	c.metrics.SetCacheSize(0)
	return n
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for ele := c.ll.Back(); ele != nil; {
		prev := ele.Prev()
		if ele.Value.(*Entry).expired(now) {
			c.removeElement(ele, ReasonExpired)
			removed++
		}
		ele = prev
	}
	return removed
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.ll.Len()
	return s
}

func (c *Cache) removeElement(e *list.Element, reason string) {
	c.ll.Remove(e)
	delete(c.entries, e.Value.(*Entry).Key)
	c.stats.Evictions++
	c.metrics.RecordEviction(reason, 1)
	c.metrics.SetCacheSize(c.ll.Len())
}
