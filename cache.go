/*
Copyright 2024-2025 UniFarm Connect

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package farmsync

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/sirupsen/logrus"
)

// CacheEntry is a single value held by the CacheStore.
type CacheEntry struct {
	Key       string
	Data      interface{}
	Timestamp time.Time
	TTL       time.Duration

	// Token of the expiry scheduled for this entry. An expiry carrying
	// a different token belongs to a superseded write and is ignored.
	gen uint64
}

// IsFresh reports whether the entry is still within its TTL at `now`.
func (e CacheEntry) IsFresh(now time.Time) bool {
	return now.Sub(e.Timestamp) <= e.TTL
}

// Age returns how old the entry is at `now`.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

type CacheConfig struct {
	// TTL used by Set() when called with a zero ttl.
	DefaultTTL time.Duration

	// Maximum number of entries across all shards. When a shard is full
	// the oldest 10% of its entries are evicted.
	MaxSize int

	// Number of independently locked shards the key space is split into.
	Shards int

	// How often the expiry scheduler sweeps every shard for stale entries
	// in addition to processing scheduled expiries.
	CleanupInterval time.Duration

	Logger logrus.FieldLogger
}

func (c *CacheConfig) SetDefaults() {
	// Negative values are treated as unset
	if c.DefaultTTL < 0 {
		c.DefaultTTL = 0
	}
	if c.MaxSize < 0 {
		c.MaxSize = 0
	}
	if c.Shards < 0 {
		c.Shards = 0
	}
	if c.CleanupInterval < 0 {
		c.CleanupInterval = 0
	}
	setter.SetDefault(&c.DefaultTTL, 30*time.Second)
	setter.SetDefault(&c.MaxSize, 10_000)
	setter.SetDefault(&c.Shards, 1)
	setter.SetDefault(&c.CleanupInterval, time.Minute)
	setter.SetDefault(&c.Logger, logrus.WithField("category", "cache"))
}

type CacheStats struct {
	Hits                  int64   `json:"hits"`
	Misses                int64   `json:"misses"`
	Expired               int64   `json:"expired"`
	Evictions             int64   `json:"evictions"`
	FallbackUsed          int64   `json:"fallback_used"`
	StaleFallbackRejected int64   `json:"stale_fallback_rejected"`
	Size                  int64   `json:"size"`
	HitRate               float64 `json:"hit_rate"`
}

// CacheStore is a sharded in-memory key/value store where every entry
// carries its own TTL. Expired entries are never returned by Get(); they are
// removed either lazily on read or by the expiry scheduler.
type CacheStore struct {
	conf         CacheConfig
	log          logrus.FieldLogger
	shards       []*cacheShard
	hashRingStep uint64
	expiry       *expiryScheduler
	gen          uint64

	hits                  int64
	misses                int64
	expired               int64
	evictions             int64
	fallbackUsed          int64
	staleFallbackRejected int64
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry
	maxSize int
}

func NewCacheStore(conf CacheConfig) *CacheStore {
	conf.SetDefaults()

	c := &CacheStore{
		conf:   conf,
		log:    conf.Logger,
		shards: make([]*cacheShard, conf.Shards),
		// Each shard owns an equal slice of the 63-bit hash space.
		hashRingStep: uint64(1<<63) / uint64(conf.Shards),
	}

	shardSize := conf.MaxSize / conf.Shards
	if shardSize < 1 {
		shardSize = 1
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			entries: make(map[string]*CacheEntry),
			maxSize: shardSize,
		}
	}

	c.expiry = newExpiryScheduler(conf.CleanupInterval, c.expire, c.sweep, c.isLive)
	return c
}

func computeHash63(key string) uint64 {
	return xxhash.ChecksumString64S(key, 0) >> 1
}

func (c *CacheStore) shard(key string) *cacheShard {
	idx := computeHash63(key) / c.hashRingStep
	if idx >= uint64(len(c.shards)) {
		idx = uint64(len(c.shards) - 1)
	}
	return c.shards[idx]
}

// Set stores `data` under `key`. A ttl <= 0 selects the configured default.
// Any expiry scheduled by a previous Set() of the same key is cancelled.
func (c *CacheStore) Set(key string, data interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.conf.DefaultTTL
	}
	now := clock.Now()
	entry := &CacheEntry{
		Key:       key,
		Data:      data,
		Timestamp: now,
		TTL:       ttl,
		gen:       atomic.AddUint64(&c.gen, 1),
	}

	s := c.shard(key)
	s.mu.Lock()
	if _, ok := s.entries[key]; ok {
		c.expiry.cancel(1)
	} else if len(s.entries) >= s.maxSize {
		c.evictOldest(s)
	}
	s.entries[key] = entry
	s.mu.Unlock()

	c.expiry.schedule(key, entry.gen, now.Add(ttl))
}

// evictOldest drops the oldest 10% of the shard. Caller must hold s.mu.
func (c *CacheStore) evictOldest(s *cacheShard) {
	toEvict := (s.maxSize + 9) / 10
	oldest := make([]*CacheEntry, 0, len(s.entries))
	for _, e := range s.entries {
		oldest = append(oldest, e)
	}
	sort.Slice(oldest, func(i, j int) bool {
		return oldest[i].Timestamp.Before(oldest[j].Timestamp)
	})

	var evicted int
	for ; evicted < toEvict && evicted < len(oldest); evicted++ {
		delete(s.entries, oldest[evicted].Key)
	}
	atomic.AddInt64(&c.evictions, int64(evicted))
	c.expiry.cancel(evicted)
	c.log.WithField("count", evicted).Debug("evicted oldest entries")
}

// Get returns the data stored under `key` if it exists and is still fresh.
// A stale entry is removed and reported as not found.
func (c *CacheStore) Get(key string) (interface{}, bool) {
	entry, ok := c.GetEntry(key)
	if !ok {
		return nil, false
	}
	return entry.Data, true
}

// GetEntry is like Get but returns the whole entry, so the caller can tell
// how old the data is.
func (c *CacheStore) GetEntry(key string) (CacheEntry, bool) {
	now := clock.Now()
	s := c.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return CacheEntry{}, false
	}

	if !entry.IsFresh(now) {
		delete(s.entries, key)
		c.expiry.cancel(1)
		atomic.AddInt64(&c.expired, 1)
		atomic.AddInt64(&c.misses, 1)
		return CacheEntry{}, false
	}

	atomic.AddInt64(&c.hits, 1)
	return *entry, true
}

// Has reports whether `key` holds a fresh entry. It does not touch the
// counters nor remove stale entries.
func (c *CacheStore) Has(key string) bool {
	now := clock.Now()
	s := c.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	return ok && entry.IsFresh(now)
}

// Invalidate removes `key`. Removing a missing key is not an error.
func (c *CacheStore) Invalidate(key string) {
	c.InvalidateKeys(key)
}

// InvalidateKeys removes every key given and returns how many were present.
func (c *CacheStore) InvalidateKeys(keys ...string) int {
	var removed int
	for _, key := range keys {
		s := c.shard(key)
		s.mu.Lock()
		if _, ok := s.entries[key]; ok {
			delete(s.entries, key)
			removed++
		}
		s.mu.Unlock()
	}
	c.expiry.cancel(removed)
	return removed
}

// InvalidatePattern removes every key matching the wildcard `pattern`
// where `*` matches any run of characters and `?` a single one.
// Returns the number of entries removed.
func (c *CacheStore) InvalidatePattern(pattern string) int {
	re := globToRegexp(pattern)

	var removed int
	for _, s := range c.shards {
		s.mu.Lock()
		for key := range s.entries {
			if re.MatchString(key) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.expiry.cancel(removed)

	c.log.WithField("pattern", pattern).
		WithField("removed", removed).
		Debug("invalidated pattern")
	return removed
}

func globToRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// Clear removes every entry. Pending expiries are dropped as well.
func (c *CacheStore) Clear() {
	var size int
	for _, s := range c.shards {
		s.mu.Lock()
		size += len(s.entries)
		s.entries = make(map[string]*CacheEntry)
		s.mu.Unlock()
	}
	c.expiry.reset()
	c.log.WithField("removed", size).Info("cache cleared")
}

// RecordFallbackUsed counts a read that served stale data after a failed refresh.
func (c *CacheStore) RecordFallbackUsed() {
	atomic.AddInt64(&c.fallbackUsed, 1)
}

// RecordStaleFallbackRejected counts stale data that was too old to serve.
func (c *CacheStore) RecordStaleFallbackRejected() {
	atomic.AddInt64(&c.staleFallbackRejected, 1)
}

func (c *CacheStore) Size() int64 {
	var size int
	for _, s := range c.shards {
		s.mu.Lock()
		size += len(s.entries)
		s.mu.Unlock()
	}
	return int64(size)
}

func (c *CacheStore) Stats() CacheStats {
	stats := CacheStats{
		Hits:                  atomic.LoadInt64(&c.hits),
		Misses:                atomic.LoadInt64(&c.misses),
		Expired:               atomic.LoadInt64(&c.expired),
		Evictions:             atomic.LoadInt64(&c.evictions),
		FallbackUsed:          atomic.LoadInt64(&c.fallbackUsed),
		StaleFallbackRejected: atomic.LoadInt64(&c.staleFallbackRejected),
		Size:                  c.Size(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Close stops the expiry scheduler and drops every entry.
func (c *CacheStore) Close() error {
	c.expiry.stop()
	c.Clear()
	return nil
}

// expire is called by the scheduler once the deadline for (key, gen) passed.
func (c *CacheStore) expire(key string, gen uint64) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok && entry.gen == gen {
		delete(s.entries, key)
		atomic.AddInt64(&c.expired, 1)
	}
}

// sweep removes every stale entry that is still present.
func (c *CacheStore) sweep(now time.Time) {
	var removed int64
	for _, s := range c.shards {
		s.mu.Lock()
		for key, entry := range s.entries {
			if !entry.IsFresh(now) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		c.expiry.cancel(int(removed))
		atomic.AddInt64(&c.expired, removed)
		c.log.WithField("expired", removed).Debug("cleanup completed")
	}
}

// isLive reports whether (key, gen) is still the current write of `key`.
func (c *CacheStore) isLive(key string, gen uint64) bool {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	return ok && entry.gen == gen
}
