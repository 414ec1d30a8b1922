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

package farmsync_test

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifarm/farmsync"
)

func TestCacheStore(t *testing.T) {
	t.Run("TTL", func(t *testing.T) {
		clock.Freeze(clock.Now())
		defer clock.Unfreeze()

		cache := farmsync.NewCacheStore(farmsync.CacheConfig{})
		defer cache.Close()

		cache.Set("balance:42", 100.5, 100*time.Millisecond)

		clock.Advance(50 * time.Millisecond)
		v, ok := cache.Get("balance:42")
		require.True(t, ok)
		assert.Equal(t, 100.5, v)

		clock.Advance(51 * time.Millisecond)
		v, ok = cache.Get("balance:42")
		assert.False(t, ok)
		assert.Nil(t, v)

		// Removed either on read or by the scheduler, counted exactly once
		stats := cache.Stats()
		assert.Equal(t, int64(1), stats.Hits)
		assert.Equal(t, int64(1), stats.Misses)
		assert.Equal(t, int64(1), stats.Expired)
	})

	t.Run("Fresh at exactly TTL", func(t *testing.T) {
		now := clock.Now()
		entry := farmsync.CacheEntry{Timestamp: now, TTL: time.Second}
		assert.True(t, entry.IsFresh(now.Add(time.Second)))
		assert.False(t, entry.IsFresh(now.Add(time.Second+time.Nanosecond)))
		assert.Equal(t, 500*time.Millisecond, entry.Age(now.Add(500*time.Millisecond)))
	})

	t.Run("Store keeps entry at exactly TTL", func(t *testing.T) {
		clock.Freeze(clock.Now())
		defer clock.Unfreeze()

		cache := farmsync.NewCacheStore(farmsync.CacheConfig{})
		defer cache.Close()

		cache.Set("balance:1", 1, 100*time.Millisecond)
		clock.Advance(100 * time.Millisecond)
		// Give the scheduler a chance to run at the deadline
		time.Sleep(20 * time.Millisecond)

		v, ok := cache.Get("balance:1")
		require.True(t, ok)
		assert.Equal(t, 1, v)
		assert.Equal(t, int64(1), cache.Size())

		clock.Advance(time.Millisecond)
		require.Eventually(t, func() bool {
			return cache.Size() == 0
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, int64(1), cache.Stats().Expired)
	})

	t.Run("Overwrite cancels old expiry", func(t *testing.T) {
		clock.Freeze(clock.Now())
		defer clock.Unfreeze()

		cache := farmsync.NewCacheStore(farmsync.CacheConfig{})
		defer cache.Close()

		cache.Set("balance:42", "v1", 100*time.Millisecond)
		clock.Advance(50 * time.Millisecond)
		cache.Set("balance:42", "v2", 5*time.Second)

		// Past the deadline of the first write
		clock.Advance(150 * time.Millisecond)
		// Give the scheduler a chance to process the superseded expiry
		time.Sleep(20 * time.Millisecond)

		v, ok := cache.Get("balance:42")
		require.True(t, ok)
		assert.Equal(t, "v2", v)
		assert.Equal(t, int64(0), cache.Stats().Expired)
	})

	t.Run("Scheduler removes expired entries", func(t *testing.T) {
		cache := farmsync.NewCacheStore(farmsync.CacheConfig{})
		defer cache.Close()

		cache.Set("balance:1", 1, 20*time.Millisecond)
		cache.Set("balance:2", 2, 40*time.Millisecond)
		cache.Set("balance:3", 3, time.Hour)

		// Size() never removes anything itself
		require.Eventually(t, func() bool {
			return cache.Size() == 1
		}, time.Second, 5*time.Millisecond)

		assert.True(t, cache.Has("balance:3"))
		assert.Equal(t, int64(2), cache.Stats().Expired)
	})

	t.Run("Invalidate keys", func(t *testing.T) {
		cache := farmsync.NewCacheStore(farmsync.CacheConfig{})
		defer cache.Close()

		cache.Set("balance:1", 1, time.Minute)
		cache.Set("farming:1", 1, time.Minute)
		cache.Set("balance:2", 2, time.Minute)

		assert.Equal(t, 2, cache.InvalidateKeys("balance:1", "farming:1", "balance:9"))
		assert.Zero(t, cache.InvalidateKeys())
		assert.False(t, cache.Has("balance:1"))
		assert.True(t, cache.Has("balance:2"))
	})

	t.Run("Invalid shard count", func(t *testing.T) {
		cache := farmsync.NewCacheStore(farmsync.CacheConfig{Shards: -1, MaxSize: -5, DefaultTTL: -time.Second})
		defer cache.Close()

		cache.Set("balance:1", 1, time.Minute)
		assert.True(t, cache.Has("balance:1"))

		// Negative default TTL falls back to the default
		cache.Set("balance:2", 2, 0)
		entry, ok := cache.GetEntry("balance:2")
		require.True(t, ok)
		assert.Equal(t, 30*time.Second, entry.TTL)
	})

	t.Run("Default TTL", func(t *testing.T) {
		cache := farmsync.NewCacheStore(farmsync.CacheConfig{DefaultTTL: 3 * time.Second})
		defer cache.Close()

		cache.Set("balance:1", 1, 0)
		entry, ok := cache.GetEntry("balance:1")
		require.True(t, ok)
		assert.Equal(t, 3*time.Second, entry.TTL)
		assert.Equal(t, "balance:1", entry.Key)
	})

	t.Run("Has does not touch counters", func(t *testing.T) {
		clock.Freeze(clock.Now())
		defer clock.Unfreeze()

		cache := farmsync.NewCacheStore(farmsync.CacheConfig{})
		defer cache.Close()

		cache.Set("balance:1", 1, time.Second)
		assert.True(t, cache.Has("balance:1"))
		assert.False(t, cache.Has("balance:2"))

		clock.Advance(2 * time.Second)
		assert.False(t, cache.Has("balance:1"))

		stats := cache.Stats()
		assert.Zero(t, stats.Hits)
		assert.Zero(t, stats.Misses)
	})

	t.Run("Invalidate", func(t *testing.T) {
		cache := farmsync.NewCacheStore(farmsync.CacheConfig{})
		defer cache.Close()

		cache.Set("balance:1", 1, time.Minute)
		cache.Invalidate("balance:1")
		cache.Invalidate("balance:1")
		cache.Invalidate("never-set")

		_, ok := cache.Get("balance:1")
		assert.False(t, ok)
		assert.Zero(t, cache.Size())
	})

	t.Run("Invalidate pattern", func(t *testing.T) {
		cache := farmsync.NewCacheStore(farmsync.CacheConfig{Shards: 4})
		defer cache.Close()

		for _, key := range []string{"balance:1", "farming:1", "balance:2", "balance:10", "user.1"} {
			cache.Set(key, key, time.Minute)
		}

		for _, test := range []struct {
			name     string
			pattern  string
			removed  int
			remained []string
		}{
			{
				name:     "single character wildcard",
				pattern:  "balance:?",
				removed:  2,
				remained: []string{"farming:1", "balance:10", "user.1"},
			},
			{
				name:     "anchored at both ends",
				pattern:  "*:1",
				removed:  1,
				remained: []string{"balance:10", "user.1"},
			},
			{
				name:     "regexp characters are literal",
				pattern:  "user.*",
				removed:  1,
				remained: []string{"balance:10"},
			},
			{
				name:     "no match",
				pattern:  "wallet:*",
				removed:  0,
				remained: []string{"balance:10"},
			},
		} {
			t.Run(test.name, func(t *testing.T) {
				assert.Equal(t, test.removed, cache.InvalidatePattern(test.pattern))
				assert.Equal(t, int64(len(test.remained)), cache.Size())
				for _, key := range test.remained {
					assert.True(t, cache.Has(key), key)
				}
			})
		}
	})

	t.Run("User pattern", func(t *testing.T) {
		cache := farmsync.NewCacheStore(farmsync.CacheConfig{})
		defer cache.Close()

		cache.Set(farmsync.BalanceKey(7), 1, time.Minute)
		cache.Set(farmsync.FarmingKey(7), 1, time.Minute)
		cache.Set(farmsync.BalanceKey(77), 1, time.Minute)

		assert.Equal(t, 2, cache.InvalidatePattern(farmsync.UserPattern(7)))
		assert.True(t, cache.Has(farmsync.BalanceKey(77)))
	})

	t.Run("Evicts oldest when full", func(t *testing.T) {
		clock.Freeze(clock.Now())
		defer clock.Unfreeze()

		cache := farmsync.NewCacheStore(farmsync.CacheConfig{MaxSize: 20})
		defer cache.Close()

		for i := 0; i < 20; i++ {
			cache.Set("key:"+strconv.Itoa(i), i, time.Hour)
			clock.Advance(time.Millisecond)
		}
		require.Equal(t, int64(20), cache.Size())

		// Overwriting an existing key never evicts
		cache.Set("key:19", 19, time.Hour)
		assert.Equal(t, int64(20), cache.Size())

		cache.Set("key:20", 20, time.Hour)
		assert.Equal(t, int64(19), cache.Size())
		assert.False(t, cache.Has("key:0"))
		assert.False(t, cache.Has("key:1"))
		assert.True(t, cache.Has("key:2"))
		assert.True(t, cache.Has("key:20"))
		assert.Equal(t, int64(2), cache.Stats().Evictions)
	})

	t.Run("Clear", func(t *testing.T) {
		cache := farmsync.NewCacheStore(farmsync.CacheConfig{Shards: 3})
		defer cache.Close()

		for i := 0; i < 100; i++ {
			cache.Set("key:"+strconv.Itoa(i), i, time.Hour)
		}
		require.Equal(t, int64(100), cache.Size())

		cache.Clear()
		assert.Zero(t, cache.Size())
		_, ok := cache.Get("key:1")
		assert.False(t, ok)
	})

	t.Run("Stats", func(t *testing.T) {
		cache := farmsync.NewCacheStore(farmsync.CacheConfig{})
		defer cache.Close()

		assert.Zero(t, cache.Stats().HitRate)

		cache.Set("balance:1", 1, time.Minute)
		cache.Get("balance:1")
		cache.Get("balance:1")
		cache.Get("balance:1")
		cache.Get("balance:2")
		cache.RecordFallbackUsed()
		cache.RecordStaleFallbackRejected()
		cache.RecordStaleFallbackRejected()

		assert.Equal(t, farmsync.CacheStats{
			Hits:                  3,
			Misses:                1,
			FallbackUsed:          1,
			StaleFallbackRejected: 2,
			Size:                  1,
			HitRate:               0.75,
		}, cache.Stats())
	})

	t.Run("Concurrent access", func(t *testing.T) {
		const iterations = 1000
		const concurrency = 50

		cache := farmsync.NewCacheStore(farmsync.CacheConfig{Shards: 8})
		defer cache.Close()

		var wg sync.WaitGroup
		for w := 0; w < concurrency; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < iterations; i++ {
					key := fmt.Sprintf("balance:%d", i%100)
					cache.Set(key, w, time.Minute)
					_, ok := cache.Get(key)
					assert.True(t, ok)
				}
			}(w)
		}
		wg.Wait()

		assert.Equal(t, int64(100), cache.Size())
		assert.Equal(t, int64(iterations*concurrency), cache.Stats().Hits)
	})
}

func TestCacheCollector(t *testing.T) {
	cache := farmsync.NewCacheStore(farmsync.CacheConfig{})
	defer cache.Close()

	collector := farmsync.NewCacheCollector()
	collector.AddCache(cache)

	cache.Set("balance:1", 1, time.Minute)
	cache.Get("balance:1")
	cache.Get("balance:2")
	cache.RecordFallbackUsed()

	assert.Equal(t, 7, testutil.CollectAndCount(collector))

	expected := `
# HELP farmsync_cache_access_count Cache access counts.  Label "type" = hit|miss|expired.
# TYPE farmsync_cache_access_count counter
farmsync_cache_access_count{type="expired"} 0
farmsync_cache_access_count{type="hit"} 1
farmsync_cache_access_count{type="miss"} 1
# HELP farmsync_cache_fallback_count Stale fallback decisions.  Label "type" = used|rejected.
# TYPE farmsync_cache_fallback_count counter
farmsync_cache_fallback_count{type="rejected"} 0
farmsync_cache_fallback_count{type="used"} 1
# HELP farmsync_cache_size The number of entries currently held in the cache.
# TYPE farmsync_cache_size gauge
farmsync_cache_size 1
`
	err := testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"farmsync_cache_access_count", "farmsync_cache_fallback_count", "farmsync_cache_size")
	assert.NoError(t, err)
}
