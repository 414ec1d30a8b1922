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
	"container/heap"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/syncutil"
)

// expiryScheduler owns every TTL deadline of a CacheStore. A single goroutine
// sleeps until the earliest deadline instead of one timer per key. Each
// scheduled expiry carries the generation token of the write that created
// it; overwriting or removing the key makes the token stale, which is how
// an expiry gets cancelled.
type expiryScheduler struct {
	mu              sync.Mutex
	queue           expiryQueue
	stale           int
	wake            chan struct{}
	wg              syncutil.WaitGroup
	cleanupInterval time.Duration
	onExpire        func(key string, gen uint64)
	onSweep         func(now time.Time)
	isLive          func(key string, gen uint64) bool
}

// Compaction is not worth it for small queues.
const minCompactQueue = 64

type expiryItem struct {
	key      string
	gen      uint64
	deadline time.Time
}

type expiryQueue []expiryItem

func (q expiryQueue) Len() int            { return len(q) }
func (q expiryQueue) Less(i, j int) bool  { return q[i].deadline.Before(q[j].deadline) }
func (q expiryQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *expiryQueue) Push(x interface{}) { *q = append(*q, x.(expiryItem)) }
func (q *expiryQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func newExpiryScheduler(cleanupInterval time.Duration, onExpire func(string, uint64),
	onSweep func(time.Time), isLive func(string, uint64) bool) *expiryScheduler {
	s := &expiryScheduler{
		wake:            make(chan struct{}, 1),
		cleanupInterval: cleanupInterval,
		onExpire:        onExpire,
		onSweep:         onSweep,
		isLive:          isLive,
	}
	s.run()
	return s
}

func (s *expiryScheduler) schedule(key string, gen uint64, deadline time.Time) {
	s.mu.Lock()
	heap.Push(&s.queue, expiryItem{key: key, gen: gen, deadline: deadline})
	earliest := s.queue[0].gen == gen
	s.mu.Unlock()

	// Only a new head of the queue changes how long the loop should sleep
	if earliest {
		s.signal()
	}
}

func (s *expiryScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// cancel records that `n` queued items were superseded by an overwrite or a
// removal. Once they make up more than half of the queue the loop compacts it.
func (s *expiryScheduler) cancel(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.stale += n
	compact := s.needsCompaction()
	s.mu.Unlock()

	if compact {
		s.signal()
	}
}

// Caller must hold s.mu.
func (s *expiryScheduler) needsCompaction() bool {
	return len(s.queue) >= minCompactQueue && s.stale*2 > len(s.queue)
}

// compact drops every queued item whose write is no longer current.
// isLive() takes shard locks, so it runs without holding s.mu.
func (s *expiryScheduler) compact() {
	s.mu.Lock()
	snapshot := s.queue
	s.queue = nil
	s.stale = 0
	s.mu.Unlock()

	live := snapshot[:0]
	for _, item := range snapshot {
		if s.isLive(item.key, item.gen) {
			live = append(live, item)
		}
	}

	s.mu.Lock()
	s.queue = append(s.queue, live...)
	heap.Init(&s.queue)
	s.mu.Unlock()

	// Writes made while filtering may have queued more stale items
	s.signal()
}

func (s *expiryScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *expiryScheduler) reset() {
	s.mu.Lock()
	s.queue = nil
	s.stale = 0
	s.mu.Unlock()
}

// nextWait returns how long to sleep until just past the earliest deadline,
// capped at the cleanup interval. An entry is still fresh at its deadline.
func (s *expiryScheduler) nextWait(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return s.cleanupInterval
	}
	wait := s.queue[0].deadline.Sub(now) + time.Nanosecond
	if wait > s.cleanupInterval {
		return s.cleanupInterval
	}
	return wait
}

func (s *expiryScheduler) popDue(now time.Time) []expiryItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []expiryItem
	for len(s.queue) != 0 && now.After(s.queue[0].deadline) {
		due = append(due, heap.Pop(&s.queue).(expiryItem))
	}
	return due
}

func (s *expiryScheduler) run() {
	lastSweep := clock.Now()

	s.wg.Until(func(done chan struct{}) bool {
		s.mu.Lock()
		compact := s.needsCompaction()
		s.mu.Unlock()
		if compact {
			s.compact()
		}

		if wait := s.nextWait(clock.Now()); wait > 0 {
			timer := clock.NewTimer(wait)
			select {
			case <-timer.C():
			case <-s.wake:
				timer.Stop()
				return true
			case <-done:
				timer.Stop()
				return false
			}
		}

		now := clock.Now()
		for _, item := range s.popDue(now) {
			s.onExpire(item.key, item.gen)
		}

		if now.Sub(lastSweep) >= s.cleanupInterval {
			s.onSweep(now)
			lastSweep = now
		}
		return true
	})
}

func (s *expiryScheduler) stop() {
	s.wg.Stop()
}
