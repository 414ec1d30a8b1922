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
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/collections"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/unifarm/farmsync/tracing"
)

// Well known update sources.
const (
	SourceWebSocket = "websocket-update"
	SourceInterval  = "interval-auto"
	SourceUser      = "user-action"
	SourceMutation  = "mutation"
)

// UpdateFunc performs the actual refresh for one user.
type UpdateFunc func(ctx context.Context, forceRefresh bool) error

// ReplacePolicy decides what happens when a request arrives while another
// one is already pending for the same user.
type ReplacePolicy int

const (
	// ReplaceForcedOnly replaces the pending request only when the new one
	// is forced and the pending one is not; anything else is dropped.
	ReplaceForcedOnly ReplacePolicy = iota
	// ReplaceLatest always keeps the most recent request, but never lets a
	// non-forced request replace a forced one.
	ReplaceLatest
)

type Outcome int

const (
	// The callback ran and returned nil.
	Executed Outcome = iota
	// The callback ran and returned an error or panicked.
	Failed
	// Rejected by the minimum interval gate.
	Throttled
	// Another request was already pending and this one lost.
	Dropped
	// Accepted, but replaced, withdrawn or handled by ForceUpdate() before the debounce elapsed.
	Superseded
	// No callback is registered for the user.
	NoCallback
	// The context was cancelled while debouncing.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Executed:
		return "executed"
	case Failed:
		return "failed"
	case Throttled:
		return "throttled"
	case Dropped:
		return "dropped"
	case Superseded:
		return "superseded"
	case NoCallback:
		return "no_callback"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// UpdateRequest is a pending refresh for one user.
type UpdateRequest struct {
	UserID       int64
	Source       string
	Timestamp    time.Time
	ForceRefresh bool
}

// UpdateResult tells the caller what became of its request. The coordinator
// never surfaces callback failures as returned errors; they only show up here.
type UpdateResult struct {
	Outcome      Outcome
	Err          error
	Source       string
	ForceRefresh bool
}

type CoordinatorStats struct {
	Pending         int                 `json:"pending"`
	RegisteredUsers int                 `json:"registered_users"`
	LastUpdates     map[int64]time.Time `json:"last_updates"`
}

type CoordinatorConfig struct {
	// How long an accepted request waits before it executes.
	DebounceDelay time.Duration

	// Minimum time between two executed updates of the same user, unless forced.
	MinInterval time.Duration

	ReplacePolicy ReplacePolicy

	// Optional, receives the outcome of every request.
	Metrics *CoordinatorCollector

	Logger logrus.FieldLogger
}

func (c *CoordinatorConfig) SetDefaults() {
	setter.SetDefault(&c.DebounceDelay, 1500*time.Millisecond)
	setter.SetDefault(&c.MinInterval, 5*time.Second)
	setter.SetDefault(&c.Logger, logrus.WithField("category", "coordinator"))
}

// UpdateCoordinator collapses refresh requests for the same user coming from
// independent triggers into at most one execution per debounce window, and
// rate limits executions to one per MinInterval unless forced.
type UpdateCoordinator struct {
	conf CoordinatorConfig
	log  logrus.FieldLogger

	mu          sync.Mutex
	callbacks   map[int64]UpdateFunc
	pending     map[int64]*UpdateRequest
	lastUpdates map[int64]time.Time

	lastErrs *collections.LRUCache
}

func NewUpdateCoordinator(conf CoordinatorConfig) *UpdateCoordinator {
	conf.SetDefaults()
	return &UpdateCoordinator{
		conf:        conf,
		log:         conf.Logger,
		callbacks:   make(map[int64]UpdateFunc),
		pending:     make(map[int64]*UpdateRequest),
		lastUpdates: make(map[int64]time.Time),
		// One entry per registered user at most, removed on unregister
		lastErrs: collections.NewLRUCache(0),
	}
}

// RegisterUpdateCallback sets the function used to refresh `userID`.
// Registering again replaces the previous callback.
func (uc *UpdateCoordinator) RegisterUpdateCallback(userID int64, fn UpdateFunc) {
	uc.mu.Lock()
	_, replaced := uc.callbacks[userID]
	uc.callbacks[userID] = fn
	uc.mu.Unlock()

	uc.log.WithField("user_id", userID).
		WithField("replaced", replaced).
		Debug("update callback registered")
}

// UnregisterUpdateCallback removes the callback of `userID` together with
// any pending request and the last update time.
func (uc *UpdateCoordinator) UnregisterUpdateCallback(userID int64) {
	uc.mu.Lock()
	delete(uc.callbacks, userID)
	delete(uc.pending, userID)
	delete(uc.lastUpdates, userID)
	uc.lastErrs.Remove(strconv.FormatInt(userID, 10))
	uc.mu.Unlock()

	uc.log.WithField("user_id", userID).Debug("update callback unregistered")
}

// RequestUpdate asks for a refresh of `userID`. It blocks for the debounce
// delay when the request is accepted and returns immediately when it is
// throttled or dropped.
func (uc *UpdateCoordinator) RequestUpdate(ctx context.Context, userID int64, source string, forceRefresh bool) UpdateResult {
	log := uc.log.WithFields(logrus.Fields{
		"user_id": userID,
		"source":  source,
		"force":   forceRefresh,
	})
	result := UpdateResult{Source: source, ForceRefresh: forceRefresh}

	now := clock.Now()
	req := &UpdateRequest{
		UserID:       userID,
		Source:       source,
		Timestamp:    now,
		ForceRefresh: forceRefresh,
	}

	uc.mu.Lock()
	if last, ok := uc.lastUpdates[userID]; ok && !forceRefresh {
		if elapsed := now.Sub(last); elapsed < uc.conf.MinInterval {
			uc.mu.Unlock()
			log.WithField("elapsed", elapsed).Debug("update throttled by minimum interval")
			return uc.finish(result, Throttled, nil)
		}
	}

	if existing, ok := uc.pending[userID]; ok {
		if !uc.replaces(req, existing) {
			uc.mu.Unlock()
			log.WithField("pending_source", existing.Source).Debug("update dropped; another request is pending")
			return uc.finish(result, Dropped, nil)
		}
		log.WithField("pending_source", existing.Source).Debug("pending update replaced")
	}
	uc.pending[userID] = req
	uc.mu.Unlock()

	timer := clock.NewTimer(uc.conf.DebounceDelay)
	select {
	case <-timer.C():
	case <-ctx.Done():
		timer.Stop()
		uc.mu.Lock()
		if uc.pending[userID] == req {
			delete(uc.pending, userID)
		}
		uc.mu.Unlock()
		return uc.finish(result, Cancelled, ctx.Err())
	}

	uc.mu.Lock()
	if uc.pending[userID] != req {
		uc.mu.Unlock()
		log.Debug("update superseded while debouncing")
		return uc.finish(result, Superseded, nil)
	}
	fn, ok := uc.callbacks[userID]
	if !ok {
		delete(uc.pending, userID)
		uc.mu.Unlock()
		log.Warn("no update callback registered")
		return uc.finish(result, NoCallback, nil)
	}
	uc.mu.Unlock()

	err := uc.execute(ctx, req, fn)

	uc.mu.Lock()
	if uc.pending[userID] == req {
		delete(uc.pending, userID)
	}
	if _, ok := uc.callbacks[userID]; ok {
		uc.lastUpdates[userID] = clock.Now()
	}
	uc.mu.Unlock()

	if err != nil {
		return uc.finish(result, Failed, err)
	}
	return uc.finish(result, Executed, nil)
}

// ForceUpdate skips both the minimum interval and the debounce delay. Any
// pending request for the user is discarded and the callback runs right away
// with forceRefresh set.
func (uc *UpdateCoordinator) ForceUpdate(ctx context.Context, userID int64, source string) UpdateResult {
	result := UpdateResult{Source: source, ForceRefresh: true}
	req := &UpdateRequest{
		UserID:       userID,
		Source:       source,
		Timestamp:    clock.Now(),
		ForceRefresh: true,
	}

	uc.mu.Lock()
	delete(uc.pending, userID)
	fn, ok := uc.callbacks[userID]
	uc.mu.Unlock()

	if !ok {
		uc.log.WithField("user_id", userID).
			WithField("source", source).
			Warn("no update callback registered")
		return uc.finish(result, NoCallback, nil)
	}

	err := uc.execute(ctx, req, fn)

	uc.mu.Lock()
	if _, ok := uc.callbacks[userID]; ok {
		uc.lastUpdates[userID] = clock.Now()
	}
	uc.mu.Unlock()

	if err != nil {
		return uc.finish(result, Failed, err)
	}
	return uc.finish(result, Executed, nil)
}

func (uc *UpdateCoordinator) replaces(req, existing *UpdateRequest) bool {
	switch uc.conf.ReplacePolicy {
	case ReplaceLatest:
		return req.ForceRefresh || !existing.ForceRefresh
	default:
		return req.ForceRefresh && !existing.ForceRefresh
	}
}

// execute runs the callback and converts both errors and panics into a
// returned error.
func (uc *UpdateCoordinator) execute(ctx context.Context, req *UpdateRequest, fn UpdateFunc) (err error) {
	ctx, span := tracing.StartNamedSpan(ctx, "UpdateCoordinator.execute",
		attribute.Int64("user.id", req.UserID),
		attribute.String("update.source", req.Source),
		attribute.Bool("update.force", req.ForceRefresh))
	start := clock.Now()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("update callback panic: %v", r)
		}
		if uc.conf.Metrics != nil {
			uc.conf.Metrics.ObserveExecution(req.Source, clock.Since(start), err)
		}
		key := strconv.FormatInt(req.UserID, 10)
		if err == nil {
			uc.lastErrs.Remove(key)
		} else {
			// A user unregistered while its callback ran leaves nothing behind
			uc.mu.Lock()
			if _, ok := uc.callbacks[req.UserID]; ok {
				uc.lastErrs.AddWithTTL(key,
					errors.Wrapf(err, "user %d (%s)", req.UserID, req.Source), clock.Minute*5)
			}
			uc.mu.Unlock()
			uc.log.WithError(err).
				WithField("user_id", req.UserID).
				WithField("source", req.Source).
				Error("update callback failed")
		}
		tracing.EndSpan(span, err)
	}()

	return fn(ctx, req.ForceRefresh)
}

func (uc *UpdateCoordinator) finish(result UpdateResult, outcome Outcome, err error) UpdateResult {
	result.Outcome = outcome
	result.Err = err
	if uc.conf.Metrics != nil {
		uc.conf.Metrics.ObserveRequest(result.Source, outcome)
	}
	return result
}

// LastErrors returns the callback failures seen in the last five minutes,
// at most one per user. A later successful update clears the user's error.
func (uc *UpdateCoordinator) LastErrors() []string {
	var errs []string
	for _, key := range uc.lastErrs.Keys() {
		err, ok := uc.lastErrs.Get(key)
		if ok {
			errs = append(errs, err.(error).Error())
		}
	}
	return errs
}

func (uc *UpdateCoordinator) Stats() CoordinatorStats {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	stats := CoordinatorStats{
		Pending:         len(uc.pending),
		RegisteredUsers: len(uc.callbacks),
		LastUpdates:     make(map[int64]time.Time, len(uc.lastUpdates)),
	}
	for id, t := range uc.lastUpdates {
		stats.LastUpdates[id] = t
	}
	return stats
}
