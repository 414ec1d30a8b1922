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
	"fmt"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func BalanceKey(userID int64) string {
	return fmt.Sprintf("balance:%d", userID)
}

func FarmingKey(userID int64) string {
	return fmt.Sprintf("farming:%d", userID)
}

// UserPattern matches every cache key that belongs to `userID`.
func UserPattern(userID int64) string {
	return fmt.Sprintf("*:%d", userID)
}

type BalanceConfig struct {
	Fetcher Fetcher
	Cache   *CacheStore

	BalanceTTL time.Duration
	FarmingTTL time.Duration

	// The oldest last-known balance that may still be served after a failed fetch.
	FallbackMaxAge time.Duration

	// Called after every successful balance fetch or partial update.
	OnChange func(Balance)

	Logger logrus.FieldLogger
}

func (c *BalanceConfig) SetDefaults() {
	setter.SetDefault(&c.BalanceTTL, 30*time.Second)
	setter.SetDefault(&c.FarmingTTL, time.Minute)
	setter.SetDefault(&c.FallbackMaxAge, 10*time.Minute)
	setter.SetDefault(&c.Logger, logrus.WithField("category", "balance"))
}

// BalanceService serves balances and farming status out of the CacheStore
// and refreshes them through the Fetcher. When a refresh fails it may fall
// back to the last balance it fetched successfully.
type BalanceService struct {
	conf  BalanceConfig
	cache *CacheStore
	log   logrus.FieldLogger

	mu        sync.Mutex
	lastKnown map[int64]Balance
}

func NewBalanceService(conf BalanceConfig) (*BalanceService, error) {
	conf.SetDefaults()

	if conf.Fetcher == nil {
		return nil, errors.New("BalanceConfig.Fetcher is required")
	}
	if conf.Cache == nil {
		return nil, errors.New("BalanceConfig.Cache is required")
	}

	return &BalanceService{
		conf:      conf,
		cache:     conf.Cache,
		log:       conf.Logger,
		lastKnown: make(map[int64]Balance),
	}, nil
}

// GetBalance returns the cached balance of `userID` unless it is missing,
// stale or `forceRefresh` is set, in which case it is fetched.
func (s *BalanceService) GetBalance(ctx context.Context, userID int64, forceRefresh bool) (Balance, error) {
	if !forceRefresh {
		if v, ok := s.cache.Get(BalanceKey(userID)); ok {
			return v.(Balance), nil
		}
	}

	b, err := s.conf.Fetcher.FetchBalance(ctx, userID)
	if err != nil {
		return s.fallback(userID, err)
	}

	s.store(b)
	return b, nil
}

func (s *BalanceService) store(b Balance) {
	s.cache.Set(BalanceKey(b.UserID), b, s.conf.BalanceTTL)

	s.mu.Lock()
	s.lastKnown[b.UserID] = b
	s.mu.Unlock()

	if s.conf.OnChange != nil {
		s.conf.OnChange(b)
	}
}

func (s *BalanceService) fallback(userID int64, fetchErr error) (Balance, error) {
	log := s.log.WithError(fetchErr).WithField("user_id", userID)

	s.mu.Lock()
	last, ok := s.lastKnown[userID]
	s.mu.Unlock()

	if !ok {
		log.Warn("balance fetch failed; no fallback available")
		return Balance{}, fetchErr
	}

	age := clock.Since(last.FetchedAt)
	if age > s.conf.FallbackMaxAge {
		s.cache.RecordStaleFallbackRejected()
		log.WithField("age", age).Warn("balance fetch failed; last known balance too old to serve")
		return Balance{}, fetchErr
	}

	s.cache.RecordFallbackUsed()
	log.WithField("age", age).Warn("balance fetch failed; serving last known balance")
	last.Stale = true
	return last, nil
}

// GetFarmingStatus returns the cached farming status of `userID` unless it
// is missing, stale or `forceRefresh` is set.
func (s *BalanceService) GetFarmingStatus(ctx context.Context, userID int64, forceRefresh bool) (FarmingStatus, error) {
	if !forceRefresh {
		if v, ok := s.cache.Get(FarmingKey(userID)); ok {
			return v.(FarmingStatus), nil
		}
	}

	fs, err := s.conf.Fetcher.FetchFarmingStatus(ctx, userID)
	if err != nil {
		return FarmingStatus{}, err
	}
	s.cache.Set(FarmingKey(userID), fs, s.conf.FarmingTTL)
	return fs, nil
}

// UpdateFunc returns the refresh callback of `userID` to register with the
// UpdateCoordinator. A refresh is only successful if the balance is fresh;
// a stale fallback counts as a failure.
func (s *BalanceService) UpdateFunc(userID int64) UpdateFunc {
	return func(ctx context.Context, forceRefresh bool) error {
		b, err := s.GetBalance(ctx, userID, forceRefresh)
		if err != nil {
			return errors.Wrap(err, "while refreshing balance")
		}
		if b.Stale {
			return errors.Errorf("balance of user %d served from fallback", userID)
		}
		if _, err := s.GetFarmingStatus(ctx, userID, forceRefresh); err != nil {
			return errors.Wrap(err, "while refreshing farming status")
		}
		return nil
	}
}

// ApplyUNI overwrites the UNI part of a cached balance. Does nothing if the
// balance of `userID` is not cached.
func (s *BalanceService) ApplyUNI(userID int64, uni float64) bool {
	return s.apply(userID, func(b *Balance) { b.UNI = uni })
}

// ApplyTON overwrites the TON part of a cached balance. Does nothing if the
// balance of `userID` is not cached.
func (s *BalanceService) ApplyTON(userID int64, ton float64) bool {
	return s.apply(userID, func(b *Balance) { b.TON = ton })
}

func (s *BalanceService) apply(userID int64, fn func(*Balance)) bool {
	v, ok := s.cache.Get(BalanceKey(userID))
	if !ok {
		return false
	}
	b := v.(Balance)
	fn(&b)
	b.FetchedAt = clock.Now()
	s.store(b)
	return true
}

// InvalidateUser drops everything cached for `userID`.
func (s *BalanceService) InvalidateUser(userID int64) int {
	return s.cache.InvalidatePattern(UserPattern(userID))
}

// Forget drops the last known balance of `userID`, so it can no longer be
// used as a fallback.
func (s *BalanceService) Forget(userID int64) {
	s.mu.Lock()
	delete(s.lastKnown, userID)
	s.mu.Unlock()
}
