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
	"context"
	"testing"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/unifarm/farmsync"
)

func newBalanceService(t *testing.T, fetcher farmsync.Fetcher, onChange func(farmsync.Balance)) (*farmsync.BalanceService, *farmsync.CacheStore) {
	cache := farmsync.NewCacheStore(farmsync.CacheConfig{})
	t.Cleanup(func() { cache.Close() })

	svc, err := farmsync.NewBalanceService(farmsync.BalanceConfig{
		Fetcher:  fetcher,
		Cache:    cache,
		OnChange: onChange,
	})
	require.NoError(t, err)
	return svc, cache
}

func TestNewBalanceServiceValidation(t *testing.T) {
	cache := farmsync.NewCacheStore(farmsync.CacheConfig{})
	defer cache.Close()

	_, err := farmsync.NewBalanceService(farmsync.BalanceConfig{Cache: cache})
	assert.EqualError(t, err, "BalanceConfig.Fetcher is required")

	_, err = farmsync.NewBalanceService(farmsync.BalanceConfig{Fetcher: &MockFetcher{}})
	assert.EqualError(t, err, "BalanceConfig.Cache is required")
}

func TestGetBalance(t *testing.T) {
	// Registered before the cache cleanup so the scheduler stops first
	clock.Freeze(clock.Now())
	t.Cleanup(clock.Unfreeze)

	fetcher := &MockFetcher{}
	svc, cache := newBalanceService(t, fetcher, nil)

	b := farmsync.Balance{UserID: 1, UNI: 1000.5, TON: 2.25, FetchedAt: clock.Now()}
	fetcher.On("FetchBalance", mock.Anything, int64(1)).Return(b, nil)

	t.Run("Served from cache", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			got, err := svc.GetBalance(context.Background(), 1, false)
			require.NoError(t, err)
			assert.Equal(t, b, got)
		}
		fetcher.AssertNumberOfCalls(t, "FetchBalance", 1)
		assert.Equal(t, int64(2), cache.Stats().Hits)
	})

	t.Run("Force refresh", func(t *testing.T) {
		_, err := svc.GetBalance(context.Background(), 1, true)
		require.NoError(t, err)
		fetcher.AssertNumberOfCalls(t, "FetchBalance", 2)
	})

	t.Run("Refetched once stale", func(t *testing.T) {
		clock.Advance(31 * time.Second)
		_, err := svc.GetBalance(context.Background(), 1, false)
		require.NoError(t, err)
		fetcher.AssertNumberOfCalls(t, "FetchBalance", 3)
	})
}

func TestBalanceFallback(t *testing.T) {
	// Registered before the cache cleanup so the scheduler stops first
	clock.Freeze(clock.Now())
	t.Cleanup(clock.Unfreeze)

	fetcher := &MockFetcher{}
	svc, cache := newBalanceService(t, fetcher, nil)

	good := farmsync.Balance{UserID: 1, UNI: 10, TON: 1, FetchedAt: clock.Now()}
	fetcher.On("FetchBalance", mock.Anything, int64(1)).Return(good, nil).Once()
	fetcher.On("FetchBalance", mock.Anything, int64(1)).Return(farmsync.Balance{}, errors.New("503 from api"))

	_, err := svc.GetBalance(context.Background(), 1, false)
	require.NoError(t, err)

	t.Run("Last known balance served", func(t *testing.T) {
		clock.Advance(time.Minute)
		got, err := svc.GetBalance(context.Background(), 1, false)
		require.NoError(t, err)
		assert.True(t, got.Stale)
		assert.Equal(t, good.UNI, got.UNI)
		assert.Equal(t, int64(1), cache.Stats().FallbackUsed)
	})

	t.Run("Too old to serve", func(t *testing.T) {
		clock.Advance(10 * time.Minute)
		_, err := svc.GetBalance(context.Background(), 1, false)
		require.Error(t, err)
		assert.Equal(t, "503 from api", err.Error())

		stats := cache.Stats()
		assert.Equal(t, int64(1), stats.FallbackUsed)
		assert.Equal(t, int64(1), stats.StaleFallbackRejected)
	})
}

func TestBalanceNoFallback(t *testing.T) {
	fetcher := &MockFetcher{}
	svc, cache := newBalanceService(t, fetcher, nil)

	fetcher.On("FetchBalance", mock.Anything, int64(5)).
		Return(farmsync.Balance{}, errors.Wrap(farmsync.ErrUserNotFound, "user 5"))

	_, err := svc.GetBalance(context.Background(), 5, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, farmsync.ErrUserNotFound))

	stats := cache.Stats()
	assert.Zero(t, stats.FallbackUsed)
	assert.Zero(t, stats.StaleFallbackRejected)
}

func TestBalanceForget(t *testing.T) {
	fetcher := &MockFetcher{}
	svc, _ := newBalanceService(t, fetcher, nil)

	fetcher.On("FetchBalance", mock.Anything, int64(1)).Return(farmsync.Balance{UserID: 1, FetchedAt: clock.Now()}, nil).Once()
	fetcher.On("FetchBalance", mock.Anything, int64(1)).Return(farmsync.Balance{}, errors.New("down"))

	_, err := svc.GetBalance(context.Background(), 1, false)
	require.NoError(t, err)

	svc.Forget(1)
	_, err = svc.GetBalance(context.Background(), 1, true)
	assert.EqualError(t, err, "down")
}

func TestGetFarmingStatus(t *testing.T) {
	fetcher := &MockFetcher{}
	svc, cache := newBalanceService(t, fetcher, nil)

	fs := farmsync.FarmingStatus{UserID: 3, UNIFarmingActive: true, UNIDepositAmount: 500, UNIFarmingRate: 0.01}
	fetcher.On("FetchFarmingStatus", mock.Anything, int64(3)).Return(fs, nil)

	got, err := svc.GetFarmingStatus(context.Background(), 3, false)
	require.NoError(t, err)
	assert.Equal(t, fs, got)

	got, err = svc.GetFarmingStatus(context.Background(), 3, false)
	require.NoError(t, err)
	assert.Equal(t, fs, got)
	fetcher.AssertNumberOfCalls(t, "FetchFarmingStatus", 1)

	entry, ok := cache.GetEntry(farmsync.FarmingKey(3))
	require.True(t, ok)
	assert.Equal(t, time.Minute, entry.TTL)
}

func TestBalanceUpdateFunc(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		fetcher := &MockFetcher{}
		var changes []farmsync.Balance
		svc, cache := newBalanceService(t, fetcher, func(b farmsync.Balance) { changes = append(changes, b) })

		fetcher.On("FetchBalance", mock.Anything, int64(1)).Return(farmsync.Balance{UserID: 1, UNI: 3, FetchedAt: clock.Now()}, nil)
		fetcher.On("FetchFarmingStatus", mock.Anything, int64(1)).Return(farmsync.FarmingStatus{UserID: 1}, nil)

		require.NoError(t, svc.UpdateFunc(1)(context.Background(), true))
		assert.True(t, cache.Has(farmsync.BalanceKey(1)))
		assert.True(t, cache.Has(farmsync.FarmingKey(1)))
		require.Len(t, changes, 1)
		assert.Equal(t, 3.0, changes[0].UNI)
		fetcher.AssertExpectations(t)
	})

	t.Run("Fallback counts as failure", func(t *testing.T) {
		fetcher := &MockFetcher{}
		svc, _ := newBalanceService(t, fetcher, nil)

		fetcher.On("FetchBalance", mock.Anything, int64(1)).Return(farmsync.Balance{UserID: 1, FetchedAt: clock.Now()}, nil).Once()
		fetcher.On("FetchBalance", mock.Anything, int64(1)).Return(farmsync.Balance{}, errors.New("down"))
		fetcher.On("FetchFarmingStatus", mock.Anything, int64(1)).Return(farmsync.FarmingStatus{UserID: 1}, nil)

		update := svc.UpdateFunc(1)
		require.NoError(t, update(context.Background(), true))

		err := update(context.Background(), true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "served from fallback")
	})

	t.Run("Farming failure", func(t *testing.T) {
		fetcher := &MockFetcher{}
		svc, _ := newBalanceService(t, fetcher, nil)

		fetcher.On("FetchBalance", mock.Anything, int64(1)).Return(farmsync.Balance{UserID: 1, FetchedAt: clock.Now()}, nil)
		fetcher.On("FetchFarmingStatus", mock.Anything, int64(1)).Return(farmsync.FarmingStatus{}, errors.New("timeout"))

		err := svc.UpdateFunc(1)(context.Background(), false)
		require.Error(t, err)
		assert.Equal(t, "while refreshing farming status: timeout", err.Error())
	})
}

func TestApplyPartialBalance(t *testing.T) {
	fetcher := &MockFetcher{}
	var changes int
	svc, cache := newBalanceService(t, fetcher, func(farmsync.Balance) { changes++ })

	// Nothing cached, nothing to apply to
	assert.False(t, svc.ApplyUNI(1, 50))
	assert.False(t, svc.ApplyTON(1, 5))
	assert.Zero(t, changes)

	fetcher.On("FetchBalance", mock.Anything, int64(1)).Return(farmsync.Balance{UserID: 1, UNI: 10, TON: 1, FetchedAt: clock.Now()}, nil)
	_, err := svc.GetBalance(context.Background(), 1, false)
	require.NoError(t, err)

	assert.True(t, svc.ApplyUNI(1, 50))
	assert.True(t, svc.ApplyTON(1, 5.5))
	assert.Equal(t, 3, changes)

	v, ok := cache.Get(farmsync.BalanceKey(1))
	require.True(t, ok)
	b := v.(farmsync.Balance)
	assert.Equal(t, 50.0, b.UNI)
	assert.Equal(t, 5.5, b.TON)
	fetcher.AssertNumberOfCalls(t, "FetchBalance", 1)
}

func TestInvalidateUser(t *testing.T) {
	fetcher := &MockFetcher{}
	svc, cache := newBalanceService(t, fetcher, nil)

	cache.Set(farmsync.BalanceKey(9), farmsync.Balance{UserID: 9}, time.Minute)
	cache.Set(farmsync.FarmingKey(9), farmsync.FarmingStatus{UserID: 9}, time.Minute)
	cache.Set(farmsync.BalanceKey(90), farmsync.Balance{UserID: 90}, time.Minute)

	assert.Equal(t, 2, svc.InvalidateUser(9))
	assert.True(t, cache.Has(farmsync.BalanceKey(90)))
}
