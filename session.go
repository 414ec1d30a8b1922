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
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type SessionConfig struct {
	// Where balances come from. Required.
	Fetcher Fetcher

	Cache       CacheConfig
	Coordinator CoordinatorConfig

	BalanceTTL     time.Duration
	FarmingTTL     time.Duration
	FallbackMaxAge time.Duration

	// How often attached users are refreshed in the background.
	AutoRefreshInterval time.Duration
	DisableAutoRefresh  bool

	// When set every attached user also gets a push subscription.
	PushURL    string
	PushToken  string
	PushDialer *websocket.Dialer

	// Called whenever a balance changes.
	OnChange func(Balance)

	Logger logrus.FieldLogger
}

func (c *SessionConfig) SetDefaults() {
	setter.SetDefault(&c.AutoRefreshInterval, 2*time.Minute)
	setter.SetDefault(&c.Logger, logrus.WithField("category", "session"))
	setter.SetDefault(&c.Cache.Logger, c.Logger.WithField("category", "cache"))
	setter.SetDefault(&c.Coordinator.Logger, c.Logger.WithField("category", "coordinator"))
}

// Session owns the cache, the coordinator and the balance service used by
// one client process. Nothing is shared between sessions.
type Session struct {
	Cache       *CacheStore
	Coordinator *UpdateCoordinator
	Balances    *BalanceService

	conf   SessionConfig
	log    logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc
	wg     syncutil.WaitGroup

	mu       sync.Mutex
	attached map[int64]*attachment
	closed   bool
}

type attachment struct {
	refresher *AutoRefresher
	push      *PushListener
}

func NewSession(conf SessionConfig) (*Session, error) {
	conf.SetDefaults()

	cache := NewCacheStore(conf.Cache)
	balances, err := NewBalanceService(BalanceConfig{
		Fetcher:        conf.Fetcher,
		Cache:          cache,
		BalanceTTL:     conf.BalanceTTL,
		FarmingTTL:     conf.FarmingTTL,
		FallbackMaxAge: conf.FallbackMaxAge,
		OnChange:       conf.OnChange,
		Logger:         conf.Logger.WithField("category", "balance"),
	})
	if err != nil {
		cache.Close()
		return nil, errors.Wrap(err, "while creating balance service")
	}

	s := &Session{
		Cache:       cache,
		Coordinator: NewUpdateCoordinator(conf.Coordinator),
		Balances:    balances,
		conf:        conf,
		log:         conf.Logger,
		attached:    make(map[int64]*attachment),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Attach starts tracking `userID`: the refresh callback is registered and
// the background triggers are started. Attaching an attached user is a no-op.
func (s *Session) Attach(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("session is closed")
	}
	if _, ok := s.attached[userID]; ok {
		return nil
	}

	s.Coordinator.RegisterUpdateCallback(userID, s.Balances.UpdateFunc(userID))

	a := &attachment{}
	if s.conf.PushURL != "" {
		push, err := NewPushListener(PushListenerConfig{
			URL:     s.conf.PushURL,
			Token:   s.conf.PushToken,
			UserID:  userID,
			Handler: s.HandlePush,
			Dialer:  s.conf.PushDialer,
			Logger:  s.log.WithField("category", "push"),
		})
		if err != nil {
			s.Coordinator.UnregisterUpdateCallback(userID)
			return errors.Wrap(err, "while creating push listener")
		}
		push.Start()
		a.push = push
	}
	if !s.conf.DisableAutoRefresh {
		a.refresher = NewAutoRefresher(s.Coordinator, userID, s.conf.AutoRefreshInterval, s.log)
	}
	s.attached[userID] = a

	s.log.WithField("user_id", userID).Info("user attached")
	return nil
}

// Detach stops tracking `userID` and drops everything known about it.
func (s *Session) Detach(userID int64) {
	s.mu.Lock()
	a, ok := s.attached[userID]
	delete(s.attached, userID)
	s.mu.Unlock()

	if !ok {
		return
	}
	s.detach(userID, a)
	s.log.WithField("user_id", userID).Info("user detached")
}

func (s *Session) detach(userID int64, a *attachment) {
	if a.refresher != nil {
		a.refresher.Stop()
	}
	if a.push != nil {
		a.push.Stop()
	}
	s.Coordinator.UnregisterUpdateCallback(userID)
	s.Balances.InvalidateUser(userID)
	s.Balances.Forget(userID)
}

func (s *Session) Attached() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.attached))
	for id := range s.attached {
		ids = append(ids, id)
	}
	return ids
}

// Refresh asks the coordinator for an update of `userID`.
func (s *Session) Refresh(ctx context.Context, userID int64, source string, forceRefresh bool) UpdateResult {
	return s.Coordinator.RequestUpdate(ctx, userID, source, forceRefresh)
}

// RefreshNow runs the update of `userID` immediately, skipping debounce and throttling.
func (s *Session) RefreshNow(ctx context.Context, userID int64, source string) UpdateResult {
	return s.Coordinator.ForceUpdate(ctx, userID, source)
}

// HandlePush applies a balance pushed by the backend and schedules a forced
// refresh. The refresh runs in the background so the caller is never held
// for the debounce delay.
func (s *Session) HandlePush(_ context.Context, msg PushMessage) {
	if msg.Type != PushTypeBalance {
		return
	}
	if d := msg.BalanceData; d != nil {
		if d.UNIBalance != nil {
			s.Balances.ApplyUNI(msg.UserID, *d.UNIBalance)
		}
		if d.TONBalance != nil {
			s.Balances.ApplyTON(msg.UserID, *d.TONBalance)
		}
	}

	s.wg.Go(func() {
		r := s.Coordinator.RequestUpdate(s.ctx, msg.UserID, SourceWebSocket, true)
		s.log.WithField("user_id", msg.UserID).
			WithField("outcome", r.Outcome.String()).
			Debug("push refresh")
	})
}

// Close detaches every user, waits for background refreshes and empties the cache.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	attached := s.attached
	s.attached = make(map[int64]*attachment)
	s.mu.Unlock()

	s.cancel()
	for id, a := range attached {
		s.detach(id, a)
	}
	s.wg.Wait()
	return s.Cache.Close()
}
