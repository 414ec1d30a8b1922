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
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Message types spoken on the backend WebSocket.
const (
	PushTypeConnected  = "connection_established"
	PushTypeSubscribe  = "subscribe"
	PushTypeSubscribed = "subscription_confirmed"
	PushTypeBalance    = "balance_update"
	PushTypePing       = "ping"
	PushTypePong       = "pong"
)

type PushBalanceData struct {
	UNIBalance *float64 `json:"uniBalance,omitempty"`
	TONBalance *float64 `json:"tonBalance,omitempty"`
}

type PushMessage struct {
	Type        string           `json:"type"`
	UserID      int64            `json:"userId,omitempty"`
	BalanceData *PushBalanceData `json:"balanceData,omitempty"`
	Timestamp   string           `json:"timestamp,omitempty"`
}

// PushHandler receives every balance_update addressed to the subscribed user.
type PushHandler func(ctx context.Context, msg PushMessage)

type PushListenerConfig struct {
	// WebSocket endpoint of the backend, e.g. wss://app.unifarm.io/ws
	URL string

	// Optional bearer token sent during the handshake.
	Token string

	// User to subscribe for.
	UserID int64

	Handler PushHandler

	// Reconnect backoff bounds.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	Dialer *websocket.Dialer
	Logger logrus.FieldLogger
}

func (c *PushListenerConfig) SetDefaults() {
	setter.SetDefault(&c.MinBackoff, time.Second)
	setter.SetDefault(&c.MaxBackoff, 30*time.Second)
	setter.SetDefault(&c.Dialer, websocket.DefaultDialer)
	setter.SetDefault(&c.Logger, logrus.WithField("category", "push"))
}

// PushListener keeps a WebSocket subscription to the backend open for one
// user and hands every balance push to the handler. It reconnects with an
// exponential backoff until stopped.
type PushListener struct {
	conf   PushListenerConfig
	log    logrus.FieldLogger
	wg     syncutil.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewPushListener(conf PushListenerConfig) (*PushListener, error) {
	conf.SetDefaults()

	if conf.URL == "" {
		return nil, errors.New("PushListenerConfig.URL is required")
	}
	if conf.Handler == nil {
		return nil, errors.New("PushListenerConfig.Handler is required")
	}

	l := &PushListener{
		conf: conf,
		log:  conf.Logger.WithField("user_id", conf.UserID),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l, nil
}

func (l *PushListener) Start() {
	backoff := l.conf.MinBackoff

	l.wg.Until(func(done chan struct{}) bool {
		connected, err := l.listen(l.ctx)
		if l.ctx.Err() != nil {
			return false
		}
		if connected {
			backoff = l.conf.MinBackoff
		}
		l.log.WithError(err).
			WithField("retry_in", backoff).
			Warn("push connection lost")

		timer := clock.NewTimer(backoff)
		select {
		case <-timer.C():
		case <-done:
			timer.Stop()
			return false
		}

		backoff *= 2
		if backoff > l.conf.MaxBackoff {
			backoff = l.conf.MaxBackoff
		}
		return true
	})
}

// listen runs one connection until it fails. `connected` reports whether
// the subscription was established at all.
func (l *PushListener) listen(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if l.conf.Token != "" {
		header.Set("Authorization", "Bearer "+l.conf.Token)
	}

	conn, _, err := l.conf.Dialer.DialContext(ctx, l.conf.URL, header)
	if err != nil {
		return false, errors.Wrapf(err, "while dialing '%s'", l.conf.URL)
	}
	defer conn.Close()

	// Unblock ReadJSON() once we are stopped
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := conn.WriteJSON(PushMessage{Type: PushTypeSubscribe, UserID: l.conf.UserID}); err != nil {
		return false, errors.Wrap(err, "while subscribing")
	}

	for {
		var msg PushMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return connected, errors.Wrap(err, "while reading message")
		}

		switch msg.Type {
		case PushTypeConnected:
			l.log.Debug("push connection established")
		case PushTypeSubscribed:
			connected = true
			l.log.Info("subscribed to balance updates")
		case PushTypePing:
			err := conn.WriteJSON(PushMessage{Type: PushTypePong, Timestamp: msg.Timestamp})
			if err != nil {
				return connected, errors.Wrap(err, "while answering ping")
			}
		case PushTypeBalance:
			if msg.UserID != l.conf.UserID {
				continue
			}
			l.conf.Handler(ctx, msg)
		case PushTypePong:
		default:
			l.log.WithField("type", msg.Type).Debug("ignoring unknown push message")
		}
	}
}

func (l *PushListener) Stop() {
	l.cancel()
	l.wg.Stop()
}

// Decode a raw push payload. Exposed for handlers fed from other transports.
func DecodePushMessage(b []byte) (PushMessage, error) {
	var msg PushMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		return msg, errors.Wrap(err, "while decoding push message")
	}
	return msg, nil
}
