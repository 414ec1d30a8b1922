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
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/unifarm/farmsync/tracing"
)

var ErrUserNotFound = errors.New("user not found")

type Balance struct {
	UserID    int64     `json:"user_id"`
	UNI       float64   `json:"uni_balance"`
	TON       float64   `json:"ton_balance"`
	FetchedAt time.Time `json:"fetched_at"`

	// Set when the balance was served from the last known value after
	// a failed refresh.
	Stale bool `json:"stale,omitempty"`
}

type FarmingStatus struct {
	UserID            int64     `json:"user_id"`
	UNIFarmingActive  bool      `json:"uni_farming_active"`
	UNIDepositAmount  float64   `json:"uni_deposit_amount"`
	UNIFarmingRate    float64   `json:"uni_farming_rate"`
	UNIFarmingBalance float64   `json:"uni_farming_balance"`
	TONBoostActive    bool      `json:"ton_boost_active"`
	TONBoostPackage   int64     `json:"ton_boost_package"`
	TONFarmingRate    float64   `json:"ton_farming_rate"`
	FetchedAt         time.Time `json:"fetched_at"`
}

// Fetcher loads authoritative data for a user from the backend.
type Fetcher interface {
	FetchBalance(ctx context.Context, userID int64) (Balance, error)
	FetchFarmingStatus(ctx context.Context, userID int64) (FarmingStatus, error)
}

type HTTPFetcherConfig struct {
	// Base URL of the UniFarm API, for example https://app.unifarm.io
	BaseURL string

	// Optional bearer token sent with every request.
	Token string

	// Timeout of a single request.
	Timeout time.Duration

	// Maximum outgoing requests per second across all users, and the burst above it.
	RateLimit float64
	Burst     int

	Client *http.Client
	Logger logrus.FieldLogger
}

func (c *HTTPFetcherConfig) SetDefaults() {
	setter.SetDefault(&c.Timeout, 10*time.Second)
	setter.SetDefault(&c.RateLimit, 10.0)
	setter.SetDefault(&c.Burst, 5)
	setter.SetDefault(&c.Client, &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)})
	setter.SetDefault(&c.Logger, logrus.WithField("category", "fetcher"))
}

var _ Fetcher = &HTTPFetcher{}

// HTTPFetcher reads balances and farming status from the UniFarm REST API.
type HTTPFetcher struct {
	conf    HTTPFetcherConfig
	baseURL *url.URL
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

// apiResponse is the envelope every /api/v2 endpoint replies with.
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type apiBalance struct {
	UNIBalance float64 `json:"uniBalance"`
	TONBalance float64 `json:"tonBalance"`
}

type apiFarmingStatus struct {
	UNIFarmingActive  bool    `json:"uni_farming_active"`
	UNIDepositAmount  float64 `json:"uni_deposit_amount"`
	UNIFarmingRate    float64 `json:"uni_farming_rate"`
	UNIFarmingBalance float64 `json:"uni_farming_balance"`
	TONBoostActive    bool    `json:"ton_boost_active"`
	TONBoostPackage   int64   `json:"ton_boost_package"`
	TONFarmingRate    float64 `json:"ton_farming_rate"`
}

func NewHTTPFetcher(conf HTTPFetcherConfig) (*HTTPFetcher, error) {
	conf.SetDefaults()

	if conf.BaseURL == "" {
		return nil, errors.New("HTTPFetcherConfig.BaseURL is required")
	}
	u, err := url.Parse(strings.TrimSuffix(conf.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "while parsing base url '%s'", conf.BaseURL)
	}

	return &HTTPFetcher{
		conf:    conf,
		baseURL: u,
		limiter: rate.NewLimiter(rate.Limit(conf.RateLimit), conf.Burst),
		log:     conf.Logger,
	}, nil
}

func (f *HTTPFetcher) FetchBalance(ctx context.Context, userID int64) (Balance, error) {
	var body apiBalance
	if err := f.get(ctx, "/api/v2/wallet/balance", userID, &body); err != nil {
		return Balance{}, err
	}
	return Balance{
		UserID:    userID,
		UNI:       body.UNIBalance,
		TON:       body.TONBalance,
		FetchedAt: clock.Now(),
	}, nil
}

func (f *HTTPFetcher) FetchFarmingStatus(ctx context.Context, userID int64) (FarmingStatus, error) {
	var body apiFarmingStatus
	if err := f.get(ctx, "/api/v2/uni-farming/status", userID, &body); err != nil {
		return FarmingStatus{}, err
	}
	return FarmingStatus{
		UserID:            userID,
		UNIFarmingActive:  body.UNIFarmingActive,
		UNIDepositAmount:  body.UNIDepositAmount,
		UNIFarmingRate:    body.UNIFarmingRate,
		UNIFarmingBalance: body.UNIFarmingBalance,
		TONBoostActive:    body.TONBoostActive,
		TONBoostPackage:   body.TONBoostPackage,
		TONFarmingRate:    body.TONFarmingRate,
		FetchedAt:         clock.Now(),
	}, nil
}

func (f *HTTPFetcher) get(ctx context.Context, path string, userID int64, out interface{}) (err error) {
	ctx, span := tracing.StartSpan(ctx)
	defer func() { tracing.EndSpan(span, err) }()

	if err := f.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "while waiting for rate limiter")
	}

	ctx, cancel := context.WithTimeout(ctx, f.conf.Timeout)
	defer cancel()

	u := *f.baseURL
	u.Path = u.Path + path
	u.RawQuery = url.Values{"user_id": []string{strconv.FormatInt(userID, 10)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "while creating request")
	}
	req.Header.Set("Accept", "application/json")
	if f.conf.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.conf.Token)
	}

	resp, err := f.conf.Client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "while requesting '%s'", path)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "while reading response from '%s'", path)
	}

	if resp.StatusCode == http.StatusNotFound {
		return errors.Wrapf(ErrUserNotFound, "user %d", userID)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("'%s' returned status %d: %s", path, resp.StatusCode, truncate(payload, 200))
	}

	var envelope apiResponse
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return errors.Wrapf(err, "while decoding response from '%s'", path)
	}
	if !envelope.Success {
		return errors.Errorf("'%s' failed: %s", path, envelope.Error)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return errors.Wrapf(err, "while decoding data from '%s'", path)
	}

	f.log.WithField("user_id", userID).WithField("path", path).Debug("fetched")
	return nil
}

func truncate(b []byte, max int) string {
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
