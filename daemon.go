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
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Daemon struct {
	HTTPListener net.Listener
	Session      *Session

	log          logrus.FieldLogger
	conf         DaemonConfig
	httpSrv      *http.Server
	wg           syncutil.WaitGroup
	promRegister *prometheus.Registry
	fetcher      Fetcher
}

// SpawnDaemon starts a new farmsync daemon according to the provided DaemonConfig.
// This function will block until the daemon responds to connections as specified
// by HTTPListenAddress
func SpawnDaemon(ctx context.Context, conf DaemonConfig) (*Daemon, error) {
	s := Daemon{
		log:  conf.Logger,
		conf: conf,
	}
	setter.SetDefault(&s.log, logrus.WithField("category", "farmsync"))

	if err := s.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return &s, nil
}

func (s *Daemon) Start(ctx context.Context) error {
	var err error
	s.conf.SetDefaults()

	s.fetcher, err = s.newFetcher(ctx)
	if err != nil {
		return err
	}

	s.promRegister = prometheus.NewRegistry()
	coordMetrics := NewCoordinatorCollector()
	s.promRegister.MustRegister(coordMetrics)
	s.conf.MetricFlags.Register(s.promRegister)

	s.Session, err = NewSession(SessionConfig{
		Fetcher: s.fetcher,
		Cache: CacheConfig{
			DefaultTTL: s.conf.CacheTTL,
			MaxSize:    s.conf.CacheSize,
			Shards:     s.conf.CacheShards,
		},
		Coordinator: CoordinatorConfig{
			DebounceDelay: s.conf.DebounceDelay,
			MinInterval:   s.conf.MinInterval,
			ReplacePolicy: s.conf.ReplacePolicy,
			Metrics:       coordMetrics,
		},
		BalanceTTL:          s.conf.CacheTTL,
		FallbackMaxAge:      s.conf.FallbackMaxAge,
		AutoRefreshInterval: s.conf.AutoRefresh,
		PushURL:             s.conf.WSURL,
		PushToken:           s.conf.APIToken,
		Logger:              s.log,
	})
	if err != nil {
		return errors.Wrap(err, "while creating session")
	}

	// The cache collector reads the stats of the session cache on every scrape
	cacheMetrics := NewCacheCollector()
	cacheMetrics.AddCache(s.Session.Cache)
	s.promRegister.MustRegister(cacheMetrics)

	for _, id := range s.conf.Users {
		if err := s.Session.Attach(id); err != nil {
			return errors.Wrapf(err, "while attaching user %d", id)
		}
	}

	s.httpSrv = &http.Server{
		Addr:     s.conf.HTTPListenAddress,
		Handler:  otelhttp.NewHandler(newHTTPHandler(s.Session, s.promRegister, s.log), "HTTP API"),
		ErrorLog: log.New(newLogWriter(s.log), "", 0),
	}

	s.HTTPListener, err = net.Listen("tcp", s.conf.HTTPListenAddress)
	if err != nil {
		return errors.Wrap(err, "while starting HTTP listener")
	}

	s.wg.Go(func() {
		s.log.Infof("HTTP Listening on %s ...", s.HTTPListener.Addr().String())
		if err := s.httpSrv.Serve(s.HTTPListener); err != nil {
			if err != http.ErrServerClosed {
				s.log.WithError(err).Error("while starting HTTP server")
			}
		}
	})

	// Validate we can reach the HTTP endpoint before returning
	return WaitForConnect(ctx, []string{s.HTTPListener.Addr().String()})
}

func (s *Daemon) newFetcher(ctx context.Context) (Fetcher, error) {
	if s.conf.DatabaseURL != "" {
		f, err := NewSQLFetcher(SQLFetcherConfig{
			DatabaseURL: s.conf.DatabaseURL,
			Logger:      s.log.WithField("category", "sql-fetcher"),
		})
		if err != nil {
			return nil, errors.Wrap(err, "while creating sql fetcher")
		}
		if err := f.Ping(ctx); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "while connecting to database")
		}
		return f, nil
	}

	f, err := NewHTTPFetcher(HTTPFetcherConfig{
		BaseURL:   s.conf.APIURL,
		Token:     s.conf.APIToken,
		RateLimit: s.conf.FetchRate,
		Logger:    s.log.WithField("category", "http-fetcher"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "while creating http fetcher")
	}
	return f, nil
}

// Close gracefully closes the HTTP server, detaches every user and releases the fetcher
func (s *Daemon) Close() {
	if s.httpSrv != nil {
		s.log.Infof("HTTP close for %s ...", s.conf.HTTPListenAddress)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.log.WithError(err).Error("during HTTP shutdown")
		}
		cancel()
		s.wg.Stop()
		s.httpSrv = nil
	}

	if s.Session != nil {
		_ = s.Session.Close()
		s.Session = nil
	}

	if c, ok := s.fetcher.(io.Closer); ok {
		_ = c.Close()
	}
	s.fetcher = nil
}

// Config returns the current config for this Daemon
func (s *Daemon) Config() DaemonConfig {
	return s.conf
}

// WaitForConnect returns nil if the list of addresses is listening
// for connections; will block until context is cancelled.
func WaitForConnect(ctx context.Context, addresses []string) error {
	var d net.Dialer
	for {
		var errs []string
		for _, addr := range addresses {
			if addr == "" {
				continue
			}

			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				errs = append(errs, err.Error())
				continue
			}
			conn.Close()
		}

		if len(errs) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), strings.Join(errs, "\n"))
		case <-clock.After(100 * time.Millisecond):
		}
	}
}
