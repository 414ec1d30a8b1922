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
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/unifarm/farmsync/logging"
)

type DaemonConfig struct {
	// (Optional) The address the HTTP API and metrics listen on
	HTTPListenAddress string

	// (Optional) Base URL of the UniFarm REST API balances are fetched from
	APIURL string
	// (Optional) Bearer token sent to the REST API and the push socket
	APIToken string
	// (Optional) Max outgoing REST calls per second
	FetchRate float64

	// (Optional) Postgres URL; when set balances are read from the database instead of the API
	DatabaseURL string

	// (Optional) Backend WebSocket to subscribe to balance pushes
	WSURL string

	// (Optional) Users attached when the daemon starts
	Users []int64

	DebounceDelay  time.Duration
	MinInterval    time.Duration
	ReplacePolicy  ReplacePolicy
	CacheTTL       time.Duration
	CacheSize      int
	CacheShards    int
	FallbackMaxAge time.Duration
	AutoRefresh    time.Duration

	// (Optional) Extra process metrics to expose, ['os', 'golang']
	MetricFlags MetricFlags

	LogLevel  logging.LogLevelJSON
	LogFormat string

	Logger logrus.FieldLogger
}

func (d *DaemonConfig) SetDefaults() {
	setter.SetDefault(&d.HTTPListenAddress, "localhost:8080")
	setter.SetDefault(&d.FetchRate, 10.0)
	setter.SetDefault(&d.DebounceDelay, 1500*time.Millisecond)
	setter.SetDefault(&d.MinInterval, 5*time.Second)
	setter.SetDefault(&d.CacheTTL, 30*time.Second)
	setter.SetDefault(&d.CacheSize, 10_000)
	setter.SetDefault(&d.CacheShards, 1)
	setter.SetDefault(&d.FallbackMaxAge, 10*time.Minute)
	setter.SetDefault(&d.AutoRefresh, 2*time.Minute)
	setter.SetDefault(&d.LogFormat, "text")
	setter.SetDefault(&d.Logger, logrus.WithField("category", "farmsync"))
}

// SetupDaemonConfig returns a DaemonConfig built from `FARMSYNC_*`
// environment variables. Values found in `configFile` (KEY=value lines,
// `#` comments) are applied to the environment first but never override a
// variable that is already set.
func SetupDaemonConfig(logger *logrus.Logger, configFile io.Reader) (DaemonConfig, error) {
	log := logrus.NewEntry(logger)
	var conf DaemonConfig

	if configFile != nil {
		if err := fromEnvFile(log, configFile); err != nil {
			return conf, err
		}
	}

	var err error
	conf.LogLevel.Level = logrus.InfoLevel
	if lvl := os.Getenv("FARMSYNC_LOG_LEVEL"); lvl != "" {
		if conf.LogLevel.Level, err = logrus.ParseLevel(lvl); err != nil {
			return conf, errors.Wrap(err, "invalid FARMSYNC_LOG_LEVEL")
		}
	}
	setter.SetDefault(&conf.LogFormat, os.Getenv("FARMSYNC_LOG_FORMAT"), "text")
	if err := logging.Setup(logger, conf.LogLevel.Level, conf.LogFormat); err != nil {
		return conf, err
	}
	conf.Logger = logger.WithField("category", "farmsync")

	setter.SetDefault(&conf.HTTPListenAddress, os.Getenv("FARMSYNC_HTTP_ADDRESS"), "localhost:8080")
	setter.SetDefault(&conf.APIURL, os.Getenv("FARMSYNC_API_URL"))
	setter.SetDefault(&conf.APIToken, os.Getenv("FARMSYNC_API_TOKEN"))
	setter.SetDefault(&conf.DatabaseURL, os.Getenv("FARMSYNC_DATABASE_URL"))
	setter.SetDefault(&conf.WSURL, os.Getenv("FARMSYNC_WS_URL"))

	if conf.Users, err = getEnvUsers("FARMSYNC_USERS"); err != nil {
		return conf, err
	}

	if conf.FetchRate, err = getEnvFloat("FARMSYNC_FETCH_RATE"); err != nil {
		return conf, err
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"FARMSYNC_DEBOUNCE", &conf.DebounceDelay},
		{"FARMSYNC_MIN_INTERVAL", &conf.MinInterval},
		{"FARMSYNC_CACHE_TTL", &conf.CacheTTL},
		{"FARMSYNC_FALLBACK_MAX_AGE", &conf.FallbackMaxAge},
		{"FARMSYNC_AUTO_REFRESH", &conf.AutoRefresh},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.name); err != nil {
			return conf, err
		}
	}

	if conf.CacheSize, err = getEnvInteger("FARMSYNC_CACHE_SIZE"); err != nil {
		return conf, err
	}
	if conf.CacheShards, err = getEnvInteger("FARMSYNC_CACHE_SHARDS"); err != nil {
		return conf, err
	}

	switch p := os.Getenv("FARMSYNC_REPLACE_POLICY"); p {
	case "", "forced-only":
		conf.ReplacePolicy = ReplaceForcedOnly
	case "latest":
		conf.ReplacePolicy = ReplaceLatest
	default:
		return conf, errors.Errorf("invalid FARMSYNC_REPLACE_POLICY '%s'; valid options are ['forced-only', 'latest']", p)
	}

	conf.MetricFlags = getEnvMetricFlags(log, "FARMSYNC_METRIC_FLAGS")
	conf.SetDefaults()

	// Unset values were replaced by their defaults, anything left below one is invalid
	if conf.FetchRate <= 0 {
		return conf, errors.Errorf("FARMSYNC_FETCH_RATE must be greater than 0; got '%v'", conf.FetchRate)
	}
	for _, d := range durations {
		if *d.dst <= 0 {
			return conf, errors.Errorf("%s must be greater than 0; got '%s'", d.name, *d.dst)
		}
	}
	if conf.CacheSize <= 0 {
		return conf, errors.Errorf("FARMSYNC_CACHE_SIZE must be greater than 0; got '%d'", conf.CacheSize)
	}
	if conf.CacheShards <= 0 {
		return conf, errors.Errorf("FARMSYNC_CACHE_SHARDS must be greater than 0; got '%d'", conf.CacheShards)
	}

	if conf.APIURL == "" && conf.DatabaseURL == "" {
		return conf, errors.New("one of FARMSYNC_API_URL or FARMSYNC_DATABASE_URL is required")
	}
	if conf.CacheShards > conf.CacheSize {
		return conf, errors.Errorf("FARMSYNC_CACHE_SHARDS (%d) cannot exceed FARMSYNC_CACHE_SIZE (%d)",
			conf.CacheShards, conf.CacheSize)
	}

	if logger.IsLevelEnabled(logrus.DebugLevel) {
		log.WithField("config", conf.redacted()).Debug("daemon config")
	}
	return conf, nil
}

func (d DaemonConfig) redacted() DaemonConfig {
	if d.APIToken != "" {
		d.APIToken = "<redacted>"
	}
	if d.DatabaseURL != "" {
		d.DatabaseURL = "<redacted>"
	}
	d.Logger = nil
	return d
}

func getEnvInteger(name string) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "while parsing '%s' as an integer", name)
	}
	return int(i), nil
}

func getEnvFloat(name string) (float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "while parsing '%s' as a float", name)
	}
	return f, nil
}

func getEnvDuration(name string) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "while parsing '%s' as a duration", name)
	}
	return d, nil
}

func getEnvSlice(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	var result []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			result = append(result, s)
		}
	}
	return result
}

func getEnvUsers(name string) ([]int64, error) {
	var users []int64
	for _, s := range getEnvSlice(name) {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return nil, errors.Errorf("invalid user id '%s' in '%s'", s, name)
		}
		users = append(users, id)
	}
	return users, nil
}

// Take values from a reader in the format `FARMSYNC_CONF_ITEM=my-value` and
// put them into the environment. Variables already set win.
func fromEnvFile(log logrus.FieldLogger, configFile io.Reader) error {
	values, err := godotenv.Parse(configFile)
	if err != nil {
		return errors.Wrap(err, "while parsing config file")
	}

	for k, v := range values {
		if _, ok := os.LookupEnv(k); ok {
			continue
		}
		log.Debugf("config: '%s'", k)
		if err := os.Setenv(k, v); err != nil {
			return errors.Wrapf(err, "while setting environ for '%s'", k)
		}
	}
	return nil
}
