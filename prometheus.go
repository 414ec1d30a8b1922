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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var _ prometheus.Collector = &CacheCollector{}
var _ prometheus.Collector = &CoordinatorCollector{}

// CacheCollector exports the counters of one or more CacheStores.
// Values are read from CacheStore.Stats() on every scrape.
type CacheCollector struct {
	caches []*CacheStore

	sizeDesc      *prometheus.Desc
	accessDesc    *prometheus.Desc
	evictionsDesc *prometheus.Desc
	fallbackDesc  *prometheus.Desc
}

func NewCacheCollector() *CacheCollector {
	return &CacheCollector{
		sizeDesc: prometheus.NewDesc("farmsync_cache_size",
			"The number of entries currently held in the cache.", nil, nil),
		accessDesc: prometheus.NewDesc("farmsync_cache_access_count",
			"Cache access counts.  Label \"type\" = hit|miss|expired.", []string{"type"}, nil),
		evictionsDesc: prometheus.NewDesc("farmsync_cache_evictions_count",
			"Entries evicted because the cache was full.", nil, nil),
		fallbackDesc: prometheus.NewDesc("farmsync_cache_fallback_count",
			"Stale fallback decisions.  Label \"type\" = used|rejected.", []string{"type"}, nil),
	}
}

// AddCache adds a CacheStore to be tracked by the collector.
func (cc *CacheCollector) AddCache(cache *CacheStore) {
	cc.caches = append(cc.caches, cache)
}

func (cc *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cc.sizeDesc
	ch <- cc.accessDesc
	ch <- cc.evictionsDesc
	ch <- cc.fallbackDesc
}

func (cc *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	var total CacheStats
	for _, c := range cc.caches {
		s := c.Stats()
		total.Size += s.Size
		total.Hits += s.Hits
		total.Misses += s.Misses
		total.Expired += s.Expired
		total.Evictions += s.Evictions
		total.FallbackUsed += s.FallbackUsed
		total.StaleFallbackRejected += s.StaleFallbackRejected
	}

	ch <- prometheus.MustNewConstMetric(cc.sizeDesc, prometheus.GaugeValue, float64(total.Size))
	ch <- prometheus.MustNewConstMetric(cc.accessDesc, prometheus.CounterValue, float64(total.Hits), "hit")
	ch <- prometheus.MustNewConstMetric(cc.accessDesc, prometheus.CounterValue, float64(total.Misses), "miss")
	ch <- prometheus.MustNewConstMetric(cc.accessDesc, prometheus.CounterValue, float64(total.Expired), "expired")
	ch <- prometheus.MustNewConstMetric(cc.evictionsDesc, prometheus.CounterValue, float64(total.Evictions))
	ch <- prometheus.MustNewConstMetric(cc.fallbackDesc, prometheus.CounterValue, float64(total.FallbackUsed), "used")
	ch <- prometheus.MustNewConstMetric(cc.fallbackDesc, prometheus.CounterValue, float64(total.StaleFallbackRejected), "rejected")
}

// CoordinatorCollector counts request outcomes and callback durations
// of an UpdateCoordinator.
type CoordinatorCollector struct {
	requestCount     *prometheus.CounterVec
	callbackDuration *prometheus.HistogramVec
}

func NewCoordinatorCollector() *CoordinatorCollector {
	return &CoordinatorCollector{
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farmsync_update_request_count",
			Help: "Update requests by source and outcome.",
		}, []string{"source", "outcome"}),
		callbackDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "farmsync_update_callback_duration_milliseconds",
			Help:    "Update callback durations in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"source", "status"}),
	}
}

func (c *CoordinatorCollector) ObserveRequest(source string, outcome Outcome) {
	c.requestCount.With(prometheus.Labels{"source": source, "outcome": outcome.String()}).Inc()
}

func (c *CoordinatorCollector) ObserveExecution(source string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	c.callbackDuration.With(prometheus.Labels{"source": source, "status": status}).
		Observe(float64(d) / float64(time.Millisecond))
}

func (c *CoordinatorCollector) Describe(ch chan<- *prometheus.Desc) {
	c.requestCount.Describe(ch)
	c.callbackDuration.Describe(ch)
}

func (c *CoordinatorCollector) Collect(ch chan<- prometheus.Metric) {
	c.requestCount.Collect(ch)
	c.callbackDuration.Collect(ch)
}
