// Package metrics exposes the Prometheus instrumentation surface for GitCDN.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	UpstreamBytes   *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	ResponsesTotal  *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec

	SingleflightJoins *prometheus.CounterVec
	LockWaitSeconds   *prometheus.HistogramVec
	EvictedBytes      *prometheus.CounterVec
	EvictedEntries    *prometheus.CounterVec
}

// New creates and registers a Metrics set against the default registry.
func New() *Metrics {
	m := build()
	prometheus.MustRegister(collectors(m)...)
	return m
}

// NewUnregistered builds a Metrics set without registering it, for use in
// tests that construct more than one Server in the same process.
func NewUnregistered() *Metrics {
	return build()
}

func build() *Metrics {
	return &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_cdn_cache_hits_total",
			Help: "cache hits by repo and kind",
		}, []string{"repo", "kind"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_cdn_cache_misses_total",
			Help: "cache misses by repo and kind",
		}, []string{"repo", "kind"}),
		UpstreamBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_cdn_upstream_bytes_total",
			Help: "bytes read from upstream",
		}, []string{"repo", "kind"}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "git_cdn_upstream_seconds",
			Help:    "latency for upstream-touching operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"repo", "kind"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_cdn_requests_total",
			Help: "requests received",
		}, []string{"repo", "kind"}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_cdn_responses_total",
			Help: "responses sent",
		}, []string{"repo", "kind", "status"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_cdn_errors_total",
			Help: "errors by repo/kind",
		}, []string{"repo", "kind"}),
		SingleflightJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_cdn_singleflight_joins_total",
			Help: "requests that joined an in-flight production instead of starting one",
		}, []string{"repo", "kind"}),
		LockWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "git_cdn_lock_wait_seconds",
			Help:    "time spent waiting to acquire a path lock",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		EvictedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_cdn_evicted_bytes_total",
			Help: "bytes removed by the cache eviction sweeper",
		}, []string{"kind"}),
		EvictedEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_cdn_evicted_entries_total",
			Help: "entries removed by the cache eviction sweeper",
		}, []string{"kind"}),
	}
}

func collectors(m *Metrics) []prometheus.Collector {
	return []prometheus.Collector{
		m.CacheHits, m.CacheMisses, m.UpstreamBytes, m.UpstreamLatency,
		m.RequestsTotal, m.ResponsesTotal, m.ErrorsTotal,
		m.SingleflightJoins, m.LockWaitSeconds, m.EvictedBytes, m.EvictedEntries,
	}
}
