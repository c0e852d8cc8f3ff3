// Package metrics registers the Prometheus instruments:
//
//	tradesync_requests_total
//	tradesync_request_duration_seconds
//	tradesync_ws_reconnects_total / tradesync_ws_messages_total
//	tradesync_cache_events_total
//	tradesync_sync_queue_depth / tradesync_offline_queue_depth
//	go_* and process_* system metrics
//
// The registry is served by the diagnostics dashboard under /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once              sync.Once
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	wsReconnects      prometheus.Counter
	wsMessages        *prometheus.CounterVec
	cacheEvents       *prometheus.CounterVec
	syncQueueDepth    prometheus.Gauge
	offlineQueueDepth prometheus.Gauge
)

func Init() {
	once.Do(func() {
		requestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradesync_requests_total",
				Help: "Number of completed API requests by method and outcome",
			},
			[]string{"method", "outcome"},
		)

		requestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradesync_request_duration_seconds",
				Help:    "API request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		)

		wsReconnects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradesync_ws_reconnects_total",
				Help: "Number of realtime channel reconnection attempts",
			},
		)

		wsMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradesync_ws_messages_total",
				Help: "Realtime messages by direction",
			},
			[]string{"direction"},
		)

		cacheEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradesync_cache_events_total",
				Help: "Cache hits, misses, expiries and evictions",
			},
			[]string{"event"},
		)

		syncQueueDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradesync_sync_queue_depth",
				Help: "Pending mutations awaiting replay",
			},
		)

		offlineQueueDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradesync_offline_queue_depth",
				Help: "Requests deferred while offline",
			},
		)

		_ = prometheus.Register(requestsTotal)
		_ = prometheus.Register(requestDuration)
		_ = prometheus.Register(wsReconnects)
		_ = prometheus.Register(wsMessages)
		_ = prometheus.Register(cacheEvents)
		_ = prometheus.Register(syncQueueDepth)
		_ = prometheus.Register(offlineQueueDepth)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one completed API request.
func ObserveRequest(method, outcome string, seconds float64) {
	if requestsTotal != nil {
		requestsTotal.WithLabelValues(method, outcome).Inc()
	}
	if requestDuration != nil {
		requestDuration.WithLabelValues(method).Observe(seconds)
	}
}

// IncrementReconnect counts one realtime reconnection attempt.
func IncrementReconnect() {
	if wsReconnects != nil {
		wsReconnects.Inc()
	}
}

// IncrementMessage counts one realtime message; direction is "sent" or "received".
func IncrementMessage(direction string) {
	if wsMessages != nil {
		wsMessages.WithLabelValues(direction).Inc()
	}
}

// IncrementCacheEvent counts a cache hit, miss, expiry or eviction.
func IncrementCacheEvent(kind string) {
	if cacheEvents != nil {
		cacheEvents.WithLabelValues(kind).Inc()
	}
}

// SetSyncQueueDepth records the number of pending mutations.
func SetSyncQueueDepth(n int) {
	if syncQueueDepth != nil {
		syncQueueDepth.Set(float64(n))
	}
}

// SetOfflineQueueDepth records the number of deferred requests.
func SetOfflineQueueDepth(n int) {
	if offlineQueueDepth != nil {
		offlineQueueDepth.Set(float64(n))
	}
}
