// Package http provides the HTTP transport adapter for the decision API.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/llm-dev-ops/policy-engine/internal/service"
)

// Metrics holds all Prometheus metrics the transport records.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	DecisionsTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policy_engine",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"handler", "status"}, // handler=route pattern, status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "policy_engine",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets, // 5ms to 10s
			},
			[]string{"handler"},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policy_engine",
				Name:      "decisions_total",
				Help:      "Total decision events returned to callers",
			},
			[]string{"agent", "outcome"},
		),
	}
}

// RegisterStatsCollectors exposes the core's internal counters through the
// registry. Each collector reads the live value at scrape time, so the
// instruments never drift from the Stats() accessors. Nil components are
// skipped.
func RegisterStatsCollectors(reg prometheus.Registerer, engine *service.Engine, cache *service.DecisionCache, dispatcher *service.RecordDispatcher) {
	factory := promauto.With(reg)

	if engine != nil {
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "policy_engine",
				Name:      "policies_active",
				Help:      "Policies in the active evaluation snapshot",
			},
			func() float64 { return float64(engine.PolicyCount()) },
		)
		factory.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "policy_engine",
				Name:      "evaluations_total",
				Help:      "Total engine evaluations since start",
			},
			func() float64 { return float64(engine.Evaluations()) },
		)
	}

	if cache != nil {
		factory.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "policy_engine",
				Name:      "cache_hits_total",
				Help:      "Decision cache hits",
			},
			func() float64 { return float64(cache.Stats().Hits) },
		)
		factory.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "policy_engine",
				Name:      "cache_misses_total",
				Help:      "Decision cache misses",
			},
			func() float64 { return float64(cache.Stats().Misses) },
		)
	}

	if dispatcher != nil {
		factory.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "policy_engine",
				Name:      "dispatcher_dropped_records_total",
				Help:      "Records dropped by the dispatcher under backpressure",
			},
			func() float64 { return float64(dispatcher.DroppedRecords()) },
		)
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "policy_engine",
				Name:      "dispatcher_queue_depth",
				Help:      "Records currently buffered in the dispatcher",
			},
			func() float64 { return float64(dispatcher.ChannelDepth()) },
		)
	}
}
