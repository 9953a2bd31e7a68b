// Package metrics exposes the trading backend's prometheus instrumentation:
// optimizer throughput, event bus drop counts, live engine reconnects, and
// reconciler divergences. Dead weight in the teacher's go.mod (never
// imported anywhere in its source); wired in here per SPEC_FULL.md's ambient
// stack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups the collectors one process registers once at startup.
type Registry struct {
	OptimizerRunsCompleted *prometheus.CounterVec
	OptimizerRunsFailed    *prometheus.CounterVec
	EventBusDropped        *prometheus.CounterVec
	EventBusSubscribers    prometheus.Gauge
	LiveEngineReconnects   *prometheus.CounterVec
	ReconcilerDivergences  *prometheus.CounterVec
	ReconcilerRuns         prometheus.Counter
}

// NewRegistry constructs and registers the backend's collectors against reg.
// Pass prometheus.NewRegistry() in tests to avoid colliding with the global
// default registerer across parallel test runs.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		OptimizerRunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_optimizer_runs_completed_total",
			Help: "Backtest runs completed by the optimizer's worker pool.",
		}, []string{"job_id"}),
		OptimizerRunsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_optimizer_runs_failed_total",
			Help: "Backtest runs that failed within the optimizer's worker pool.",
		}, []string{"job_id"}),
		EventBusDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_eventbus_dropped_total",
			Help: "Events dropped because a subscriber's channel was full.",
		}, []string{"topic"}),
		EventBusSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trading_eventbus_subscribers",
			Help: "Current number of live event bus subscribers.",
		}),
		LiveEngineReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_live_engine_reconnects_total",
			Help: "Stream reconnect attempts by the live engine.",
		}, []string{"symbol"}),
		ReconcilerDivergences: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trading_reconciler_divergences_total",
			Help: "Fields where the local portfolio diverged from the exchange's state.",
		}, []string{"field"}),
		ReconcilerRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "trading_reconciler_runs_total",
			Help: "Completed reconciliation passes.",
		}),
	}
}
