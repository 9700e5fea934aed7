// Package metrics declares the Prometheus instruments for the trading core
// and exposes the /metrics handler. All instruments are registered on the
// default registry at init via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Execution metrics
var (
	// Orders placed, by venue and role (maker/taker/unwind)
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeterm_orders_placed_total",
		Help: "Orders placed on a venue, by venue and leg role",
	}, []string{"exchange", "role"})

	// Fills observed by the fill monitor
	FillsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeterm_fills_observed_total",
		Help: "Fills matched to an executing order, by venue",
	}, []string{"exchange"})

	// Fill wait outcomes
	FillTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeterm_fill_timeouts_total",
		Help: "Fill waits that elapsed without a fill, by venue",
	}, []string{"exchange"})

	// Terminal group outcomes
	GroupOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeterm_group_outcomes_total",
		Help: "Recommendation groups reaching a terminal status",
	}, []string{"status"})

	// Unwind attempts after a failed taker leg
	Unwinds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeterm_unwinds_total",
		Help: "Maker unwind orders after a taker failure, by outcome",
	}, []string{"outcome"})

	// End-to-end group execution latency
	GroupExecutionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgeterm_group_execution_seconds",
		Help:    "Wall time from ExecuteGroup entry to terminal status",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
)

// Venue REST metrics
var (
	RESTRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeterm_rest_requests_total",
		Help: "Venue REST calls, by venue and outcome",
	}, []string{"exchange", "outcome"})

	RESTLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edgeterm_rest_latency_seconds",
		Help:    "Venue REST call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"exchange"})
)

// Session metrics
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgeterm_active_sessions",
		Help: "Agent sessions currently open (0 or 1)",
	})

	SessionRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgeterm_session_rotations_total",
		Help: "Completed session rotations (clear or shutdown)",
	})

	WrapUpFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgeterm_wrapup_failures_total",
		Help: "Wrap-up extractions that fell back to a stub log",
	})

	AgentCostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgeterm_agent_cost_usd_total",
		Help: "Cumulative upstream agent spend reported by result frames",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RegisterHandlers mounts the metrics endpoint on an HTTP mux.
func RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", Handler())
}
