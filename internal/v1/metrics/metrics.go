// Package metrics declares the coordinator's Prometheus instrumentation.
// Metrics live in their own package to keep the naming convention
// (namespace_subsystem_name) and label sets consistent across every
// component that records them.
//
// Naming convention: namespace_subsystem_name
// - namespace: coordinator (application-level grouping)
// - subsystem: transport, session, matchmaker, probe, audit, circuit_breaker, rate_limit, redis
// - name: specific metric
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the current number of active transport connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coordinator",
		Subsystem: "transport",
		Name:      "connections_active",
		Help:      "Current number of active transport connections",
	})

	// ActiveSessions tracks the current number of non-ENDED sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coordinator",
		Subsystem: "session",
		Name:      "sessions_active",
		Help:      "Current number of active (non-ENDED) sessions",
	})

	// WaitroomSize tracks the number of participants currently queued per scene.
	WaitroomSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coordinator",
		Subsystem: "matchmaker",
		Name:      "waitroom_size",
		Help:      "Number of participants currently queued in a scene's waitroom",
	}, []string{"scene_id"})

	// TransportEvents tracks inbound/outbound event envelopes processed.
	TransportEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "transport",
		Name:      "events_total",
		Help:      "Total transport events processed",
	}, []string{"event", "status"})

	// MessageProcessingDuration tracks event-handling latency.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coordinator",
		Subsystem: "transport",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing a single transport event",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// MatchesFormed counts groups produced by the matchmaker, by matchmaker name.
	MatchesFormed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "matchmaker",
		Name:      "matches_formed_total",
		Help:      "Total matched groups formed, by matchmaker",
	}, []string{"matchmaker", "scene_id"})

	// ProbeOutcomes counts P2P probe outcomes.
	ProbeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "probe",
		Name:      "outcomes_total",
		Help:      "Total P2P probe outcomes",
	}, []string{"outcome"})

	// SessionTerminations counts sessions ending, by reason.
	SessionTerminations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "session",
		Name:      "terminations_total",
		Help:      "Total session terminations, by reason",
	}, []string{"reason"})

	// AuditParityResults counts parity validation outcomes.
	AuditParityResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "audit",
		Name:      "parity_results_total",
		Help:      "Total parity validation outcomes",
	}, []string{"status"})

	// CircuitBreakerState tracks circuit breaker state per external service.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coordinator",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks requests rejected by an open circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks requests that exceeded a rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks Redis operations issued by the bus/rate-limit store.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks Redis operation latency.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coordinator",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
