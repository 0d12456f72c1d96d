// Package metrics provides Prometheus metrics for the orchestration engine.
// Exports HTTP, phase lifecycle, heartbeat, shard, and model router metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for the engine.
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPResponseSize     *prometheus.HistogramVec

	// Phase Lifecycle Metrics (component H/J)
	PhaseEventsTotal *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec
	PhaseRunsActive  prometheus.Gauge
	ErrorKindsTotal  *prometheus.CounterVec

	// Heartbeat Metrics (component C)
	HeartbeatsRecordedTotal *prometheus.CounterVec
	HeartbeatStallsTotal    *prometheus.CounterVec

	// Shard Manager Metrics (component D)
	ShardActiveRuns  *prometheus.GaugeVec
	ShardAssignments *prometheus.CounterVec
	ShardRebalances  prometheus.Counter

	// Model Router Metrics (component E)
	ModelRouterAvailability *prometheus.GaugeVec
	ModelRouterRequests     *prometheus.CounterVec
	ModelRouterCostTotal    *prometheus.CounterVec
	ModelRouterFallbacks    *prometheus.CounterVec

	// Database Metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBQueryDuration     *prometheus.HistogramVec
	DBErrorsTotal       *prometheus.CounterVec

	// Cache Metrics (component N)
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// System Metrics
	BuildInfo    *prometheus.GaugeVec
	StartupTime  prometheus.Gauge
	GoroutineNum prometheus.Gauge
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics.
func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"endpoint"},
	)

	m.PhaseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "phase",
			Name:      "events_total",
			Help:      "Total number of phase lifecycle events by event type",
		},
		[]string{"event_type"},
	)

	m.PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex",
			Subsystem: "phase",
			Name:      "duration_seconds",
			Help:      "Phase run duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"phase"},
	)

	m.PhaseRunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "phase",
			Name:      "runs_active",
			Help:      "Current number of phase runs in progress",
		},
	)

	m.ErrorKindsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "errors",
			Name:      "kind_total",
			Help:      "Total number of errors by apexerr.Kind and originating operation",
		},
		[]string{"kind", "op"},
	)

	m.HeartbeatsRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "heartbeat",
			Name:      "recorded_total",
			Help:      "Total number of heartbeats recorded by phase",
		},
		[]string{"phase"},
	)

	m.HeartbeatStallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "heartbeat",
			Name:      "stalls_total",
			Help:      "Total number of tasks judged stalled by phase",
		},
		[]string{"phase"},
	)

	m.ShardActiveRuns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "shard",
			Name:      "active_runs",
			Help:      "Current number of active runs assigned to a shard",
		},
		[]string{"shard_id"},
	)

	m.ShardAssignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "shard",
			Name:      "assignments_total",
			Help:      "Total number of run-to-shard assignments",
		},
		[]string{"shard_id"},
	)

	m.ShardRebalances = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "shard",
			Name:      "rebalances_total",
			Help:      "Total number of shard rebalance passes executed",
		},
	)

	m.ModelRouterAvailability = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "model_router",
			Name:      "availability",
			Help:      "Reported availability of a model, 0-1, as tracked by the router's health source",
		},
		[]string{"model_id"},
	)

	m.ModelRouterRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "model_router",
			Name:      "requests_total",
			Help:      "Total number of routing decisions by selected model and outcome",
		},
		[]string{"model_id", "outcome"},
	)

	m.ModelRouterCostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "model_router",
			Name:      "cost_dollars_total",
			Help:      "Total recorded model spend in dollars by tenant and model",
		},
		[]string{"tenant_id", "model_id"},
	)

	m.ModelRouterFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "model_router",
			Name:      "fallbacks_total",
			Help:      "Total number of model router failovers by reason",
		},
		[]string{"from_model", "to_model", "reason"},
	)

	m.DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "database",
			Name:      "connections_active",
			Help:      "Number of active database connections",
		},
	)

	m.DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "database",
			Name:      "connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	m.DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation", "table"},
	)

	m.DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "database",
			Name:      "errors_total",
			Help:      "Total number of database errors",
		},
		[]string{"operation", "error_type"},
	)

	m.CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_name"},
	)

	m.CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_name"},
	)

	m.BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "build",
			Name:      "info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_date"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "server",
			Name:      "startup_timestamp",
			Help:      "Server startup timestamp",
		},
	)

	m.GoroutineNum = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apex",
			Subsystem: "server",
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration, responseSize int) {
	status := statusCodeToLabel(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(endpoint).Observe(float64(responseSize))
}

// RecordPhaseEvent increments the phase lifecycle counter for eventType,
// the event taxonomy names published on the Event Bus (component J).
func (m *Metrics) RecordPhaseEvent(eventType string) {
	m.PhaseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordPhaseDuration observes how long a phase run took.
func (m *Metrics) RecordPhaseDuration(phase string, duration time.Duration) {
	m.PhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordErrorKind increments the error counter for a classified apexerr.Kind.
func (m *Metrics) RecordErrorKind(kind, op string) {
	m.ErrorKindsTotal.WithLabelValues(kind, op).Inc()
}

// RecordHeartbeat increments the heartbeat counter for phase.
func (m *Metrics) RecordHeartbeat(phase string) {
	m.HeartbeatsRecordedTotal.WithLabelValues(phase).Inc()
}

// RecordStall increments the stall counter for phase, called from the
// Phase Coordinator's heartbeat stall sink when a task is judged stalled.
func (m *Metrics) RecordStall(phase string) {
	m.HeartbeatStallsTotal.WithLabelValues(phase).Inc()
}

// SetShardActiveRuns sets the active-run gauge for a shard.
func (m *Metrics) SetShardActiveRuns(shardID string, count int) {
	m.ShardActiveRuns.WithLabelValues(shardID).Set(float64(count))
}

// RecordShardAssignment increments the assignment counter for a shard.
func (m *Metrics) RecordShardAssignment(shardID string) {
	m.ShardAssignments.WithLabelValues(shardID).Inc()
}

// RecordShardRebalance increments the rebalance-pass counter.
func (m *Metrics) RecordShardRebalance() {
	m.ShardRebalances.Inc()
}

// SetModelAvailability sets the availability gauge for a model, as
// reported through the Model Router's telemetry feed.
func (m *Metrics) SetModelAvailability(modelID string, availability float64) {
	m.ModelRouterAvailability.WithLabelValues(modelID).Set(availability)
}

// RecordModelRequest increments the routing-decision counter.
func (m *Metrics) RecordModelRequest(modelID, outcome string) {
	m.ModelRouterRequests.WithLabelValues(modelID, outcome).Inc()
}

// RecordModelCost adds actualCost to the tenant/model spend counter.
func (m *Metrics) RecordModelCost(tenantID, modelID string, actualCost float64) {
	m.ModelRouterCostTotal.WithLabelValues(tenantID, modelID).Add(actualCost)
}

// RecordModelFallback increments the failover counter.
func (m *Metrics) RecordModelFallback(fromModel, toModel, reason string) {
	m.ModelRouterFallbacks.WithLabelValues(fromModel, toModel, reason).Inc()
}

// RecordCacheOperation records a cache hit or miss.
func (m *Metrics) RecordCacheOperation(cacheName string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheName).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cacheName).Inc()
	}
}

// RecordDBQuery records a database query.
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration, err error) {
	m.DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		m.DBErrorsTotal.WithLabelValues(operation, "query_error").Inc()
	}
}

// SetBuildInfo sets build information.
func (m *Metrics) SetBuildInfo(version, commit, buildDate string) {
	m.BuildInfo.WithLabelValues(version, commit, buildDate).Set(1)
}

func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
