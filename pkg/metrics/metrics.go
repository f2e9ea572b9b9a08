package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics
var (
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_sessions_total",
			Help: "Total number of client sessions accepted, by outcome",
		},
		[]string{"result"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "balancer_sessions_active",
			Help: "Current number of proxied sessions",
		},
	)

	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "balancer_session_duration_seconds",
			Help:    "Duration of proxied sessions in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_connections_rejected_total",
			Help: "Client connections refused before a backend was chosen",
		},
		[]string{"reason"},
	)
)

// Backend metrics
var (
	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_backend_requests_total",
			Help: "Requests forwarded to a backend",
		},
		[]string{"backend"},
	)

	BackendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_backend_failures_total",
			Help: "Failed connection attempts to a backend",
		},
		[]string{"backend"},
	)

	BackendBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_backend_bytes_total",
			Help: "Bytes relayed, direction is 'out' (client to backend) or 'in' (backend to client)",
		},
		[]string{"backend", "direction"},
	)

	BackendActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "balancer_backend_active_connections",
			Help: "Sessions currently bound to a backend",
		},
		[]string{"backend"},
	)

	BackendUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "balancer_backend_up",
			Help: "Backend health (1 = UP, 0 = DOWN)",
		},
		[]string{"backend"},
	)

	HealthProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_health_probes_total",
			Help: "Health probes issued, by result",
		},
		[]string{"backend", "result"},
	)

	HealthProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "balancer_health_probe_duration_seconds",
			Help:    "Duration of backend health probes",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"backend"},
	)
)

// Connection pool metrics
var (
	PoolHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "balancer_pool_hits_total",
			Help: "Pool acquisitions satisfied by an existing connection",
		},
	)

	PoolMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "balancer_pool_misses_total",
			Help: "Pool acquisitions that had to dial a new connection",
		},
	)

	PoolEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_pool_evictions_total",
			Help: "Pooled connections discarded, by reason",
		},
		[]string{"reason"},
	)

	PoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "balancer_pool_size",
			Help: "Connections currently held by the pool",
		},
	)

	PoolHitRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "balancer_pool_hit_rate_percent",
			Help: "Pool hit rate as a percentage of acquisitions",
		},
	)
)

// Reactor and lifecycle metrics
var (
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_events_dispatched_total",
			Help: "Readiness events dispatched by the event loop",
		},
		[]string{"backend"},
	)

	Reloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_reloads_total",
			Help: "Configuration reload attempts, by result",
		},
		[]string{"result"},
	)

	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "balancer_drain_duration_seconds",
			Help:    "Time spent draining sessions before exit",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	DrainForcedSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "balancer_drain_forced_sessions_total",
			Help: "Sessions force-closed when the drain deadline expired",
		},
	)

	UptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "balancer_uptime_seconds",
			Help: "Seconds since the proxy started serving",
		},
	)
)
