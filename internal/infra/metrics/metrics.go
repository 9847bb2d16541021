package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RetryAttemptsTotal tracks executor attempts per operation and outcome
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_retry_attempts_total",
			Help: "Total number of executor attempts",
		},
		[]string{"operation", "outcome"},
	)

	// RetryDelaySeconds tracks the backoff sleeps between attempts
	RetryDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_retry_delay_seconds",
			Help:    "Backoff delay applied between attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// BreakerState tracks the current breaker position per operation (0 closed, 1 open, 2 half-open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"operation"},
	)

	// BreakerTransitionsTotal tracks breaker state changes
	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"operation", "from", "to"},
	)

	// BudgetDecisionsTotal tracks retry budget allow/deny decisions
	BudgetDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_retry_budget_decisions_total",
			Help: "Total number of retry budget decisions",
		},
		[]string{"operation", "decision"},
	)

	// BudgetRemaining tracks the unspent share of each operation's retry window
	BudgetRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_retry_budget_remaining",
			Help: "Remaining retry budget as a percentage of the window allowance",
		},
		[]string{"operation"},
	)

	// BulkheadInUse tracks held slots per resource
	BulkheadInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_bulkhead_in_use",
			Help: "Bulkhead slots currently held",
		},
		[]string{"resource"},
	)

	// BulkheadCapacity tracks the configured slot count per resource
	BulkheadCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_bulkhead_capacity",
			Help: "Bulkhead slot capacity",
		},
		[]string{"resource"},
	)

	// BulkheadRejectionsTotal tracks fast-failed acquisitions per resource
	BulkheadRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_bulkhead_rejections_total",
			Help: "Total number of bulkhead fast-fail rejections",
		},
		[]string{"resource"},
	)

	// GateDecisionsTotal tracks freeze gate outcomes
	GateDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_gate_decisions_total",
			Help: "Total number of schema freeze gate decisions",
		},
		[]string{"decision"},
	)

	// GateEvaluationSeconds tracks time spent deciding a request
	GateEvaluationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_gate_evaluation_seconds",
			Help:    "Latency of freeze gate permission checks",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"decision"},
	)

	// LocksActive tracks active locks per branch and scope
	LocksActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_locks_active",
			Help: "Active branch locks",
		},
		[]string{"branch", "scope"},
	)

	// LockStoreQuerySeconds tracks lock store round trips
	LockStoreQuerySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_lock_store_query_seconds",
			Help:    "Latency of lock store queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// LockEventsTotal tracks lock lifecycle events
	LockEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_lock_events_total",
			Help: "Total number of lock lifecycle events",
		},
		[]string{"type"},
	)

	// CacheRequestsTotal tracks branch lock cache hits and misses
	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_lock_cache_requests_total",
			Help: "Total number of branch lock cache lookups",
		},
		[]string{"result"},
	)

	// DBConnectionPoolUsage tracks open connections as a percentage of the pool limit
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)
)
