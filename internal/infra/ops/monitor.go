// Package ops serves the operational surface: health probes, Prometheus
// metrics, and the standard gRPC health checking protocol.
package ops

import (
	"context"
	"sync"
	"time"

	"github.com/ludia8888/warden/internal/resilience"
	"github.com/ludia8888/warden/internal/resilience/breaker"
	"github.com/ludia8888/warden/internal/resilience/budget"
	"github.com/ludia8888/warden/internal/resilience/bulkhead"
)

// SystemStatus is the overall health state of the service or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ComponentHealth is the probe result for one dependency.
type ComponentHealth struct {
	Name      string       `json:"name"`
	Status    SystemStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	LatencyMS int64        `json:"latency_ms"`
}

// Report is the full picture served at /health/detailed.
type Report struct {
	SystemStatus SystemStatus                `json:"system_status"`
	Components   []ComponentHealth           `json:"components"`
	Breakers     map[string]breaker.Snapshot `json:"breakers"`
	Budgets      map[string]budget.Stats     `json:"budgets"`
	Bulkheads    map[string]bulkhead.Usage   `json:"bulkheads"`
}

// Pinger is any dependency whose liveness the monitor probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor aggregates dependency probes and resilience state. Reports are
// cached briefly so probe traffic cannot hammer the backends.
type Monitor struct {
	mu         sync.Mutex
	store      Pinger
	cache      Pinger
	exec       *resilience.Executor
	lastCheck  time.Time
	lastReport Report
}

// NewMonitor creates a health monitor. cache may be nil when Redis is
// disabled.
func NewMonitor(store Pinger, cache Pinger, exec *resilience.Executor) *Monitor {
	return &Monitor{store: store, cache: cache, exec: exec}
}

// CheckHealth probes every dependency and snapshots the resilience guards.
// The lock store is vital: if it is down the service cannot answer write
// permission checks and reports critical. A dead cache only degrades.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit probes (max once per 5s)
	if time.Since(m.lastCheck) < 5*time.Second && len(m.lastReport.Components) > 0 {
		return m.lastReport
	}

	report := Report{SystemStatus: StatusHealthy}
	report.Components = append(report.Components, probe(ctx, "lockstore", m.store))
	if m.cache != nil {
		report.Components = append(report.Components, probe(ctx, "redis", m.cache))
	}
	report.Breakers = m.exec.BreakerSnapshots()
	report.Budgets = m.exec.BudgetSnapshots()
	report.Bulkheads = m.exec.BulkheadSnapshots()

	for _, c := range report.Components {
		if c.Status == StatusHealthy {
			continue
		}
		if c.Name == "lockstore" {
			report.SystemStatus = StatusCritical
		} else if report.SystemStatus == StatusHealthy {
			report.SystemStatus = StatusDegraded
		}
	}
	for _, b := range report.Breakers {
		if b.State != breaker.StateClosed && report.SystemStatus == StatusHealthy {
			report.SystemStatus = StatusDegraded
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func probe(ctx context.Context, name string, p Pinger) ComponentHealth {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := p.Ping(probeCtx)
	health := ComponentHealth{
		Name:      name,
		Status:    StatusHealthy,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		health.Status = StatusCritical
		health.Error = err.Error()
	}
	return health
}
