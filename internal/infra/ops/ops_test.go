package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ludia8888/warden/internal/resilience"
)

// ==== stubs ====

type stubPinger struct {
	err error
}

func (s *stubPinger) Ping(ctx context.Context) error { return s.err }

func newExec() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{Seed: 1}, slog.New(slog.DiscardHandler))
}

// ==== monitor ====

func TestMonitorHealthy(t *testing.T) {
	monitor := NewMonitor(&stubPinger{}, &stubPinger{}, newExec())

	report := monitor.CheckHealth(context.Background())
	if report.SystemStatus != StatusHealthy {
		t.Errorf("Expected healthy, got %s", report.SystemStatus)
	}
	if len(report.Components) != 2 {
		t.Errorf("Expected 2 components, got %d", len(report.Components))
	}
}

func TestMonitorCriticalWhenStoreDown(t *testing.T) {
	monitor := NewMonitor(&stubPinger{err: errors.New("connection refused")}, nil, newExec())

	report := monitor.CheckHealth(context.Background())
	if report.SystemStatus != StatusCritical {
		t.Errorf("Expected critical when the lock store is down, got %s", report.SystemStatus)
	}
	if report.Components[0].Error == "" {
		t.Error("Expected the probe error in the report")
	}
}

func TestMonitorDegradedWhenCacheDown(t *testing.T) {
	monitor := NewMonitor(&stubPinger{}, &stubPinger{err: errors.New("redis gone")}, newExec())

	report := monitor.CheckHealth(context.Background())
	if report.SystemStatus != StatusDegraded {
		t.Errorf("Expected degraded when only the cache is down, got %s", report.SystemStatus)
	}
}

func TestMonitorWithoutCache(t *testing.T) {
	monitor := NewMonitor(&stubPinger{}, nil, newExec())

	report := monitor.CheckHealth(context.Background())
	if len(report.Components) != 1 {
		t.Errorf("Expected only the store component, got %d", len(report.Components))
	}
}

func TestMonitorCachesReports(t *testing.T) {
	store := &stubPinger{}
	monitor := NewMonitor(store, nil, newExec())

	report := monitor.CheckHealth(context.Background())
	if report.SystemStatus != StatusHealthy {
		t.Fatalf("Expected healthy, got %s", report.SystemStatus)
	}

	// The store dies, but within the probe window the cached report stands.
	store.err = errors.New("connection refused")
	report = monitor.CheckHealth(context.Background())
	if report.SystemStatus != StatusHealthy {
		t.Errorf("Expected the cached report inside the probe window, got %s", report.SystemStatus)
	}
}

// ==== http handlers ====

func TestHealthEndpoint(t *testing.T) {
	s := NewServer(NewMonitor(&stubPinger{}, nil, newExec()), 0)

	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy, got %s", body["status"])
	}
}

func TestHealthEndpointCritical(t *testing.T) {
	s := NewServer(NewMonitor(&stubPinger{err: errors.New("down")}, nil, newExec()), 0)

	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 when critical, got %d", w.Code)
	}
}

func TestDetailedEndpointIncludesGuards(t *testing.T) {
	exec := newExec()
	// Run one operation so the guard registries have something to report.
	err := exec.Execute(context.Background(), "lockstore.query", func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	s := NewServer(NewMonitor(&stubPinger{}, nil, exec), 0)
	w := httptest.NewRecorder()
	s.handleDetailed(w, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var report Report
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("Failed to decode report: %v", err)
	}
	if _, ok := report.Breakers["lockstore.query"]; !ok {
		t.Errorf("Expected a breaker snapshot for lockstore.query, got %v", report.Breakers)
	}
	if _, ok := report.Budgets["lockstore.query"]; !ok {
		t.Errorf("Expected a budget snapshot for lockstore.query, got %v", report.Budgets)
	}
	if _, ok := report.Bulkheads["lockstore"]; !ok {
		t.Errorf("Expected a bulkhead snapshot for lockstore, got %v", report.Bulkheads)
	}
}
