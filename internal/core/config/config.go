package config

import (
	"time"

	"github.com/ludia8888/warden/internal/api"
	"github.com/ludia8888/warden/internal/gate"
	redisclient "github.com/ludia8888/warden/internal/infra/redis"
	"github.com/ludia8888/warden/internal/infra/storage/postgres"
	"github.com/ludia8888/warden/internal/resilience"
	"github.com/ludia8888/warden/internal/resilience/backoff"
	"github.com/ludia8888/warden/internal/resilience/breaker"
	"github.com/ludia8888/warden/internal/resilience/budget"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     api.Config         `yaml:"server"`
	Database   postgres.Config    `yaml:"database"`
	Redis      redisclient.Config `yaml:"redis"`
	Locks      LocksConfig        `yaml:"locks"`
	Gate       gate.Config        `yaml:"gate"`
	Resilience ResilienceConfig   `yaml:"resilience"`
	Ops        OpsConfig          `yaml:"ops"`
	Logging    LoggingConfig      `yaml:"logging"`
}

// LocksConfig holds lock manager and janitor settings.
type LocksConfig struct {
	Storage           string        `yaml:"storage"` // postgres, memory
	DefaultRetryAfter time.Duration `yaml:"default_retry_after"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// OpsConfig holds the operational endpoints (health, metrics, gRPC probe).
type OpsConfig struct {
	Port int `yaml:"port"`
	// GRPCPort exposes the gRPC health probe. Zero disables it.
	GRPCPort int `yaml:"grpc_port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ResilienceConfig holds the guard settings for the executor. Zero values
// fall back to the built-in defaults of each guard.
type ResilienceConfig struct {
	Retry            RetryConfig              `yaml:"retry"`
	RetryOverrides   map[string]RetryConfig   `yaml:"retry_overrides"`
	Breaker          BreakerConfig            `yaml:"breaker"`
	BreakerOverrides map[string]BreakerConfig `yaml:"breaker_overrides"`
	Budget           BudgetConfig             `yaml:"budget"`
	BudgetOverrides  map[string]BudgetConfig  `yaml:"budget_overrides"`
	Bulkhead         BulkheadConfig           `yaml:"bulkhead"`
	// Seed fixes the retry jitter source. Zero seeds from the clock.
	Seed uint64 `yaml:"seed"`
}

// RetryConfig holds the backoff policy for one operation.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	JitterFactor   float64       `yaml:"jitter_factor"`
	PerCallTimeout time.Duration `yaml:"per_call_timeout"`
}

// Policy converts the section into a backoff policy.
func (c RetryConfig) Policy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts:    c.MaxAttempts,
		InitialDelay:   c.InitialDelay,
		MaxDelay:       c.MaxDelay,
		Multiplier:     c.Multiplier,
		JitterFactor:   c.JitterFactor,
		PerCallTimeout: c.PerCallTimeout,
	}
}

// BreakerConfig holds circuit breaker thresholds for one operation.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

// Settings converts the section into breaker settings.
func (c BreakerConfig) Settings() breaker.Settings {
	return breaker.Settings{
		FailureThreshold: c.FailureThreshold,
		Cooldown:         c.Cooldown,
		HalfOpenMaxCalls: c.HalfOpenMaxCalls,
	}
}

// BudgetConfig holds the retry budget window for one operation.
type BudgetConfig struct {
	Window time.Duration `yaml:"window"`
	Ratio  float64       `yaml:"ratio"`
}

// Settings converts the section into budget settings.
func (c BudgetConfig) Settings() budget.Settings {
	return budget.Settings{
		Window: c.Window,
		Ratio:  c.Ratio,
	}
}

// BulkheadConfig holds concurrency slot counts keyed by resource.
type BulkheadConfig struct {
	DefaultCapacity int            `yaml:"default_capacity"`
	Capacities      map[string]int `yaml:"capacities"`
}

// ExecutorConfig maps the resilience section onto the executor wiring.
func (c ResilienceConfig) ExecutorConfig() resilience.Config {
	out := resilience.Config{
		DefaultPolicy:      c.Retry.Policy(),
		BreakerDefaults:    c.Breaker.Settings(),
		BudgetDefaults:     c.Budget.Settings(),
		BulkheadDefault:    c.Bulkhead.DefaultCapacity,
		BulkheadCapacities: c.Bulkhead.Capacities,
		Seed:               c.Seed,
	}
	if len(c.RetryOverrides) > 0 {
		out.Policies = make(map[string]backoff.Policy, len(c.RetryOverrides))
		for op, rc := range c.RetryOverrides {
			out.Policies[op] = rc.Policy()
		}
	}
	if len(c.BreakerOverrides) > 0 {
		out.BreakerOverrides = make(map[string]breaker.Settings, len(c.BreakerOverrides))
		for op, bc := range c.BreakerOverrides {
			out.BreakerOverrides[op] = bc.Settings()
		}
	}
	if len(c.BudgetOverrides) > 0 {
		out.BudgetOverrides = make(map[string]budget.Settings, len(c.BudgetOverrides))
		for op, bc := range c.BudgetOverrides {
			out.BudgetOverrides[op] = bc.Settings()
		}
	}
	return out
}
