package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ludia8888/warden/internal/api"
	"github.com/ludia8888/warden/internal/core/config"
	"github.com/ludia8888/warden/internal/infra/ops"
	redisclient "github.com/ludia8888/warden/internal/infra/redis"
	"github.com/ludia8888/warden/internal/infra/storage"
	"github.com/ludia8888/warden/internal/infra/storage/memory"
	"github.com/ludia8888/warden/internal/infra/storage/postgres"
	"github.com/ludia8888/warden/internal/locks"
	"github.com/ludia8888/warden/internal/resilience"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

// Service is the main application struct that wires the lock authority
// together and manages its lifecycle.
type Service struct {
	cfg       *config.AppConfig
	store     storage.LockStore
	db        *sqlx.DB
	cache     *redisclient.Cache
	exec      *resilience.Executor
	manager   *locks.Manager
	janitor   *locks.Janitor
	apiServer *api.Server
	monitor   *ops.Monitor
	opsServer *ops.Server
	healthRPC *ops.HealthRPC
	sub       *redisclient.Subscription
	log       *slog.Logger
}

// New creates a Service instance with all dependencies initialized.
func New(cfg *config.AppConfig, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}

	// 1. Initialize Storage
	var store storage.LockStore
	var db *sqlx.DB
	switch cfg.Locks.Storage {
	case "", "postgres":
		var err error
		db, err = postgres.Connect(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		// Run migrations
		// Note: goose needs the raw *sql.DB that sqlx wraps
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		dir := cfg.Database.MigrationsDir
		if dir == "" {
			dir = "migrations"
		}
		if err := goose.Up(db.DB, dir); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		store = postgres.NewLockStore(db)
		log.Info("Using PostgreSQL lock storage")
	case "memory":
		store = memory.NewLockStore()
		log.Info("Using memory lock storage")
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Locks.Storage)
	}

	// 2. Initialize Redis Cache (optional)
	var cache *redisclient.Cache
	if cfg.Redis.Enabled {
		c, err := redisclient.NewCache(cfg.Redis)
		if err != nil {
			log.Warn("Failed to connect to Redis, lock cache disabled", "error", err)
		} else {
			cache = c
			log.Info("Redis lock cache enabled", "ttl", c.TTL())
		}
	}

	// 3. Initialize Resilience Executor
	exec := resilience.NewExecutor(cfg.Resilience.ExecutorConfig(), log)

	// 4. Initialize Lock Manager and Janitor
	// The interface must stay nil when no cache is configured.
	var lockCache locks.LockCache
	if cache != nil {
		lockCache = cache
	}
	manager := locks.NewManager(store, lockCache, exec, log, cfg.Locks.DefaultRetryAfter)
	janitor := locks.NewJanitor(manager, cfg.Locks.CleanupInterval, log)

	// 5. Initialize HTTP API
	apiServer := api.NewServer(cfg.Server, manager, cfg.Gate, log)

	// 6. Initialize Ops Surface
	var cachePinger ops.Pinger
	if cache != nil {
		cachePinger = cache
	}
	monitor := ops.NewMonitor(store, cachePinger, exec)
	opsServer := ops.NewServer(monitor, cfg.Ops.Port)

	var healthRPC *ops.HealthRPC
	if cfg.Ops.GRPCPort > 0 {
		healthRPC = ops.NewHealthRPC(cfg.Ops.GRPCPort, log)
	}

	return &Service{
		cfg:       cfg,
		store:     store,
		db:        db,
		cache:     cache,
		exec:      exec,
		manager:   manager,
		janitor:   janitor,
		apiServer: apiServer,
		monitor:   monitor,
		opsServer: opsServer,
		healthRPC: healthRPC,
		log:       log,
	}, nil
}

// Manager exposes the lock manager for tooling built on top of the service.
func (s *Service) Manager() *locks.Manager {
	return s.manager
}

// Start starts the service and all its components.
func (s *Service) Start(ctx context.Context) error {
	// Start Ops Server
	go func() {
		if err := s.opsServer.Start(); err != nil {
			s.log.Error("Ops server failed", "error", err)
		}
	}()

	// Start gRPC Health Probe
	if s.healthRPC != nil {
		go func() {
			if err := s.healthRPC.Start(); err != nil {
				s.log.Error("gRPC health probe failed", "error", err)
			}
		}()
	}

	// Start DB Pool Metrics Collector
	if s.db != nil {
		postgres.StartPoolMetrics(ctx, s.db)
	}

	// Start Janitor
	go s.janitor.Start(ctx)

	// Start Lock Event Subscription
	if s.cache != nil {
		s.sub = s.cache.SubscribeLockEvents(ctx)
		go s.consumeEvents(ctx)
	}

	// Start API Server
	go func() {
		if err := s.apiServer.Start(); err != nil {
			s.log.Error("API server failed", "error", err)
		}
	}()

	s.log.Info("warden started",
		"port", s.cfg.Server.Port,
		"ops_port", s.cfg.Ops.Port,
		"storage", s.cfg.Locks.Storage,
	)
	return nil
}

// Stop stops the service.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("Stopping warden...")

	// Flip the probe first so load balancers drain before the listener dies.
	if s.healthRPC != nil {
		s.healthRPC.SetServing(false)
	}

	if err := s.apiServer.Shutdown(ctx); err != nil {
		s.log.Warn("API server shutdown", "error", err)
	}

	if s.sub != nil {
		if err := s.sub.Close(); err != nil {
			s.log.Warn("Failed to close event subscription", "error", err)
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("Failed to close lock store", "error", err)
	}

	if s.healthRPC != nil {
		s.healthRPC.Stop()
	}
	return s.opsServer.Stop(ctx)
}

// consumeEvents drains the cross-instance lock event stream. Events are
// already counted by the manager on publish; here they surface in the log
// so operators can follow lock churn across replicas.
func (s *Service) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.sub.Events():
			if !ok {
				return
			}
			s.log.Info("lock event",
				"type", ev.Type,
				"lock_id", ev.LockID,
				"branch", ev.BranchID,
			)
		}
	}
}
