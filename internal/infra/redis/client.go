package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ludia8888/warden/internal/core/domain"
	"github.com/ludia8888/warden/internal/core/fault"
	"github.com/ludia8888/warden/internal/infra/metrics"
)

// DefaultCacheTTL bounds how stale a cached branch snapshot can get when
// invalidation messages are lost.
const DefaultCacheTTL = 30 * time.Second

// eventChannel carries lock lifecycle events between replicas.
const eventChannel = "warden:lock-events"

// Cache fronts the lock store with short-lived per-branch snapshots and fans
// lock events out over pub/sub. All methods are best-effort: callers fall back
// to the store when the cache errors.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// Config holds Redis connection configuration.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// NewCache creates a Redis-backed lock cache and verifies connectivity.
func NewCache(cfg Config) (*Cache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{rdb: rdb, ttl: ttl}, nil
}

// Ping reports whether the Redis backend is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fault.FromRedis("cache.ping", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// TTL returns the configured cache entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func branchKey(branch string) string {
	return fmt.Sprintf("warden:locks:%s", branch)
}

// GetBranchLocks returns the cached active locks for a branch. The second
// return is false on a cache miss.
func (c *Cache) GetBranchLocks(ctx context.Context, branch string) ([]domain.Lock, bool, error) {
	raw, err := c.rdb.Get(ctx, branchKey(branch)).Result()
	if err == redis.Nil {
		metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
		return nil, false, fault.FromRedis("cache.get", err)
	}

	var locks []domain.Lock
	if err := json.Unmarshal([]byte(raw), &locks); err != nil {
		// Treat undecodable payloads as a miss so a schema change between
		// versions never wedges reads.
		metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
		return nil, false, nil
	}
	metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
	return locks, true, nil
}

// SetBranchLocks caches the active locks for a branch for the configured TTL.
func (c *Cache) SetBranchLocks(ctx context.Context, branch string, locks []domain.Lock) error {
	payload, err := json.Marshal(locks)
	if err != nil {
		return fmt.Errorf("failed to encode locks: %w", err)
	}
	if err := c.rdb.Set(ctx, branchKey(branch), payload, c.ttl).Err(); err != nil {
		return fault.FromRedis("cache.set", err)
	}
	return nil
}

// InvalidateBranch drops the cached snapshot for a branch.
func (c *Cache) InvalidateBranch(ctx context.Context, branch string) error {
	if err := c.rdb.Del(ctx, branchKey(branch)).Err(); err != nil {
		return fault.FromRedis("cache.invalidate", err)
	}
	return nil
}

// PublishLockEvent broadcasts a lock lifecycle event to all replicas.
func (c *Cache) PublishLockEvent(ctx context.Context, event domain.LockEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := c.rdb.Publish(ctx, eventChannel, payload).Err(); err != nil {
		return fault.FromRedis("cache.publish", err)
	}
	return nil
}

// Subscription is a live feed of lock events from other replicas.
type Subscription struct {
	pubsub *redis.PubSub
	events chan domain.LockEvent
}

// SubscribeLockEvents starts consuming the lock event channel. The feed closes
// when ctx is canceled or Close is called.
func (c *Cache) SubscribeLockEvents(ctx context.Context) *Subscription {
	sub := &Subscription{
		pubsub: c.rdb.Subscribe(ctx, eventChannel),
		events: make(chan domain.LockEvent, 16),
	}
	go sub.pump(ctx)
	return sub
}

// Events returns the event feed. The channel closes when the subscription ends.
func (s *Subscription) Events() <-chan domain.LockEvent {
	return s.events
}

// Close tears down the underlying pub/sub connection.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

func (s *Subscription) pump(ctx context.Context) {
	defer close(s.events)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event domain.LockEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				// Malformed payloads are skipped; consumers re-read the
				// store on their next decision anyway.
				continue
			}
			select {
			case s.events <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}
