package fault

import (
	"context"
	"errors"
	"net"

	"github.com/redis/go-redis/v9"
)

// FromRedis classifies an error from the cache layer. A cache miss is
// NotFound; everything else is treated as a dependency fault so callers can
// fall through to the store.
func FromRedis(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return New(NotFound, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return New(Canceled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(Timeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(Timeout, op, err)
		}
		return New(Unavailable, op, err)
	}
	return New(Transient, op, err)
}
