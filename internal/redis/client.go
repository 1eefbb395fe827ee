package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pscheid92/moodchat/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
)

var connectPolicy = retry.Policy{
	MaxAttempts:      4,
	InitialBackoff:   250 * time.Millisecond,
	RateLimitBackoff: time.Second,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Redis not reachable, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	},
}

// NewClient parses a Redis URL (e.g. "redis://localhost:6379"), installs the
// metrics and circuit breaker hooks and verifies the connection.
func NewClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	rdb.AddHook(&MetricsHook{})
	rdb.AddHook(NewCircuitBreakerHook())

	err = retry.DoVoid(ctx, connectPolicy, classifyConnectError, func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return rdb, nil
}

func classifyConnectError(err error) retry.Action {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop
	}
	return retry.Retry
}
