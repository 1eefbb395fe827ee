package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pscheid92/moodchat/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const breakerComponent = "redis"

// CircuitBreakerHook fails Redis commands fast while Redis is unhealthy, so a
// dead broker turns into quick publish errors instead of piled-up timeouts.
// Pub/sub subscriptions bypass ProcessHook; only their dials are guarded.
type CircuitBreakerHook struct {
	cb *gobreaker.CircuitBreaker
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

// NewCircuitBreakerHook trips after at least 5 requests with a 60% failure
// rate inside a 60s window, stays open for 30s, then lets 3 probes through.
func NewCircuitBreakerHook() *CircuitBreakerHook {
	return &CircuitBreakerHook{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerComponent,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: onBreakerStateChange,
	})}
}

func onBreakerStateChange(name string, from, to gobreaker.State) {
	slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
	metrics.CircuitBreakerStateChanges.WithLabelValues(name, to.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := h.cb.Execute(func() (any, error) {
			return next(ctx, network, addr)
		})
		if err != nil {
			return nil, wrapBreakerError("dial", err)
		}
		return conn.(net.Conn), nil
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		var cmdErr error
		_, err := h.cb.Execute(func() (any, error) {
			cmdErr = next(ctx, cmd)
			if errors.Is(cmdErr, goredis.Nil) {
				return nil, nil
			}
			return nil, cmdErr
		})
		if err != nil {
			return wrapBreakerError(cmd.Name(), err)
		}
		// redis.Nil is a result, not a failure; hand it back untouched.
		return cmdErr
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		_, err := h.cb.Execute(func() (any, error) {
			return nil, next(ctx, cmds)
		})
		if err != nil {
			return wrapBreakerError("pipeline", err)
		}
		return nil
	}
}

func wrapBreakerError(operation string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("redis circuit breaker open (%s): %w", operation, err)
	}
	return err
}

// GetState returns the current breaker state.
func (h *CircuitBreakerHook) GetState() gobreaker.State {
	return h.cb.State()
}

// GetCounts returns the breaker's counters for the current window.
func (h *CircuitBreakerHook) GetCounts() gobreaker.Counts {
	return h.cb.Counts()
}
