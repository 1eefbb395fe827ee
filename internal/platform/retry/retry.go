// Package retry runs an operation until it succeeds, a classifier declares the
// error permanent, or the attempt budget is spent. Backoff doubles per attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

type Action int

const (
	Stop  Action = iota // permanent error, abort immediately
	Retry               // transient error, use normal backoff
	After               // throttled, use the longer backoff
)

var ErrNoAttempts = errors.New("retry policy allows no attempts")

type Policy struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	RateLimitBackoff time.Duration
	OnRetry          func(attempt int, err error, backoff time.Duration)

	// Clock drives the backoff timers. Nil means the real clock.
	Clock clockwork.Clock
}

type Classify func(err error) Action

func Do[T any](ctx context.Context, p Policy, classify Classify, op func() (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts < 1 {
		return zero, ErrNoAttempts
	}

	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	backoff := p.InitialBackoff
	var err error
	for attempt := 1; ; attempt++ {
		var val T
		val, err = op()
		if err == nil {
			return val, nil
		}

		action := classify(err)
		if action == Stop {
			return zero, &PermanentError{Err: err}
		}
		if attempt == p.MaxAttempts {
			return zero, fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, err)
		}

		wait := backoff
		if action == After {
			wait = p.RateLimitBackoff
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		timer := clock.NewTimer(wait)
		select {
		case <-timer.Chan():
			backoff *= 2
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}
}

func DoVoid(ctx context.Context, p Policy, classify Classify, op func() error) error {
	_, err := Do(ctx, p, classify, func() (struct{}, error) { return struct{}{}, op() })
	return err
}

// PermanentError marks an error the classifier refused to retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
