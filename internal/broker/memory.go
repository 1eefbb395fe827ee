package broker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pscheid92/moodchat/internal/domain"
	"github.com/pscheid92/moodchat/internal/metrics"
)

const memoryBackend = "memory"

// Memory is a process-wide group broker. Publish delivers synchronously to
// every local member of the group.
type Memory struct {
	registry *Registry
	closed   atomic.Bool
}

var _ domain.Broker = (*Memory)(nil)

// NewMemory creates an in-process broker.
func NewMemory() *Memory {
	return &Memory{registry: NewRegistry()}
}

func (b *Memory) AddToGroup(ctx context.Context, group string, m domain.Member) error {
	if err := b.available(ctx); err != nil {
		return fmt.Errorf("add to group %s: %w", group, err)
	}
	b.registry.Add(group, m)
	metrics.BrokerGroups.WithLabelValues(memoryBackend).Set(float64(b.registry.Groups()))
	return nil
}

// RemoveFromGroup always succeeds, even after Close, so sessions can clean up.
func (b *Memory) RemoveFromGroup(_ context.Context, group string, m domain.Member) error {
	b.registry.Remove(group, m)
	metrics.BrokerGroups.WithLabelValues(memoryBackend).Set(float64(b.registry.Groups()))
	return nil
}

func (b *Memory) Publish(ctx context.Context, group string, env domain.Envelope) error {
	if err := b.available(ctx); err != nil {
		metrics.BrokerPublishTotal.WithLabelValues(memoryBackend, "error").Inc()
		return fmt.Errorf("publish to group %s: %w", group, err)
	}
	b.registry.Fanout(group, env)
	metrics.BrokerPublishTotal.WithLabelValues(memoryBackend, "success").Inc()
	return nil
}

// Ping reports whether the broker still accepts work.
func (b *Memory) Ping(ctx context.Context) error {
	return b.available(ctx)
}

// GroupSize returns the number of members currently in group.
func (b *Memory) GroupSize(group string) int {
	return b.registry.Size(group)
}

// Groups returns the number of non-empty groups.
func (b *Memory) Groups() int {
	return b.registry.Groups()
}

// Close makes AddToGroup, Publish and Ping fail with domain.ErrBrokerUnavailable.
func (b *Memory) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *Memory) available(ctx context.Context) error {
	if b.closed.Load() {
		return domain.ErrBrokerUnavailable
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBrokerUnavailable, err)
	}
	return nil
}
