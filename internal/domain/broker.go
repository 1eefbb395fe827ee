package domain

import "context"

// Member is a group participant the broker can deliver to.
type Member interface {
	ID() ConnectionID
	// Deliver must not block; the broker calls it for every member of a group,
	// possibly from several goroutines at once.
	Deliver(env Envelope) error
}

// Broker owns group membership and fans published envelopes out to every member.
// Implementations are safe for concurrent AddToGroup/RemoveFromGroup/Publish
// from independent sessions; callers never lock around them.
type Broker interface {
	AddToGroup(ctx context.Context, group string, m Member) error
	RemoveFromGroup(ctx context.Context, group string, m Member) error
	Publish(ctx context.Context, group string, env Envelope) error
}

// Pinger is implemented by brokers backed by an external service.
type Pinger interface {
	Ping(ctx context.Context) error
}
