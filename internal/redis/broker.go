package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pscheid92/moodchat/internal/broker"
	"github.com/pscheid92/moodchat/internal/domain"
	"github.com/pscheid92/moodchat/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const (
	redisBackend        = "redis"
	subscriptionTimeout = 2 * time.Second
	publishTimeout      = 2 * time.Second
)

// Broker is a domain.Broker that fans envelopes out across every instance
// sharing the same Redis. Local membership lives in a broker.Registry; Redis
// only knows which instances listen on which channel.
type Broker struct {
	rdb      *goredis.Client
	prefix   string
	registry *broker.Registry
	pubsub   *goredis.PubSub

	// subMu serialises the registry change with the SUBSCRIBE/UNSUBSCRIBE it
	// implies, so a concurrent first-join and last-leave cannot interleave.
	subMu  sync.Mutex
	closed bool

	// waiters holds one signal per channel whose SUBSCRIBE is not confirmed yet.
	waitMu  sync.Mutex
	waiters map[string]chan struct{}

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ domain.Broker = (*Broker)(nil)
	_ domain.Pinger = (*Broker)(nil)
)

// NewBroker starts the dispatch goroutine. Channels are named "<prefix>:<group>".
func NewBroker(rdb *goredis.Client, prefix string) *Broker {
	b := &Broker{
		rdb:      rdb,
		prefix:   prefix,
		registry: broker.NewRegistry(),
		pubsub:   rdb.Subscribe(context.Background()),
		waiters:  make(map[string]chan struct{}),
		done:     make(chan struct{}),
	}

	b.wg.Add(1)
	go b.dispatch()

	return b
}

func (b *Broker) channel(group string) string {
	return b.prefix + ":" + group
}

// AddToGroup returns once Redis has confirmed the subscription for the
// group's channel, so anything published afterwards reaches m.
func (b *Broker) AddToGroup(ctx context.Context, group string, m domain.Member) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	if b.closed {
		return fmt.Errorf("add to group %s: %w", group, domain.ErrBrokerUnavailable)
	}

	if first := b.registry.Add(group, m); first {
		channel := b.channel(group)
		if err := b.subscribe(ctx, channel); err != nil {
			b.registry.Remove(group, m)
			b.abandonSubscription(ctx, channel)
			return fmt.Errorf("subscribe %s: %w: %w", channel, domain.ErrRegistrationFailed, err)
		}
		slog.Debug("Subscribed to group channel", "group", group, "channel", channel)
	}

	metrics.BrokerGroups.WithLabelValues(redisBackend).Set(float64(b.registry.Groups()))
	return nil
}

// subscribe sends SUBSCRIBE and waits for dispatch to see the confirmation.
// Must be called with subMu held.
func (b *Broker) subscribe(ctx context.Context, channel string) error {
	subCtx, cancel := context.WithTimeout(ctx, subscriptionTimeout)
	defer cancel()

	confirmed := make(chan struct{})
	b.waitMu.Lock()
	b.waiters[channel] = confirmed
	b.waitMu.Unlock()

	defer func() {
		b.waitMu.Lock()
		if b.waiters[channel] == confirmed {
			delete(b.waiters, channel)
		}
		b.waitMu.Unlock()
	}()

	if err := b.pubsub.Subscribe(subCtx, channel); err != nil {
		return err
	}

	select {
	case <-confirmed:
		return nil
	case <-subCtx.Done():
		return fmt.Errorf("waiting for subscription confirmation: %w", subCtx.Err())
	}
}

// abandonSubscription undoes a failed SUBSCRIBE. go-redis has already
// recorded the channel and would restore it on reconnect otherwise.
func (b *Broker) abandonSubscription(ctx context.Context, channel string) {
	unsubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), subscriptionTimeout)
	defer cancel()

	if err := b.pubsub.Unsubscribe(unsubCtx, channel); err != nil {
		slog.Warn("Failed to undo subscription", "channel", channel, "error", err)
	}
}

func (b *Broker) confirmSubscription(channel string) {
	b.waitMu.Lock()
	defer b.waitMu.Unlock()

	if confirmed, ok := b.waiters[channel]; ok {
		close(confirmed)
		delete(b.waiters, channel)
	}
}

// RemoveFromGroup drops local membership unconditionally. An UNSUBSCRIBE
// failure is returned but leaves the member removed; stray messages for the
// group then find no local members.
func (b *Broker) RemoveFromGroup(ctx context.Context, group string, m domain.Member) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	_, last := b.registry.Remove(group, m)
	metrics.BrokerGroups.WithLabelValues(redisBackend).Set(float64(b.registry.Groups()))

	if !last || b.closed {
		return nil
	}

	unsubCtx, cancel := context.WithTimeout(ctx, subscriptionTimeout)
	defer cancel()

	if err := b.pubsub.Unsubscribe(unsubCtx, b.channel(group)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", b.channel(group), err)
	}
	slog.Debug("Unsubscribed from group channel", "group", group, "channel", b.channel(group))
	return nil
}

func (b *Broker) Publish(ctx context.Context, group string, env domain.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := b.rdb.Publish(pubCtx, b.channel(group), payload).Err(); err != nil {
		metrics.BrokerPublishTotal.WithLabelValues(redisBackend, "error").Inc()
		return fmt.Errorf("publish to group %s: %w: %w", group, domain.ErrBrokerUnavailable, err)
	}

	metrics.BrokerPublishTotal.WithLabelValues(redisBackend, "success").Inc()
	return nil
}

func (b *Broker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// GroupSize returns the number of local members in group.
func (b *Broker) GroupSize(group string) int {
	return b.registry.Size(group)
}

// Groups returns the number of groups with local members.
func (b *Broker) Groups() int {
	return b.registry.Groups()
}

// Close stops dispatching and releases the pub/sub connection. The Redis
// client itself belongs to the caller.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.subMu.Lock()
		b.closed = true
		b.subMu.Unlock()

		close(b.done)
		err = b.pubsub.Close()
		b.wg.Wait()
	})
	return err
}

func (b *Broker) dispatch() {
	defer b.wg.Done()

	ch := b.pubsub.ChannelWithSubscriptions()
	for {
		select {
		case <-b.done:
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			switch msg := v.(type) {
			case *goredis.Subscription:
				if msg.Kind == "subscribe" {
					b.confirmSubscription(msg.Channel)
				}
			case *goredis.Message:
				b.handleMessage(msg)
			}
		}
	}
}

func (b *Broker) handleMessage(msg *goredis.Message) {
	start := time.Now()

	group, ok := strings.CutPrefix(msg.Channel, b.prefix+":")
	if !ok {
		return
	}

	var env domain.Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Type != domain.EnvelopeTypeChatMessage {
		metrics.PubSubDecodeErrors.Inc()
		slog.Warn("Dropping undecodable pub/sub payload", "channel", msg.Channel, "error", err)
		return
	}

	b.registry.Fanout(group, env)
	metrics.PubSubMessageLatency.Observe(time.Since(start).Seconds())
}
