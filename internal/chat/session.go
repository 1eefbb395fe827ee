package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/moodchat/internal/domain"
	"github.com/pscheid92/moodchat/internal/metrics"
	"github.com/pscheid92/moodchat/internal/platform/logging"
)

const (
	maxMessageSize = 64 * 1024
	leaveTimeout   = 2 * time.Second
)

var errNotJoined = errors.New("session has not joined its room")

// State is the lifecycle position of a Session.
type State int

const (
	StateConnecting State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client connection bound to one room.
//
// Lifecycle: NewSession → Join → Accept → Serve; Leave ends it and may be
// called any number of times from any state.
type Session struct {
	id     domain.ConnectionID
	room   domain.RoomID
	group  string
	broker domain.Broker
	clock  clockwork.Clock
	logger *slog.Logger

	// send is allocated up front so deliveries between Join and Accept queue up.
	send chan []byte
	done chan struct{}

	mu          sync.Mutex
	state       State
	joined      bool
	joining     bool
	conn        Conn
	writer      *writer
	connectedAt time.Time

	doneOnce  sync.Once
	leaveOnce sync.Once
	leaveErr  error
}

var _ domain.Member = (*Session)(nil)

func NewSession(room domain.RoomID, broker domain.Broker, clock clockwork.Clock) (*Session, error) {
	if err := room.Validate(); err != nil {
		return nil, err
	}

	id := domain.NewConnectionID()
	return &Session{
		id:     id,
		room:   room,
		group:  domain.GroupName(room),
		broker: broker,
		clock:  clock,
		logger: logging.WithConnection(logging.WithRoom(slog.Default(), room), id),
		send:   make(chan []byte, messageBufferSize),
		done:   make(chan struct{}),
		state:  StateConnecting,
	}, nil
}

func (s *Session) ID() domain.ConnectionID { return s.id }
func (s *Session) Room() domain.RoomID     { return s.room }
func (s *Session) Group() string           { return s.group }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Join adds the session to its room's group. A failed Join closes the
// session; it is not retried. The broker call runs without holding mu.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnecting || s.joined || s.joining {
		s.mu.Unlock()
		return fmt.Errorf("join %s: %w", s.group, domain.ErrSessionClosed)
	}
	s.joining = true
	s.mu.Unlock()

	err := s.broker.AddToGroup(ctx, s.group, s)

	s.mu.Lock()
	s.joining = false
	if err != nil {
		s.state = StateClosed
		s.mu.Unlock()
		s.closeDone()
		metrics.ChatJoinsTotal.WithLabelValues("registration_failed").Inc()
		return fmt.Errorf("join %s: %w: %w", s.group, domain.ErrRegistrationFailed, err)
	}
	if s.state == StateClosed {
		// Leave ran while the broker call was in flight.
		s.mu.Unlock()
		_ = s.broker.RemoveFromGroup(context.WithoutCancel(ctx), s.group, s)
		return fmt.Errorf("join %s: %w", s.group, domain.ErrSessionClosed)
	}
	s.joined = true
	s.mu.Unlock()

	metrics.ChatJoinsTotal.WithLabelValues("success").Inc()
	s.logger.DebugContext(ctx, "Joined group")
	return nil
}

// Accept binds the upgraded connection and starts the writer.
func (s *Session) Accept(conn Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateClosed:
		return fmt.Errorf("accept: %w", domain.ErrSessionClosed)
	case !s.joined:
		return fmt.Errorf("accept: %w", errNotJoined)
	case s.conn != nil:
		return errors.New("accept: connection already bound")
	}

	conn.SetReadLimit(maxMessageSize)
	s.conn = conn
	s.writer = newWriter(conn, s.clock, s.send, s.logger)
	s.state = StateJoined
	s.connectedAt = s.clock.Now()
	return nil
}

// Relay publishes one client frame to the room group.
func (s *Session) Relay(ctx context.Context, payload []byte) error {
	if s.State() == StateClosed {
		return fmt.Errorf("relay: %w", domain.ErrSessionClosed)
	}

	var in domain.InboundMessage
	if err := json.Unmarshal(payload, &in); err != nil {
		metrics.ChatMessagesRejected.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: %w", domain.ErrMalformedMessage, err)
	}
	if in.Message == nil {
		metrics.ChatMessagesRejected.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: missing \"message\" field", domain.ErrMalformedMessage)
	}

	if err := s.broker.Publish(ctx, s.group, domain.NewChatEnvelope(*in.Message)); err != nil {
		metrics.ChatMessagesRejected.WithLabelValues("broker_unavailable").Inc()
		if errors.Is(err, domain.ErrBrokerUnavailable) {
			return fmt.Errorf("relay to %s: %w", s.group, err)
		}
		return fmt.Errorf("relay to %s: %w: %w", s.group, domain.ErrBrokerUnavailable, err)
	}

	metrics.ChatMessagesRelayed.Inc()
	return nil
}

// Deliver queues an envelope for the client. It never blocks: a full queue
// evicts the session.
func (s *Session) Deliver(env domain.Envelope) error {
	data, err := json.Marshal(domain.OutboundMessage{Message: env.Message})
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}

	err = s.enqueue(data)
	if errors.Is(err, domain.ErrSlowConsumer) {
		metrics.ChatSlowClientsEvicted.Inc()
		s.logger.Warn("Evicting slow client", "buffer_size", messageBufferSize)
		go s.evict()
	}
	return err
}

func (s *Session) enqueue(data []byte) error {
	select {
	case <-s.done:
		return domain.ErrSessionClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return domain.ErrSessionClosed
	default:
		return domain.ErrSlowConsumer
	}
}

func (s *Session) evict() {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	_ = s.Leave(ctx)
}

// Leave removes the session from its group (if it ever joined), stops the
// writer and closes the connection. Only the first call does any work.
func (s *Session) Leave(ctx context.Context) error {
	s.leaveOnce.Do(func() {
		s.mu.Lock()
		joined := s.joined
		w := s.writer
		accepted := s.conn != nil
		s.state = StateClosed
		s.mu.Unlock()

		s.closeDone()

		if joined {
			if err := s.broker.RemoveFromGroup(ctx, s.group, s); err != nil {
				s.logger.WarnContext(ctx, "Failed to leave group", "error", err)
				s.leaveErr = fmt.Errorf("leave %s: %w", s.group, err)
			}
		}

		if w != nil {
			w.stop()
		}
		if accepted {
			metrics.WebSocketConnectionDuration.Observe(s.clock.Since(s.connectedAt).Seconds())
		}
		s.logger.DebugContext(ctx, "Left group")
	})
	return s.leaveErr
}

// Close sends a normal-closure frame with reason, then leaves.
func (s *Session) Close(ctx context.Context, reason string) error {
	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()

	if w != nil {
		w.stopGraceful(reason)
	}
	return s.Leave(ctx)
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Serve reads frames until the connection ends and relays each one. Rejected
// frames are answered to this client only; the loop keeps going. Leave always
// runs before Serve returns, and cancelling ctx closes the connection.
func (s *Session) Serve(ctx context.Context) error {
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
		defer cancel()
		_ = s.Leave(leaveCtx)
	}()

	s.mu.Lock()
	conn, w := s.conn, s.writer
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("serve: %w", errNotJoined)
	}

	stopOnCancel := context.AfterFunc(ctx, w.stop)
	defer stopOnCancel()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.DebugContext(ctx, "Connection ended unexpectedly", "error", err)
			}
			return nil
		}
		w.touch()

		if messageType != websocket.TextMessage {
			s.reject(ctx, fmt.Errorf("%w: only text frames are accepted", domain.ErrMalformedMessage))
			continue
		}

		if err := s.Relay(ctx, payload); err != nil {
			switch {
			case errors.Is(err, domain.ErrMalformedMessage), errors.Is(err, domain.ErrBrokerUnavailable):
				s.reject(ctx, err)
			case errors.Is(err, domain.ErrSessionClosed):
				return nil
			default:
				return err
			}
		}
	}
}

// reject tells this client why its frame was not relayed.
func (s *Session) reject(ctx context.Context, cause error) {
	msg := domain.ErrorMessage{Error: "message could not be delivered, try again", Type: "broker_unavailable"}
	if errors.Is(cause, domain.ErrMalformedMessage) {
		msg = domain.ErrorMessage{Error: `expected a JSON object with a string "message" field`, Type: "malformed_message"}
	}
	s.logger.DebugContext(ctx, "Frame rejected", "reason", msg.Type, "error", cause)

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	// A full queue here means the client is already being evicted.
	_ = s.enqueue(data)
}
