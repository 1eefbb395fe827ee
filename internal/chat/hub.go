package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/moodchat/internal/domain"
	"github.com/pscheid92/moodchat/internal/metrics"
)

const (
	commandTimeout     = 5 * time.Second
	stopTimeout        = 10 * time.Second
	commandChannelSize = 256
	shutdownReason     = "server shutting down"
)

// ErrHubStopped is returned by Hub calls made after Stop.
var ErrHubStopped = errors.New("hub stopped")

type roomSessions map[domain.ConnectionID]*Session

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	session *Session
	reply   chan error
}

type unregisterCmd struct {
	baseHubCmd
	session *Session
}

type clientCountCmd struct {
	baseHubCmd
	room  domain.RoomID
	reply chan int
}

type stopCmd struct {
	baseHubCmd
}

// Hub tracks the live sessions of this process. It is an actor: one
// goroutine owns the room map and serves commands from a channel.
type Hub struct {
	cmdCh             chan hubCmd
	clock             clockwork.Clock
	rooms             map[domain.RoomID]roomSessions
	maxClientsPerRoom int
	done              chan struct{}
	stopOnce          sync.Once
	stopTimeout       time.Duration
}

func NewHub(clock clockwork.Clock, maxClientsPerRoom int) *Hub {
	h := &Hub{
		cmdCh:             make(chan hubCmd, commandChannelSize),
		clock:             clock,
		rooms:             make(map[domain.RoomID]roomSessions),
		maxClientsPerRoom: maxClientsPerRoom,
		done:              make(chan struct{}),
		stopTimeout:       stopTimeout,
	}
	go h.run()
	return h
}

// Register admits a session to its room. Returns domain.ErrRoomFull when the
// room is at capacity; the caller still owns the session in that case.
func (h *Hub) Register(s *Session) error {
	reply := make(chan error, 1)
	if err := h.submit(registerCmd{session: s, reply: reply}); err != nil {
		return err
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-reply:
		return err
	case <-h.done:
		return ErrHubStopped
	case <-timer.Chan():
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister forgets a session. Unknown sessions are ignored.
func (h *Hub) Unregister(s *Session) {
	_ = h.submit(unregisterCmd{session: s})
}

// ClientCount returns the number of sessions registered for room.
func (h *Hub) ClientCount(room domain.RoomID) (int, error) {
	reply := make(chan int, 1)
	if err := h.submit(clientCountCmd{room: room, reply: reply}); err != nil {
		return 0, err
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-reply:
		return count, nil
	case <-h.done:
		return 0, ErrHubStopped
	case <-timer.Chan():
		slog.Warn("ClientCount timed out", "timeout", commandTimeout)
		return 0, fmt.Errorf("client count command timed out after %v", commandTimeout)
	}
}

// Stop closes every registered session with a normal-closure frame and
// waits for the actor to exit. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		if err := h.submit(stopCmd{}); err != nil {
			return
		}

		timeout := h.clock.NewTimer(h.stopTimeout)
		defer timeout.Stop()

		select {
		case <-h.done:
			slog.Info("Hub stopped gracefully")
		case <-timeout.Chan():
			slog.Warn("Hub stop timeout exceeded", "timeout", h.stopTimeout)
			metrics.HubStopTimeoutsTotal.Inc()
		}
	})
}

func (h *Hub) submit(cmd hubCmd) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}

	select {
	case h.cmdCh <- cmd:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			metrics.HubPanicsTotal.Inc()
			h.closeAll("internal error")
		}
	}()

	depthTicker := h.clock.NewTicker(time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(h.cmdCh)
			metrics.HubCommandChannelDepth.Set(float64(depth))
			if depth > commandChannelSize*4/5 {
				slog.Warn("Hub command channel near capacity", "depth", depth, "capacity", cap(h.cmdCh))
			}

		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				c.reply <- h.handleRegister(c.session)
			case unregisterCmd:
				h.handleUnregister(c.session)
			case clientCountCmd:
				c.reply <- len(h.rooms[c.room])
			case stopCmd:
				h.handleStop()
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (h *Hub) handleRegister(s *Session) error {
	sessions, exists := h.rooms[s.Room()]
	if len(sessions) >= h.maxClientsPerRoom {
		metrics.ChatJoinsTotal.WithLabelValues("room_full").Inc()
		slog.Warn("Rejecting client: room is full", "room", s.Room().String(), "max_clients", h.maxClientsPerRoom)
		return fmt.Errorf("room %s holds %d clients: %w", s.Room(), h.maxClientsPerRoom, domain.ErrRoomFull)
	}

	if !exists {
		sessions = make(roomSessions)
		h.rooms[s.Room()] = sessions
	}
	if _, dup := sessions[s.ID()]; !dup {
		sessions[s.ID()] = s
		metrics.ChatConnectedClients.Inc()
	}
	metrics.ChatActiveRooms.Set(float64(len(h.rooms)))

	slog.Debug("Session registered", "room", s.Room().String(), "connection_id", s.ID().String(), "room_clients", len(sessions))
	return nil
}

func (h *Hub) handleUnregister(s *Session) {
	sessions, exists := h.rooms[s.Room()]
	if !exists {
		return
	}
	if _, ok := sessions[s.ID()]; !ok {
		return
	}

	delete(sessions, s.ID())
	metrics.ChatConnectedClients.Dec()

	if len(sessions) == 0 {
		delete(h.rooms, s.Room())
		metrics.ChatActiveRooms.Set(float64(len(h.rooms)))
		slog.Debug("Last local client left room", "room", s.Room().String())
	}
}

func (h *Hub) handleStop() {
	total := 0
	for _, sessions := range h.rooms {
		total += len(sessions)
	}
	slog.Info("Hub shutting down", "rooms", len(h.rooms), "sessions", total)

	h.closeAll(shutdownReason)

	slog.Info("Hub shutdown complete", "disconnected_sessions", total)
}

// closeAll closes sessions concurrently; each close may wait on a write deadline.
func (h *Hub) closeAll(reason string) {
	var wg sync.WaitGroup
	for room, sessions := range h.rooms {
		for _, s := range sessions {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
				defer cancel()
				_ = s.Close(ctx, reason)
			}()
		}
		delete(h.rooms, room)
	}
	wg.Wait()

	metrics.ChatActiveRooms.Set(0)
	metrics.ChatConnectedClients.Set(0)
}
