package chat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/moodchat/internal/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	idleTimeout       = 5 * time.Minute
	messageBufferSize = 16
)

// writer owns all writes to one connection: queued frames, keepalive pings,
// and the final close frame.
type writer struct {
	conn   Conn
	clock  clockwork.Clock
	send   <-chan []byte
	quit   chan struct{}
	logger *slog.Logger

	stopOnce sync.Once
	wg       sync.WaitGroup

	activityMu   sync.Mutex
	lastActivity time.Time
}

func newWriter(conn Conn, clock clockwork.Clock, send <-chan []byte, logger *slog.Logger) *writer {
	w := &writer{
		conn:         conn,
		clock:        clock,
		send:         send,
		quit:         make(chan struct{}),
		logger:       logger,
		lastActivity: clock.Now(),
	}
	w.configurePongHandler()
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *writer) run() {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-w.send:
			start := w.clock.Now()
			w.updateWriteDeadline()
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				w.logger.Debug("Write failed, closing connection", "error", err)
				_ = w.conn.Close()
				return
			}
			metrics.WebSocketMessageSendDuration.Observe(w.clock.Since(start).Seconds())

		case <-ticker.Chan():
			if w.idleExpired() {
				metrics.WebSocketIdleDisconnects.Inc()
				w.logger.Info("Closing idle connection", "idle_timeout", idleTimeout)
				w.writeClose("idle timeout")
				return
			}

			w.updateWriteDeadline()
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				_ = w.conn.Close()
				return
			}

		case <-w.quit:
			return
		}
	}
}

// stop ends the write loop and closes the connection without a close frame.
func (w *writer) stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
		_ = w.conn.Close()
	})
	w.wg.Wait()
}

// stopGraceful ends the write loop, then sends a normal-closure frame with reason.
func (w *writer) stopGraceful(reason string) {
	w.stopOnce.Do(func() {
		close(w.quit)
		// run must exit before we write, the connection allows one writer
		w.wg.Wait()
		w.writeClose(reason)
	})
	w.wg.Wait()
}

func (w *writer) writeClose(reason string) {
	w.updateWriteDeadline()
	_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	_ = w.conn.Close()
}

func (w *writer) configurePongHandler() {
	w.updateReadDeadline()
	w.conn.SetPongHandler(func(string) error {
		w.touch()
		return nil
	})
}

func (w *writer) updateWriteDeadline() {
	_ = w.conn.SetWriteDeadline(w.clock.Now().Add(writeDeadline))
}

func (w *writer) updateReadDeadline() {
	_ = w.conn.SetReadDeadline(w.clock.Now().Add(pongDeadline))
}

// touch runs on the reader goroutine for every pong and inbound frame.
func (w *writer) touch() {
	w.updateReadDeadline()
	w.recordActivity()
}

func (w *writer) recordActivity() {
	w.activityMu.Lock()
	defer w.activityMu.Unlock()
	w.lastActivity = w.clock.Now()
}

func (w *writer) idleExpired() bool {
	w.activityMu.Lock()
	defer w.activityMu.Unlock()
	return w.clock.Since(w.lastActivity) >= idleTimeout
}
