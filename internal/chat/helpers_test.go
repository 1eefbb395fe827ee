package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/moodchat/internal/broker"
	"github.com/pscheid92/moodchat/internal/domain"
	"github.com/stretchr/testify/require"
)

// fakeBroker records membership calls and can be told to fail.
type fakeBroker struct {
	mu         sync.Mutex
	addErr     error
	publishErr error
	added      []string
	removed    []string
	published  []domain.Envelope
}

func (b *fakeBroker) AddToGroup(_ context.Context, group string, _ domain.Member) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.addErr != nil {
		return b.addErr
	}
	b.added = append(b.added, group)
	return nil
}

func (b *fakeBroker) RemoveFromGroup(_ context.Context, group string, _ domain.Member) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, group)
	return nil
}

func (b *fakeBroker) Publish(_ context.Context, _ string, env domain.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, env)
	return nil
}

func (b *fakeBroker) removedGroups() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.removed...)
}

func (b *fakeBroker) publishedEnvelopes() []domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Envelope(nil), b.published...)
}

// chatServer wires Session and Hub the way the HTTP handler does, on a bare
// httptest server with rooms taken from /ws/chat/<room>.
type chatServer struct {
	broker domain.Broker
	hub    *Hub
	url    string
}

func newChatServer(t *testing.T, b domain.Broker, maxClientsPerRoom int) *chatServer {
	t.Helper()

	clock := clockwork.NewRealClock()
	hub := NewHub(clock, maxClientsPerRoom)
	t.Cleanup(hub.Stop)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		room := domain.RoomID(strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/ws/chat/"), "/"))

		session, err := NewSession(room, b, clock)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := session.Join(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			_ = session.Leave(ctx)
			return
		}
		if err := session.Accept(conn); err != nil {
			_ = conn.Close()
			_ = session.Leave(ctx)
			return
		}
		if err := hub.Register(session); err != nil {
			_ = session.Close(ctx, "room is full")
			return
		}
		defer hub.Unregister(session)

		_ = session.Serve(ctx)
	}))
	t.Cleanup(srv.Close)

	return &chatServer{broker: b, hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (s *chatServer) dial(t *testing.T, room string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url+"/ws/chat/"+room+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newMemoryChatServer(t *testing.T, maxClientsPerRoom int) (*chatServer, *broker.Memory) {
	t.Helper()
	b := broker.NewMemory()
	return newChatServer(t, b, maxClientsPerRoom), b
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func readChat(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	var out map[string]any
	readJSON(t, conn, &out)
	require.Contains(t, out, "message", "expected a chat frame, got %v", out)
	require.Len(t, out, 1, "chat frames carry only the message field")
	msg, ok := out["message"].(string)
	require.True(t, ok)
	return msg
}

// expectSilence asserts nothing arrives within a short window. The conn is
// unusable for reads afterwards.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", data)
}

func newTestConnPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ready := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(srv.Close)

	clientConn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { _ = serverConn.Close() })

	return serverConn, clientConn
}
