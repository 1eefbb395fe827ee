package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/moodchat/internal/broker"
	"github.com/pscheid92/moodchat/internal/chat"
	"github.com/pscheid92/moodchat/internal/domain"
	"github.com/pscheid92/moodchat/internal/platform/config"
	"github.com/stretchr/testify/require"
)

type testServerOptions struct {
	cfg          *config.Config
	broker       domain.Broker
	healthChecks []HealthCheck
	clock        clockwork.Clock
}

type testServerOption func(*testServerOptions)

func withConfig(mutate func(*config.Config)) testServerOption {
	return func(o *testServerOptions) { mutate(o.cfg) }
}

func withBroker(b domain.Broker) testServerOption {
	return func(o *testServerOptions) { o.broker = b }
}

func withHealthChecks(checks ...HealthCheck) testServerOption {
	return func(o *testServerOptions) { o.healthChecks = checks }
}

func withClock(clock clockwork.Clock) testServerOption {
	return func(o *testServerOptions) { o.clock = clock }
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:                  "development",
		Port:                    "0",
		AppURL:                  "https://moodchat.example.com",
		RedisChannelPrefix:      "moodchat",
		MaxWebSocketConnections: 100,
		MaxConnectionsPerIP:     50,
		ConnectionRatePerIP:     100,
		ConnectionRateBurst:     100,
		MaxClientsPerRoom:       10,
		ShutdownTimeout:         time.Second,
	}
}

func newTestServer(t *testing.T, opts ...testServerOption) *Server {
	t.Helper()

	o := &testServerOptions{
		cfg:    testConfig(),
		broker: broker.NewMemory(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(o)
	}

	hub := chat.NewHub(o.clock, o.cfg.MaxClientsPerRoom)
	t.Cleanup(hub.Stop)

	return NewServer(o.cfg, o.broker, hub, o.clock, o.healthChecks)
}

// startTestServer mounts srv on an httptest server and returns its ws:// base URL.
func startTestServer(t *testing.T, srv *Server) string {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialRoom(t *testing.T, baseURL, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(baseURL+path, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialExpectingStatus dials and asserts the handshake was refused with status.
func dialExpectingStatus(t *testing.T, baseURL, path string, header http.Header, status int) map[string]any {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(baseURL+path, header)
	if conn != nil {
		_ = conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, status, resp.StatusCode)

	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return body
}

func readChatMessage(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg.Message
}

// failingBroker refuses every join.
type failingBroker struct {
	domain.Broker
	err error
}

func (b failingBroker) AddToGroup(context.Context, string, domain.Member) error {
	return b.err
}
