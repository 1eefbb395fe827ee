package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/moodchat/internal/chat"
	"github.com/pscheid92/moodchat/internal/domain"
	"github.com/pscheid92/moodchat/internal/platform/config"
)

const (
	readBufferSize  = 1024
	writeBufferSize = 1024
)

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	broker   domain.Broker
	hub      *chat.Hub
	limits   *ConnectionLimits
	upgrader websocket.Upgrader

	checkOrigin  func(*http.Request) bool
	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, broker domain.Broker, hub *chat.Hub, clock clockwork.Clock, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	checkOrigin := NewCheckOrigin(cfg.AppURL, !cfg.IsProduction())

	srv := &Server{
		echo:   e,
		config: cfg,
		clock:  clock,
		broker: broker,
		hub:    hub,
		limits: NewConnectionLimits(
			clock,
			int64(cfg.MaxWebSocketConnections),
			cfg.MaxConnectionsPerIP,
			float64(cfg.ConnectionRatePerIP),
			cfg.ConnectionRateBurst,
		),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin:     checkOrigin,
		},
		checkOrigin:  checkOrigin,
		healthChecks: healthChecks,
		startTime:    clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// ServeHTTP lets the server be mounted directly, e.g. on an httptest server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests. Hijacked WebSocket connections are not
// tracked by Echo; they are closed through the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
