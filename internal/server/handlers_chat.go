package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/moodchat/internal/chat"
	"github.com/pscheid92/moodchat/internal/domain"
	"github.com/pscheid92/moodchat/internal/metrics"
	apperrors "github.com/pscheid92/moodchat/internal/platform/errors"
	"github.com/pscheid92/moodchat/internal/platform/logging"
)

const roomFullReason = "room is full"

// handleChatWebSocket joins the caller to the room's group before upgrading,
// so a client whose registration fails gets a plain HTTP error instead of a
// socket that never receives anything.
func (s *Server) handleChatWebSocket(c echo.Context) error {
	ctx := c.Request().Context()
	ip := c.RealIP()

	if ok, reason := s.limits.Acquire(ip); !ok {
		metrics.WebSocketConnectionsRejected.WithLabelValues(string(reason)).Inc()
		metrics.WebSocketConnectionsTotal.WithLabelValues("rejected").Inc()
		return apperrors.RateLimitedError("too many connections").WithContext("reason", string(reason))
	}
	defer s.limits.Release(ip)

	if !s.checkOrigin(c.Request()) {
		metrics.WebSocketConnectionsRejected.WithLabelValues("origin").Inc()
		metrics.WebSocketConnectionsTotal.WithLabelValues("rejected").Inc()
		return echo.NewHTTPError(http.StatusForbidden, "origin not allowed")
	}

	session, err := chat.NewSession(domain.RoomID(c.Param("room")), s.broker, s.clock)
	if err != nil {
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		return err
	}
	logger := logging.WithConnection(logging.WithRoom(slog.Default(), session.Room()), session.ID())

	if err := session.Join(ctx); err != nil {
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		return err
	}

	// From here on the response belongs to the upgrader; errors are logged,
	// never returned.
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		logger.WarnContext(ctx, "WebSocket upgrade failed", "error", err)
		_ = session.Leave(ctx)
		return nil
	}

	if err := session.Accept(conn); err != nil {
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		logger.ErrorContext(ctx, "Failed to start session", "error", err)
		_ = conn.Close()
		_ = session.Leave(ctx)
		return nil
	}

	if err := s.hub.Register(session); err != nil {
		reason := "server unavailable"
		if errors.Is(err, domain.ErrRoomFull) {
			reason = roomFullReason
		}
		metrics.WebSocketConnectionsTotal.WithLabelValues("rejected").Inc()
		logger.InfoContext(ctx, "Session not admitted", "error", err)
		_ = session.Close(ctx, reason)
		return nil
	}
	defer s.hub.Unregister(session)

	metrics.WebSocketConnectionsTotal.WithLabelValues("success").Inc()
	logger.InfoContext(ctx, "Client connected", "remote_ip", ip)

	if err := session.Serve(ctx); err != nil {
		logger.ErrorContext(ctx, "Session ended with error", "error", err)
	}
	logger.InfoContext(ctx, "Client disconnected")
	return nil
}
