package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pscheid92/moodchat/internal/domain"
	"github.com/pscheid92/moodchat/internal/platform/correlation"
)

// InitLogger installs the process-wide slog default.
// level: "debug", "info", "warn", "error" (defaults to "info")
// format: "json" or "text" (defaults to "text")
func InitLogger(level, format string) *slog.Logger {
	logger := New(os.Stdout, level, format)
	slog.SetDefault(logger)
	return logger
}

// New builds a correlation-aware logger writing to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(correlation.NewHandler(handler))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRoom scopes a logger to a chat room.
func WithRoom(l *slog.Logger, room domain.RoomID) *slog.Logger {
	return l.With("room", room.String(), "group", domain.GroupName(room))
}

// WithConnection scopes a logger to one chat connection.
func WithConnection(l *slog.Logger, id domain.ConnectionID) *slog.Logger {
	return l.With("connection_id", id.String())
}
