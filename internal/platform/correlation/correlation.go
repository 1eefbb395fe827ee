// Package correlation carries a per-request ID through contexts and stamps it
// on every log record written with that context.
package correlation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Header is the HTTP header used to propagate correlation IDs.
const Header = "X-Request-ID"

const maxIDLength = 64

type contextKey struct{}

// NewID generates a random correlation ID.
func NewID() string {
	return uuid.NewString()
}

// Sanitize returns id when it is usable as a correlation ID taken from a
// client, or a fresh one otherwise.
func Sanitize(id string) string {
	if id == "" || len(id) > maxIDLength {
		return NewID()
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return NewID()
		}
	}
	return id
}

func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// ID extracts the correlation ID from ctx, returning ("", false) if not present.
func ID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// Handler wraps a slog.Handler and adds "correlation_id" when the context has one.
type Handler struct {
	inner slog.Handler
}

func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ID(ctx); ok {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("correlation handler: %w", err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
