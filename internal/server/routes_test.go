package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pscheid92/moodchat/internal/platform/correlation"
	"github.com/stretchr/testify/assert"
)

func TestCorrelationMiddleware_KeepsCallerID(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set(correlation.Header, "req-123")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get(correlation.Header))
}

func TestCorrelationMiddleware_ReplacesUnusableID(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set(correlation.Header, strings.Repeat("x", 200))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	got := rec.Header().Get(correlation.Header)
	assert.NotEmpty(t, got)
	assert.NotEqual(t, strings.Repeat("x", 200), got)
}

func TestSecureHeaders(t *testing.T) {
	rec := get(t, newTestServer(t), "/health/live")

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestUnknownRoute(t *testing.T) {
	rec := get(t, newTestServer(t), "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
