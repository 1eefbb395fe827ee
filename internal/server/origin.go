package server

import (
	"log/slog"
	"net/http"
	"net/url"
)

// NewCheckOrigin returns the WebSocket origin policy. Empty origins (native
// clients) and the app's own origin are allowed; localhost is allowed too
// when allowLocalhost is set.
func NewCheckOrigin(appURL string, allowLocalhost bool) func(r *http.Request) bool {
	appOrigin := extractOrigin(appURL)

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		if origin == "" {
			return true
		}
		if appOrigin != "" && origin == appOrigin {
			return true
		}
		if allowLocalhost && isLocalhostOrigin(origin) {
			return true
		}

		slog.WarnContext(r.Context(), "WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
