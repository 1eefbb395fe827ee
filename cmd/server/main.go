package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/moodchat/internal/broker"
	"github.com/pscheid92/moodchat/internal/chat"
	"github.com/pscheid92/moodchat/internal/domain"
	"github.com/pscheid92/moodchat/internal/platform/config"
	"github.com/pscheid92/moodchat/internal/platform/logging"
	"github.com/pscheid92/moodchat/internal/platform/version"
	"github.com/pscheid92/moodchat/internal/redis"
	"github.com/pscheid92/moodchat/internal/server"
)

const redisConnectTimeout = 30 * time.Second

// groupBroker is what the process needs from either broker backend.
type groupBroker interface {
	domain.Broker
	domain.Pinger
	io.Closer
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupBroker picks the Redis broker when REDIS_URL is set and the in-process
// one otherwise. The returned cleanup closes everything it opened.
func setupBroker(cfg *config.Config) (groupBroker, func()) {
	if cfg.RedisURL == "" {
		slog.Warn("REDIS_URL not set, using in-process broker; rooms are not shared across instances")
		b := broker.NewMemory()
		return b, func() { _ = b.Close() }
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	b := redis.NewBroker(client, cfg.RedisChannelPrefix)
	slog.Info("Using Redis broker", "channel_prefix", cfg.RedisChannelPrefix)

	return b, func() {
		if err := b.Close(); err != nil {
			slog.Error("Failed to close broker", "error", err)
		}
		if err := client.Close(); err != nil {
			slog.Error("Failed to close Redis client", "error", err)
		}
	}
}

func healthChecks(b groupBroker, hub *chat.Hub) []server.HealthCheck {
	return []server.HealthCheck{
		{Name: "broker", Check: b.Ping},
		{Name: "hub", Check: func(context.Context) error {
			_, err := hub.ClientCount("")
			return err
		}},
	}
}

func runGracefulShutdown(cfg *config.Config, srv *server.Server, hub *chat.Hub) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		// Hijacked WebSocket connections outlive the HTTP server; the hub
		// closes them with a close frame.
		hub.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Publish()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", info.Version, "commit", info.Commit)

	chatBroker, closeBroker := setupBroker(cfg)
	defer closeBroker()

	hub := chat.NewHub(clock, cfg.MaxClientsPerRoom)

	srv := server.NewServer(cfg, chatBroker, hub, clock, healthChecks(chatBroker, hub))

	done := runGracefulShutdown(cfg, srv, hub)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		hub.Stop()
		closeBroker()
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
