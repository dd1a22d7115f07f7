// Package server assembles the realtime core behind one HTTP handler: the
// realtime endpoint, health and metrics, and the REST hooks through which
// committed mutations reach live connections.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tyrowin/lifesync/internal/auth"
	"github.com/Tyrowin/lifesync/internal/chat"
	"github.com/Tyrowin/lifesync/internal/config"
	"github.com/Tyrowin/lifesync/internal/entitysync"
	"github.com/Tyrowin/lifesync/internal/gateway"
	"github.com/Tyrowin/lifesync/internal/metrics"
	"github.com/Tyrowin/lifesync/internal/notify"
	"github.com/Tyrowin/lifesync/internal/presence"
	"github.com/Tyrowin/lifesync/internal/rooms"
	"github.com/Tyrowin/lifesync/internal/store"
)

// Server owns every component of the realtime core.
type Server struct {
	cfg    config.Config
	logger *slog.Logger

	store    *store.Store
	verifier auth.Verifier
	router   *rooms.Router
	presence *presence.Registry
	chat     *chat.Pipeline
	gateway  *gateway.Gateway
	entities *entitysync.Service
	notifier *notify.Notifier

	registry *prometheus.Registry
	metrics  *metrics.Collector
	handler  http.Handler
}

// New wires the core over st. The caller keeps ownership of st.
func New(cfg config.Config, st *store.Store, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		verifier: auth.NewJWTVerifier(cfg.JWTSecret),
		registry: prometheus.NewRegistry(),
	}
	s.metrics = metrics.NewCollector(s.registry)

	s.router = rooms.NewRouter(
		rooms.WithLogger(logger.With(slog.String("component", "rooms"))),
		rooms.WithMetrics(s.metrics),
	)
	s.presence = presence.NewRegistry(gateway.PresenceBroadcaster(s.router, logger), s.metrics)
	s.chat = chat.NewPipeline(st, s.router, s.presence,
		chat.WithTypingExpiry(cfg.TypingExpiry),
		chat.WithLogger(logger.With(slog.String("component", "chat"))),
		chat.WithMetrics(s.metrics),
	)
	s.notifier = notify.New(s.router, logger.With(slog.String("component", "notify")), s.metrics)
	s.entities = entitysync.NewService(st,
		entitysync.NewBroadcaster(s.router, logger.With(slog.String("component", "entitysync")), s.metrics),
		logger,
		s.notifier.EntityHook(),
	)
	s.gateway = gateway.New(gateway.Config{
		Verifier: s.verifier,
		Router:   s.router,
		Presence: s.presence,
		Chat:     s.chat,
		Origins:  gateway.NewOriginPolicy(cfg.AllowedOrigins, logger),
		Options: gateway.Options{
			HandshakeTimeout: cfg.HandshakeTimeout,
			SendQueueSize:    cfg.SendQueueSize,
			MaxMessageSize:   cfg.MaxMessageSize,
			RateBurst:        cfg.RateLimit.Burst,
			RateRefill:       cfg.RateLimit.RefillInterval,
			PingInterval:     cfg.PingInterval,
			PongWait:         cfg.PongWait,
			WriteWait:        cfg.WriteWait,
		},
		Logger:  logger.With(slog.String("component", "gateway")),
		Metrics: s.metrics,
	})
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on the configured port until ctx is cancelled, then shuts down
// gracefully within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	httpServer := CreateServer(s.cfg.Port, s.handler)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.Close()
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	return s.Shutdown(httpServer, s.cfg.ShutdownTimeout)
}

// Shutdown stops accepting requests, closes every realtime connection and
// waits up to timeout for both.
func (s *Server) Shutdown(httpServer *http.Server, timeout time.Duration) error {
	start := time.Now()
	httpErr := ShutdownServer(httpServer, timeout, s.logger)

	remaining := timeout - time.Since(start)
	if remaining <= 0 {
		remaining = time.Second
	}
	gwErr := s.gateway.Shutdown(remaining)
	s.Close()
	return errors.Join(httpErr, gwErr)
}

// Close stops background timers. It does not close the store.
func (s *Server) Close() {
	s.chat.Close()
}
