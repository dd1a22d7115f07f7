// Package gateway accepts realtime connections, authenticates them and owns
// their lifecycle.
//
// A connection exists only after a successful handshake. From then on it is
// a member of its identity's user room and of the global chat room, it is
// registered with the presence registry, and it runs one read pump and one
// write pump. When either pump stops, the gateway removes the connection
// from every room and from the presence registry exactly once.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/lifesync/internal/auth"
	"github.com/Tyrowin/lifesync/internal/chat"
	"github.com/Tyrowin/lifesync/internal/events"
	"github.com/Tyrowin/lifesync/internal/metrics"
	"github.com/Tyrowin/lifesync/internal/presence"
	"github.com/Tyrowin/lifesync/internal/rooms"
)

var (
	// ErrHandshake wraps every reason a handshake was refused.
	ErrHandshake = errors.New("gateway: handshake rejected")
	// ErrShuttingDown is returned for handshakes after Shutdown started.
	ErrShuttingDown = errors.New("gateway: shutting down")
)

// Options tunes connections.
type Options struct {
	HandshakeTimeout time.Duration
	SendQueueSize    int
	MaxMessageSize   int64
	RateBurst        int
	RateRefill       time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 5 * time.Second,
		SendQueueSize:    256,
		MaxMessageSize:   4096,
		RateBurst:        10,
		RateRefill:       200 * time.Millisecond,
		PingInterval:     54 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = def.SendQueueSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = def.MaxMessageSize
	}
	if o.RateBurst <= 0 {
		o.RateBurst = def.RateBurst
	}
	if o.RateRefill <= 0 {
		o.RateRefill = def.RateRefill
	}
	if o.PongWait <= 0 {
		o.PongWait = def.PongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = def.WriteWait
	}
	return o
}

// Gateway is the connection gateway.
type Gateway struct {
	verifier auth.Verifier
	router   *rooms.Router
	presence *presence.Registry
	chat     *chat.Pipeline
	origins  *OriginPolicy
	upgrader websocket.Upgrader
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conns   map[string]*Connection
	closing bool
}

// Config wires a Gateway to the rest of the core.
type Config struct {
	Verifier auth.Verifier
	Router   *rooms.Router
	Presence *presence.Registry
	Chat     *chat.Pipeline
	Origins  *OriginPolicy
	Options  Options
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := cfg.Origins
	if origins == nil {
		origins = NewOriginPolicy(nil, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		verifier: cfg.Verifier,
		router:   cfg.Router,
		presence: cfg.Presence,
		chat:     cfg.Chat,
		origins:  origins,
		opts:     cfg.Options.withDefaults(),
		logger:   logger,
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*Connection),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.Check,
	}
	return g
}

// PresenceBroadcaster returns a presence.PublishFunc that announces
// transitions to the global chat room.
func PresenceBroadcaster(router *rooms.Router, logger *slog.Logger) presence.PublishFunc {
	if logger == nil {
		logger = slog.Default()
	}
	room := rooms.ChatRoom(chat.GlobalRoomID)
	return func(t presence.Transition) {
		name := events.UserOffline
		if t.Online {
			name = events.UserOnline
		}
		payload := events.PresencePayload{UserID: t.IdentityID, UserName: t.Name}
		if _, err := router.BroadcastEvent(room, name, payload, ""); err != nil {
			logger.Error("presence broadcast failed", slog.String("user_id", t.IdentityID), slog.Any("error", err))
		}
	}
}

// Handshake verifies credential and, on success, turns transport into a live
// Connection: it joins the identity's user room and the global chat room,
// marks the identity online and starts the pumps. On failure nothing is
// registered and the transport is left to the caller.
func (g *Gateway) Handshake(ctx context.Context, credential string, transport Transport, remoteAddr string) (*Connection, error) {
	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()
	if closing {
		return nil, ErrShuttingDown
	}

	vctx, cancel := context.WithTimeout(ctx, g.opts.HandshakeTimeout)
	defer cancel()
	identity, err := g.verifier.Verify(vctx, credential)
	if err == nil && identity.ID == "" {
		err = auth.ErrInvalidCredential
	}
	if err != nil {
		g.metrics.HandshakeFailed(handshakeReason(err))
		g.logger.Info("handshake rejected", slog.String("remote_addr", remoteAddr), slog.Any("error", err))
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	c := newConnection(g, uuid.NewString(), identity, transport, remoteAddr)

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		c.cancel()
		return nil, ErrShuttingDown
	}
	g.conns[c.id] = c
	g.wg.Add(2)
	g.mu.Unlock()

	g.metrics.ConnectionOpened()
	g.router.Join(c, rooms.UserRoom(identity.ID))
	g.router.Join(c, rooms.ChatRoom(chat.GlobalRoomID))
	g.presence.MarkOnline(identity, c.id)
	c.logger.Info("connection established", slog.String("remote_addr", remoteAddr))

	go func() {
		defer g.wg.Done()
		c.writePump()
	}()
	go func() {
		defer g.wg.Done()
		c.readPump()
	}()
	return c, nil
}

func handshakeReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return "missing"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, auth.ErrAuthDisabled):
		return "disabled"
	default:
		return "invalid"
	}
}

// disconnect deregisters c from rooms and presence. It runs once per
// connection no matter how many paths reach it.
func (g *Gateway) disconnect(c *Connection) {
	c.doneOnce.Do(func() {
		c.Close(websocket.CloseNormalClosure)

		left := g.router.LeaveAll(c.id)
		g.presence.MarkOffline(c.identity.ID, c.id)
		if g.chat != nil {
			g.chat.Disconnected(c.identity.ID, c.id, left)
		}

		g.mu.Lock()
		delete(g.conns, c.id)
		remaining := len(g.conns)
		g.mu.Unlock()

		g.metrics.ConnectionClosed()
		c.logger.Info("connection closed", slog.Int("rooms_left", len(left)), slog.Int("connections", remaining))
	})
}

// Connections returns the number of live connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown closes every connection with a going-away frame and waits for
// their pumps to finish, or for timeout.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.logger.Info("initiating gateway shutdown")

	g.mu.Lock()
	g.closing = true
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway)
	}
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("gateway shutdown completed", slog.Int("closed", len(conns)))
		return nil
	case <-time.After(timeout):
		g.logger.Warn("gateway shutdown timeout reached, some connections may still be running")
		return context.DeadlineExceeded
	}
}
