package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/lifesync/internal/auth"
	"github.com/Tyrowin/lifesync/internal/events"
	"github.com/Tyrowin/lifesync/internal/rooms"
)

// Transport is the socket under a Connection. *websocket.Conn satisfies it.
type Transport interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Connection is one authenticated realtime session. Its identity is fixed at
// handshake. Outbound frames go through a bounded queue drained by the write
// pump; a full queue closes the connection rather than blocking the sender.
type Connection struct {
	id         string
	identity   auth.Identity
	remoteAddr string

	conn    Transport
	send    chan []byte
	limiter *rate.Limiter
	opts    Options

	ctx       context.Context
	cancel    context.CancelFunc
	closeCode atomic.Int32
	closeOnce sync.Once
	doneOnce  sync.Once

	gw     *Gateway
	logger *slog.Logger
}

func newConnection(gw *Gateway, id string, identity auth.Identity, conn Transport, remoteAddr string) *Connection {
	ctx, cancel := context.WithCancel(gw.ctx)
	c := &Connection{
		id:         id,
		identity:   identity,
		remoteAddr: remoteAddr,
		conn:       conn,
		send:       make(chan []byte, gw.opts.SendQueueSize),
		limiter:    rate.NewLimiter(rate.Every(gw.opts.RateRefill), gw.opts.RateBurst),
		opts:       gw.opts,
		ctx:        ctx,
		cancel:     cancel,
		gw:         gw,
		logger: gw.logger.With(
			slog.String("conn_id", id),
			slog.String("user_id", identity.ID),
		),
	}
	c.closeCode.Store(websocket.CloseNormalClosure)
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// IdentityID returns the id of the authenticated identity.
func (c *Connection) IdentityID() string { return c.identity.ID }

// IdentityName returns the display name of the authenticated identity.
func (c *Connection) IdentityName() string { return c.identity.Name }

// Identity returns the authenticated identity.
func (c *Connection) Identity() auth.Identity { return c.identity }

// Done is closed once the connection starts shutting down.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// Deliver queues frame for the write pump without blocking. When the queue is
// full the connection is closed and ErrQueueFull returned.
func (c *Connection) Deliver(frame []byte) error {
	select {
	case <-c.ctx.Done():
		return rooms.ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.logger.Warn("outbound queue full, closing connection", slog.Int("queue_size", cap(c.send)))
		c.Close(websocket.CloseTryAgainLater)
		return rooms.ErrQueueFull
	}
}

func (c *Connection) deliverEvent(name events.Name, data any) {
	frame, err := events.Encode(name, data)
	if err != nil {
		c.logger.Error("encode outbound event failed", slog.String("event", string(name)), slog.Any("error", err))
		return
	}
	if err := c.Deliver(frame); err != nil {
		c.logger.Debug("reply dropped", slog.String("event", string(name)), slog.Any("error", err))
	}
}

// Close asks the write pump to send a close frame with code and shut the
// socket. Only the first call's code is used.
func (c *Connection) Close(code int) {
	c.closeOnce.Do(func() {
		c.closeCode.Store(int32(code))
		c.cancel()
	})
}

// setupReadConnection configures read deadlines and pong handler for the socket.
func (c *Connection) setupReadConnection() {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		c.logger.Debug("set initial read deadline failed", slog.Any("error", err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
}

// logReadError classifies the error that ended the read loop.
func (c *Connection) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Info("inbound frame exceeded maximum size", slog.Int64("max_bytes", c.opts.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("peer disconnected", slog.Any("reason", err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("connection closed", slog.Any("reason", err))
	default:
		c.logger.Warn("realtime read error", slog.Any("error", err))
	}
}

// readPump runs on the connection's own goroutine. Every inbound event is
// dispatched here, so joins and the final LeaveAll never race.
func (c *Connection) readPump() {
	defer c.gw.disconnect(c)

	c.setupReadConnection()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if !c.limiter.Allow() {
			c.logger.Info("rate limit exceeded, discarding event")
			c.gw.reject(c, "", events.CodeRateLimited, "too many events")
			continue
		}
		c.gw.dispatch(c.ctx, c, raw)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeTransport()
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.write(websocket.TextMessage, frame) {
				c.Close(websocket.CloseAbnormalClosure)
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				c.Close(websocket.CloseAbnormalClosure)
				return
			}
		case <-c.ctx.Done():
			c.writeClose(int(c.closeCode.Load()))
			return
		}
	}
}

func (c *Connection) write(messageType int, data []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		c.logger.Debug("set write deadline failed", slog.Any("error", err))
		return false
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("realtime write failed", slog.Any("error", err))
		}
		return false
	}
	return true
}

func (c *Connection) writeClose(code int) {
	if code == websocket.CloseAbnormalClosure {
		// 1006 is reserved and never sent on the wire.
		return
	}
	msg := websocket.FormatCloseMessage(code, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("write close frame failed", slog.Any("error", err))
		}
	}
}

func (c *Connection) closeTransport() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("close transport failed", slog.Any("error", err))
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
