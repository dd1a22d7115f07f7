package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/lifesync/internal/auth"
	"github.com/Tyrowin/lifesync/internal/events"
)

// ServeHTTP upgrades the request and runs the handshake. The credential is
// read from the Authorization header, the token query parameter, or a first
// handshake frame that must arrive within the handshake timeout.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. Realtime endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	credential := credentialFromRequest(r)
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Info("realtime upgrade failed", slog.String("remote_addr", r.RemoteAddr), slog.Any("error", err))
		return
	}

	if credential == "" {
		credential, err = g.readHandshake(conn)
		if err != nil {
			g.metrics.HandshakeFailed("no_handshake")
			g.logger.Info("handshake frame missing", slog.String("remote_addr", r.RemoteAddr), slog.Any("error", err))
			g.refuse(conn, err)
			return
		}
	}

	if _, err := g.Handshake(r.Context(), credential, conn, r.RemoteAddr); err != nil {
		g.refuse(conn, err)
	}
}

func credentialFromRequest(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (g *Gateway) readHandshake(conn *websocket.Conn) (string, error) {
	conn.SetReadLimit(g.opts.MaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(g.opts.HandshakeTimeout)); err != nil {
		return "", err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("%w: %w", auth.ErrMissingCredential, err)
	}
	env, err := events.Decode(raw)
	if err != nil {
		return "", err
	}
	if env.Event != events.Handshake {
		return "", fmt.Errorf("%w: first event was %s", auth.ErrMissingCredential, env.Event)
	}
	var req events.HandshakeRequest
	if err := env.Bind(&req); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.Credential) == "" {
		return "", auth.ErrMissingCredential
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", err
	}
	return req.Credential, nil
}

// refuse tells the peer why no connection was established and closes the
// socket. No room or presence state exists at this point.
func (g *Gateway) refuse(conn *websocket.Conn, err error) {
	deadline := time.Now().Add(g.opts.WriteWait)
	code := websocket.ClosePolicyViolation
	if errors.Is(err, ErrShuttingDown) {
		code = websocket.CloseGoingAway
	} else {
		frame, encErr := events.Encode(events.Error, events.ErrorPayload{
			Code:    events.CodeUnauthorized,
			Message: "authentication failed",
			Event:   events.Handshake,
		})
		if encErr == nil {
			_ = conn.SetWriteDeadline(deadline)
			_ = conn.WriteMessage(websocket.TextMessage, frame)
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
		g.logger.Debug("close refused connection failed", slog.Any("error", err))
	}
}
