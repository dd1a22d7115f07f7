package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Tyrowin/lifesync/internal/chat"
	"github.com/Tyrowin/lifesync/internal/events"
)

// dispatch routes one inbound frame. Rejections are answered to the sender
// only and never affect other connections.
func (g *Gateway) dispatch(ctx context.Context, c *Connection, raw []byte) {
	env, err := events.Decode(raw)
	if err != nil {
		g.reject(c, "", events.CodeBadRequest, "malformed event")
		return
	}

	switch env.Event {
	case events.ChatJoin:
		var req events.RoomRequest
		if err = env.Bind(&req); err == nil {
			err = g.chat.Join(ctx, c, req.RoomID)
		}
	case events.ChatLeave:
		var req events.RoomRequest
		if err = env.Bind(&req); err == nil {
			err = g.chat.Leave(c, req.RoomID)
		}
	case events.ChatMessage:
		var req events.ChatSendRequest
		if err = env.Bind(&req); err == nil {
			_, err = g.chat.Send(ctx, c, req.RoomID, req.Content)
		}
	case events.ChatTyping:
		var req events.TypingRequest
		if err = env.Bind(&req); err == nil {
			err = g.chat.SetTyping(c, req.RoomID, req.IsTyping)
		}
	case events.ChatOnlineRequest:
		c.deliverEvent(events.ChatOnlineResponse, g.chat.Online())
	case events.Handshake:
		g.reject(c, env.Event, events.CodeBadRequest, "already authenticated")
		return
	default:
		g.reject(c, env.Event, events.CodeBadRequest, "unknown event")
		return
	}

	if err != nil {
		g.reject(c, env.Event, errorCode(err), err.Error())
	}
}

func (g *Gateway) reject(c *Connection, event events.Name, code, message string) {
	g.metrics.EventRejected(code)
	c.logger.Debug("event rejected",
		slog.String("event", string(event)),
		slog.String("code", code),
		slog.String("reason", message))
	c.deliverEvent(events.Error, events.ErrorPayload{Code: code, Message: message, Event: event})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotParticipant), errors.Is(err, chat.ErrNotJoined):
		return events.CodeForbidden
	case errors.Is(err, chat.ErrRoomNotFound):
		return events.CodeNotFound
	case errors.Is(err, chat.ErrStorage):
		return events.CodeStorage
	default:
		return events.CodeBadRequest
	}
}
