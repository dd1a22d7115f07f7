// Package events defines the wire envelope and payload shapes exchanged over a
// LifeSync realtime connection.
//
// Every frame is a JSON object of the form {"event": "<name>", "data": {...}}.
// Frames are encoded once by the producer and the same bytes are handed to
// every recipient, so all observers of a broadcast see identical payloads.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Name identifies a wire event.
type Name string

// Inbound events.
const (
	Handshake         Name = "handshake"
	ChatJoin          Name = "chat:join"
	ChatLeave         Name = "chat:leave"
	ChatMessage       Name = "chat:message"
	ChatOnlineRequest Name = "chat:online:request"
)

// Outbound events.
const (
	EntityAdd           Name = "entity:add"
	EntityUpdate        Name = "entity:update"
	EntityDelete        Name = "entity:delete"
	ActivityNew         Name = "activity:new"
	ChatMessageNew      Name = "chat:message:new"
	ChatOnlineResponse  Name = "chat:online:response"
	UserOnline          Name = "user:online"
	UserOffline         Name = "user:offline"
	AchievementUnlocked Name = "achievement:unlocked"
	MilestoneReached    Name = "milestone:reached"
	Error               Name = "error"
)

// ChatTyping travels in both directions.
const ChatTyping Name = "chat:typing"

// ErrMalformed is returned when a frame cannot be decoded.
var ErrMalformed = errors.New("events: malformed frame")

// Envelope is the outer shape of every frame.
type Envelope struct {
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals data under the given event name.
func Encode(name Name, data any) ([]byte, error) {
	env := Envelope{Event: name}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses a raw frame. A frame without an event name is malformed.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return env, nil
}

// Bind unmarshals the envelope data into v.
func (e Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformed, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Event, err)
	}
	return nil
}

// HandshakeRequest carries the bearer credential when it is not supplied on
// the upgrade request itself.
type HandshakeRequest struct {
	Credential string `json:"credential"`
}

// EntityPayload is the data of entity:add, entity:update and entity:delete.
// Item is set for add and update, ID for every action.
type EntityPayload struct {
	EntityKind         EntityKind      `json:"entityKind"`
	ID                 string          `json:"id"`
	Item               json.RawMessage `json:"item,omitempty"`
	Data               json.RawMessage `json:"data,omitempty"`
	OriginConnectionID string          `json:"originConnectionId,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
}

// ActivityPayload is the human readable summary carried by activity:new.
type ActivityPayload struct {
	Kind      EntityKind `json:"kind"`
	Action    Action     `json:"action"`
	ItemID    string     `json:"itemId"`
	ItemTitle string     `json:"itemTitle,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// RoomRequest is the data of chat:join and chat:leave.
type RoomRequest struct {
	RoomID string `json:"roomId"`
}

// ChatSendRequest is the data of an inbound chat:message.
type ChatSendRequest struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

// ChatMessagePayload is the authoritative copy of a stored chat message.
type ChatMessagePayload struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TypingRequest is the inbound chat:typing shape.
type TypingRequest struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// TypingPayload is the outbound chat:typing shape.
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// OnlineResponse answers chat:online:request.
type OnlineResponse struct {
	OnlineUsers []string `json:"onlineUsers"`
	Count       int      `json:"count"`
}

// PresencePayload is the data of user:online and user:offline.
type PresencePayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// NoticePayload is the data of server-pushed notifications.
type NoticePayload struct {
	Title       string    `json:"title"`
	Message     string    `json:"message,omitempty"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrorPayload reports a rejected inbound event back to its sender.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   Name   `json:"event,omitempty"`
}

// Error codes.
const (
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeStorage      = "storage"
	CodeRateLimited  = "rate_limited"
)
