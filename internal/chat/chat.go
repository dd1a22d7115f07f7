// Package chat implements the chat pipeline: room membership checks, message
// append and fan-out, typing indicators and presence queries.
package chat

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/Tyrowin/lifesync/internal/events"
	"github.com/Tyrowin/lifesync/internal/rooms"
)

// GlobalRoomID is the shared room every authenticated identity may use.
const GlobalRoomID = "global"

// DefaultTypingExpiry is how long a typing indicator survives without renewal.
const DefaultTypingExpiry = 3 * time.Second

var (
	ErrMissingRoom    = errors.New("chat: room id required")
	ErrEmptyContent   = errors.New("chat: message content is empty")
	ErrRoomNotFound   = errors.New("chat: room not found")
	ErrNotParticipant = errors.New("chat: not a participant of this room")
	ErrNotJoined      = errors.New("chat: room not joined")
	ErrStorage        = errors.New("chat: message could not be stored")
)

// Kind distinguishes the shared room from private 1:1 rooms.
type Kind string

const (
	KindGroup   Kind = "group"
	KindPrivate Kind = "private"
)

// Room is a chat room as persisted by the record store.
type Room struct {
	ID            string
	Kind          Kind
	Participants  []string
	LastMessageID string
	LastMessageAt time.Time
	CreatedAt     time.Time
}

// Allows reports whether identityID may read and post in the room. Group
// rooms are open to every authenticated identity.
func (r Room) Allows(identityID string) bool {
	if r.Kind != KindPrivate {
		return true
	}
	return slices.Contains(r.Participants, identityID)
}

// Message is an immutable, stored chat message.
type Message struct {
	ID         string
	RoomID     string
	SenderID   string
	SenderName string
	Content    string
	CreatedAt  time.Time
}

// Payload converts m to its wire form.
func (m Message) Payload() events.ChatMessagePayload {
	return events.ChatMessagePayload{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}

// Store is the durable side of the pipeline.
type Store interface {
	// Room returns the room or an error wrapping ErrRoomNotFound.
	Room(ctx context.Context, roomID string) (Room, error)
	// AppendMessage stores msg at the end of its room's log and moves the
	// room's last-message pointer to it in the same transaction.
	AppendMessage(ctx context.Context, msg Message) error
}

// Participant is a connection acting in a chat.
type Participant interface {
	rooms.Member
	IdentityName() string
}
