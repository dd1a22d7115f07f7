package chat

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/lifesync/internal/events"
	"github.com/Tyrowin/lifesync/internal/metrics"
	"github.com/Tyrowin/lifesync/internal/presence"
	"github.com/Tyrowin/lifesync/internal/rooms"
)

const shardCount = 32

type typingEntry struct {
	timer  *time.Timer
	gen    uint64
	connID string
	name   string
}

// roomState is the single writer of one room. writeMu serialises appends so
// every observer sees the log in the same order; typing has its own lock so
// indicators are not held up by a slow store.
type roomState struct {
	writeMu sync.Mutex
	lastAt  time.Time

	typingMu sync.Mutex
	typing   map[string]*typingEntry
	gen      uint64
}

type stateShard struct {
	mu    sync.Mutex
	rooms map[string]*roomState
}

// Pipeline is the chat pipeline.
type Pipeline struct {
	store    Store
	router   *rooms.Router
	presence *presence.Registry

	typingExpiry time.Duration
	now          func() time.Time
	newID        func() string
	logger       *slog.Logger
	metrics      *metrics.Collector

	shards [shardCount]stateShard
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTypingExpiry overrides DefaultTypingExpiry.
func WithTypingExpiry(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.typingExpiry = d
		}
	}
}

// WithClock overrides time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline wires a pipeline over store, router and presence.
func NewPipeline(store Store, router *rooms.Router, reg *presence.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:        store,
		router:       router,
		presence:     reg,
		typingExpiry: DefaultTypingExpiry,
		now:          time.Now,
		newID:        uuid.NewString,
		logger:       slog.Default(),
	}
	for i := range p.shards {
		p.shards[i].rooms = make(map[string]*roomState)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) state(roomID string) *roomState {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	s := &p.shards[h.Sum32()%shardCount]

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.rooms[roomID]
	if st == nil {
		st = &roomState{typing: make(map[string]*typingEntry)}
		s.rooms[roomID] = st
	}
	return st
}

func (p *Pipeline) authorize(ctx context.Context, identityID, roomID string) (Room, error) {
	if strings.TrimSpace(roomID) == "" {
		return Room{}, ErrMissingRoom
	}
	room, err := p.store.Room(ctx, roomID)
	if err != nil {
		return Room{}, err
	}
	if !room.Allows(identityID) {
		return Room{}, ErrNotParticipant
	}
	return room, nil
}

// Join adds the participant's connection to roomID. Private rooms only admit
// their participants. The message log is not touched.
func (p *Pipeline) Join(ctx context.Context, who Participant, roomID string) error {
	if _, err := p.authorize(ctx, who.IdentityID(), roomID); err != nil {
		return err
	}
	if p.router.Join(who, rooms.ChatRoom(roomID)) {
		p.logger.Debug("joined chat room",
			slog.String("conn_id", who.ID()),
			slog.String("user_id", who.IdentityID()),
			slog.String("room", roomID))
	}
	return nil
}

// Leave removes the connection from roomID. The identity stays in the
// persisted participant list.
func (p *Pipeline) Leave(who Participant, roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return ErrMissingRoom
	}
	p.router.Leave(who.ID(), rooms.ChatRoom(roomID))
	p.clearTyping(roomID, who.IdentityID(), who.ID(), true)
	return nil
}

// Send validates, stores and broadcasts a message. The stored copy goes to
// every connection in the room including the sender's, which is how the
// sender reconciles its optimistic placeholder. Nothing is broadcast if the
// append fails.
func (p *Pipeline) Send(ctx context.Context, who Participant, roomID, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		p.metrics.ChatMessage("rejected")
		return Message{}, ErrEmptyContent
	}
	if _, err := p.authorize(ctx, who.IdentityID(), roomID); err != nil {
		p.metrics.ChatMessage("rejected")
		return Message{}, err
	}

	st := p.state(roomID)
	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	// The store keeps microseconds; the live copy must match history.
	createdAt := p.now().UTC().Truncate(time.Microsecond)
	if createdAt.Before(st.lastAt) {
		createdAt = st.lastAt
	}
	msg := Message{
		ID:         p.newID(),
		RoomID:     roomID,
		SenderID:   who.IdentityID(),
		SenderName: who.IdentityName(),
		Content:    content,
		CreatedAt:  createdAt,
	}
	if err := p.store.AppendMessage(ctx, msg); err != nil {
		p.metrics.ChatMessage("storage_error")
		p.logger.Error("chat append failed",
			slog.String("room", roomID),
			slog.String("user_id", msg.SenderID),
			slog.Any("error", err))
		return Message{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	st.lastAt = createdAt
	p.metrics.ChatMessage("stored")

	frame, err := events.Encode(events.ChatMessageNew, msg.Payload())
	if err != nil {
		return msg, err
	}
	roomName := rooms.ChatRoom(roomID)
	p.router.Broadcast(roomName, frame, "")
	if !p.router.IsMember(who.ID(), roomName) {
		if err := who.Deliver(frame); err != nil {
			p.logger.Warn("sender echo failed", slog.String("conn_id", who.ID()), slog.Any("error", err))
		}
	}

	p.clearTyping(roomID, who.IdentityID(), "", true)
	return msg, nil
}

// SetTyping relays the flag verbatim to the rest of the room. A true flag arms
// an expiry; if it is not renewed in time the pipeline broadcasts a false
// flag on the identity's behalf.
func (p *Pipeline) SetTyping(who Participant, roomID string, isTyping bool) error {
	if strings.TrimSpace(roomID) == "" {
		return ErrMissingRoom
	}
	roomName := rooms.ChatRoom(roomID)
	if !p.router.IsMember(who.ID(), roomName) {
		return ErrNotJoined
	}

	payload := events.TypingPayload{
		RoomID:   roomID,
		UserID:   who.IdentityID(),
		UserName: who.IdentityName(),
		IsTyping: isTyping,
	}
	if _, err := p.router.BroadcastEvent(roomName, events.ChatTyping, payload, who.ID()); err != nil {
		return err
	}

	if !isTyping {
		p.clearTyping(roomID, who.IdentityID(), "", false)
		return nil
	}

	st := p.state(roomID)
	st.typingMu.Lock()
	defer st.typingMu.Unlock()

	if e := st.typing[who.IdentityID()]; e != nil {
		e.timer.Stop()
	}
	st.gen++
	gen := st.gen
	identityID := who.IdentityID()
	st.typing[identityID] = &typingEntry{
		gen:    gen,
		connID: who.ID(),
		name:   who.IdentityName(),
		timer: time.AfterFunc(p.typingExpiry, func() {
			p.expireTyping(roomID, identityID, gen)
		}),
	}
	return nil
}

func (p *Pipeline) expireTyping(roomID, identityID string, gen uint64) {
	st := p.state(roomID)
	st.typingMu.Lock()
	e := st.typing[identityID]
	if e == nil || e.gen != gen {
		st.typingMu.Unlock()
		return
	}
	delete(st.typing, identityID)
	st.typingMu.Unlock()

	p.broadcastStopped(roomID, identityID, e)
}

// clearTyping drops the typing state for identityID in roomID. A non-empty
// connID only clears state armed by that connection, so another tab of the
// same identity going away leaves a live indicator alone. With announce set,
// peers are told the identity stopped typing.
func (p *Pipeline) clearTyping(roomID, identityID, connID string, announce bool) {
	st := p.state(roomID)
	st.typingMu.Lock()
	e := st.typing[identityID]
	if e != nil && connID != "" && e.connID != connID {
		e = nil
	}
	if e != nil {
		e.timer.Stop()
		delete(st.typing, identityID)
	}
	st.typingMu.Unlock()

	if e != nil && announce {
		p.broadcastStopped(roomID, identityID, e)
	}
}

func (p *Pipeline) broadcastStopped(roomID, identityID string, e *typingEntry) {
	payload := events.TypingPayload{
		RoomID:   roomID,
		UserID:   identityID,
		UserName: e.name,
		IsTyping: false,
	}
	if _, err := p.router.BroadcastEvent(rooms.ChatRoom(roomID), events.ChatTyping, payload, e.connID); err != nil {
		p.logger.Warn("typing reset broadcast failed", slog.String("room", roomID), slog.Any("error", err))
	}
}

// Disconnected clears typing state that connID armed in any of the chat
// rooms it just left.
func (p *Pipeline) Disconnected(identityID, connID string, leftRooms []string) {
	for _, roomName := range leftRooms {
		if roomID, ok := rooms.ChatID(roomName); ok {
			p.clearTyping(roomID, identityID, connID, true)
		}
	}
}

// Online returns the current presence snapshot. It is a point-in-time read.
func (p *Pipeline) Online() events.OnlineResponse {
	ids := p.presence.Snapshot()
	if ids == nil {
		ids = []string{}
	}
	return events.OnlineResponse{OnlineUsers: ids, Count: len(ids)}
}

// Typing reports whether identityID currently has a live typing indicator in
// roomID.
func (p *Pipeline) Typing(roomID, identityID string) bool {
	st := p.state(roomID)
	st.typingMu.Lock()
	defer st.typingMu.Unlock()
	return st.typing[identityID] != nil
}

// Close stops every pending typing timer.
func (p *Pipeline) Close() {
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		for _, st := range s.rooms {
			st.typingMu.Lock()
			for id, e := range st.typing {
				e.timer.Stop()
				delete(st.typing, id)
			}
			st.typingMu.Unlock()
		}
		s.mu.Unlock()
	}
}
