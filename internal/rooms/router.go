// Package rooms maps live connections to named broadcast groups.
//
// Rooms are created implicitly on first join and never destroyed. State is
// split into independently locked shards keyed by room id, and each room has
// its own lock, so traffic in one room never waits on another. Delivery is
// fire-and-forget: Broadcast snapshots the membership and hands the encoded
// frame to each Member without holding any router lock.
package rooms

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/Tyrowin/lifesync/internal/events"
	"github.com/Tyrowin/lifesync/internal/metrics"
)

const shardCount = 32

const (
	userPrefix = "user:"
	chatPrefix = "chat:"
)

// ErrQueueFull is returned by Member.Deliver when the outbound queue of a
// connection has no room left.
var ErrQueueFull = errors.New("rooms: outbound queue full")

// ErrClosed is returned by Member.Deliver once a connection is closing.
var ErrClosed = errors.New("rooms: connection closed")

// Member is a connection as seen by the router. Deliver must not block.
type Member interface {
	ID() string
	IdentityID() string
	Deliver(frame []byte) error
}

// UserRoom names the private room of an identity.
func UserRoom(identityID string) string {
	return userPrefix + identityID
}

// ChatRoom names the room of a chat.
func ChatRoom(chatID string) string {
	return chatPrefix + chatID
}

// ChatID extracts the chat id from a chat room name.
func ChatID(roomID string) (string, bool) {
	if !strings.HasPrefix(roomID, chatPrefix) {
		return "", false
	}
	return strings.TrimPrefix(roomID, chatPrefix), true
}

type room struct {
	mu      sync.RWMutex
	members map[string]Member
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

type connShard struct {
	mu     sync.Mutex
	joined map[string]map[string]struct{}
}

// Router implements join, leave and broadcast over rooms.
type Router struct {
	rooms   [shardCount]roomShard
	conns   [shardCount]connShard
	logger  *slog.Logger
	metrics *metrics.Collector
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records deliveries on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Router) { r.metrics = c }
}

// NewRouter creates an empty Router.
func NewRouter(opts ...Option) *Router {
	r := &Router{logger: slog.Default()}
	for i := range r.rooms {
		r.rooms[i].rooms = make(map[string]*room)
		r.conns[i].joined = make(map[string]map[string]struct{})
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (r *Router) lookup(roomID string) *room {
	s := &r.rooms[shardFor(roomID)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[roomID]
}

func (r *Router) lookupOrCreate(roomID string) *room {
	s := &r.rooms[shardFor(roomID)]
	s.mu.RLock()
	rm := s.rooms[roomID]
	s.mu.RUnlock()
	if rm != nil {
		return rm
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rm = s.rooms[roomID]; rm == nil {
		rm = &room{members: make(map[string]Member)}
		s.rooms[roomID] = rm
	}
	return rm
}

// Join adds m to roomID. Joining a room twice is a no-op; the return value
// reports whether membership changed.
func (r *Router) Join(m Member, roomID string) bool {
	if m == nil || roomID == "" {
		return false
	}
	rm := r.lookupOrCreate(roomID)

	rm.mu.Lock()
	_, exists := rm.members[m.ID()]
	if !exists {
		rm.members[m.ID()] = m
	}
	rm.mu.Unlock()
	if exists {
		return false
	}

	cs := &r.conns[shardFor(m.ID())]
	cs.mu.Lock()
	set := cs.joined[m.ID()]
	if set == nil {
		set = make(map[string]struct{})
		cs.joined[m.ID()] = set
	}
	set[roomID] = struct{}{}
	cs.mu.Unlock()
	return true
}

// Leave removes connID from roomID. Leaving a room that was never joined is a
// no-op; the return value reports whether membership changed.
func (r *Router) Leave(connID, roomID string) bool {
	rm := r.lookup(roomID)
	if rm == nil {
		return false
	}

	rm.mu.Lock()
	_, exists := rm.members[connID]
	delete(rm.members, connID)
	rm.mu.Unlock()
	if !exists {
		return false
	}

	cs := &r.conns[shardFor(connID)]
	cs.mu.Lock()
	if set := cs.joined[connID]; set != nil {
		delete(set, roomID)
		if len(set) == 0 {
			delete(cs.joined, connID)
		}
	}
	cs.mu.Unlock()
	return true
}

// LeaveAll removes connID from every room it belongs to and returns the rooms
// it left. Callers must not Join the same connection concurrently.
func (r *Router) LeaveAll(connID string) []string {
	cs := &r.conns[shardFor(connID)]
	cs.mu.Lock()
	set := cs.joined[connID]
	delete(cs.joined, connID)
	cs.mu.Unlock()

	left := make([]string, 0, len(set))
	for roomID := range set {
		rm := r.lookup(roomID)
		if rm == nil {
			continue
		}
		rm.mu.Lock()
		delete(rm.members, connID)
		rm.mu.Unlock()
		left = append(left, roomID)
	}
	sort.Strings(left)
	return left
}

// IsMember reports whether connID is in roomID.
func (r *Router) IsMember(connID, roomID string) bool {
	rm := r.lookup(roomID)
	if rm == nil {
		return false
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, ok := rm.members[connID]
	return ok
}

// Count returns the number of connections in roomID.
func (r *Router) Count(roomID string) int {
	rm := r.lookup(roomID)
	if rm == nil {
		return 0
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}

// Rooms returns the sorted rooms connID currently belongs to.
func (r *Router) Rooms(connID string) []string {
	cs := &r.conns[shardFor(connID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := make([]string, 0, len(cs.joined[connID]))
	for roomID := range cs.joined[connID] {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out
}

func (r *Router) snapshot(roomID string) []Member {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	members := make([]Member, 0, len(rm.members))
	for _, m := range rm.members {
		members = append(members, m)
	}
	return members
}

// Broadcast hands frame to every connection in roomID except excludeConnID
// and returns how many accepted it. A failed delivery is logged and skipped;
// membership cleanup is left to the connection's disconnect handler.
func (r *Router) Broadcast(roomID string, frame []byte, excludeConnID string) int {
	delivered := 0
	for _, m := range r.snapshot(roomID) {
		if excludeConnID != "" && m.ID() == excludeConnID {
			continue
		}
		if err := m.Deliver(frame); err != nil {
			r.metrics.DeliveryDropped(dropReason(err))
			r.logger.Warn("room delivery failed",
				slog.String("room", roomID),
				slog.String("conn_id", m.ID()),
				slog.String("user_id", m.IdentityID()),
				slog.Any("error", err))
			continue
		}
		r.metrics.Delivered()
		delivered++
	}
	return delivered
}

// BroadcastEvent encodes data once and broadcasts it to roomID.
func (r *Router) BroadcastEvent(roomID string, name events.Name, data any, excludeConnID string) (int, error) {
	frame, err := events.Encode(name, data)
	if err != nil {
		return 0, err
	}
	return r.Broadcast(roomID, frame, excludeConnID), nil
}

// BroadcastToIdentity delivers an event to every live connection of identityID.
func (r *Router) BroadcastToIdentity(identityID string, name events.Name, data any) (int, error) {
	return r.BroadcastEvent(UserRoom(identityID), name, data, "")
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
