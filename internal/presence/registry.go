// Package presence tracks which identities have live connections.
//
// An identity is online while it has at least one registered connection. The
// first connection produces an online transition and removing the last one
// produces the only offline transition, so closing one of several tabs is
// silent. Entries live in independently locked shards keyed by identity.
package presence

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/Tyrowin/lifesync/internal/auth"
	"github.com/Tyrowin/lifesync/internal/metrics"
)

const shardCount = 32

// Transition describes an identity going online or offline.
type Transition struct {
	IdentityID string
	Name       string
	Online     bool
}

// PublishFunc receives transitions. It is called while the identity's shard
// is locked, which keeps transitions for one identity in order; it must not
// block or call back into the Registry.
type PublishFunc func(Transition)

type entry struct {
	name  string
	conns map[string]struct{}
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Registry is the live presence table.
type Registry struct {
	shards  [shardCount]shard
	publish PublishFunc
	metrics *metrics.Collector
}

// NewRegistry creates a Registry that reports transitions to publish, which
// may be nil.
func NewRegistry(publish PublishFunc, m *metrics.Collector) *Registry {
	r := &Registry{publish: publish, metrics: m}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*entry)
	}
	return r
}

func (r *Registry) shard(identityID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identityID))
	return &r.shards[h.Sum32()%shardCount]
}

// MarkOnline registers connectionID for id. It reports true when this is the
// identity's first live connection.
func (r *Registry) MarkOnline(id auth.Identity, connectionID string) bool {
	if id.ID == "" || connectionID == "" {
		return false
	}
	s := r.shard(id.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[id.ID]
	if e == nil {
		e = &entry{name: id.Name, conns: make(map[string]struct{})}
		s.entries[id.ID] = e
	}
	if _, dup := e.conns[connectionID]; dup {
		return false
	}
	e.conns[connectionID] = struct{}{}
	if len(e.conns) > 1 {
		return false
	}

	r.metrics.IdentityOnline()
	if r.publish != nil {
		r.publish(Transition{IdentityID: id.ID, Name: e.name, Online: true})
	}
	return true
}

// MarkOffline removes connectionID from identityID's set. It reports true only
// when that removal emptied the set; the entry is deleted at that moment.
// Unknown identities and connections are ignored.
func (r *Registry) MarkOffline(identityID, connectionID string) bool {
	s := r.shard(identityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[identityID]
	if e == nil {
		return false
	}
	if _, ok := e.conns[connectionID]; !ok {
		return false
	}
	delete(e.conns, connectionID)
	if len(e.conns) > 0 {
		return false
	}
	delete(s.entries, identityID)

	r.metrics.IdentityOffline()
	if r.publish != nil {
		r.publish(Transition{IdentityID: identityID, Name: e.name, Online: false})
	}
	return true
}

// IsOnline reports whether identityID has a live connection.
func (r *Registry) IsOnline(identityID string) bool {
	s := r.shard(identityID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[identityID] != nil
}

// Connections returns the number of live connections of identityID.
func (r *Registry) Connections(identityID string) int {
	s := r.shard(identityID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[identityID]; e != nil {
		return len(e.conns)
	}
	return 0
}

// Snapshot returns the sorted ids of online identities. Shards are read one
// at a time, so the result is a point-in-time view per shard rather than a
// global atomic snapshot.
func (r *Registry) Snapshot() []string {
	var ids []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id := range s.entries {
			ids = append(ids, id)
		}
		s.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}
