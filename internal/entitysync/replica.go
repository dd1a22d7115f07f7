package entitysync

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/lifesync/internal/events"
)

type replicaKey struct {
	kind events.EntityKind
	id   string
}

type replicaEntry struct {
	data    json.RawMessage
	version time.Time
	deleted bool
}

// Replica is a consumer-side copy of one identity's records. It applies sync
// events by record id and keeps a record only if the event is newer than what
// it already holds, so duplicates, echoes of local changes and late
// deliveries never regress state. Deletes leave a tombstone so an older add
// cannot resurrect the record.
type Replica struct {
	mu      sync.RWMutex
	records map[replicaKey]replicaEntry
}

// NewReplica returns an empty Replica.
func NewReplica() *Replica {
	return &Replica{records: make(map[replicaKey]replicaEntry)}
}

// Apply decodes an entity:* envelope and applies it. Other events are
// ignored. It reports whether state changed.
func (r *Replica) Apply(env events.Envelope) (bool, error) {
	var action events.Action
	switch env.Event {
	case events.EntityAdd:
		action = events.ActionAdd
	case events.EntityUpdate:
		action = events.ActionUpdate
	case events.EntityDelete:
		action = events.ActionDelete
	default:
		return false, nil
	}
	var p events.EntityPayload
	if err := env.Bind(&p); err != nil {
		return false, err
	}
	return r.ApplyPayload(action, p)
}

// ApplyPayload applies p as action.
func (r *Replica) ApplyPayload(action events.Action, p events.EntityPayload) (bool, error) {
	if !p.EntityKind.Valid() || p.ID == "" {
		return false, fmt.Errorf("entitysync: incomplete payload for %s", action)
	}
	key := replicaKey{kind: p.EntityKind, id: p.ID}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, exists := r.records[key]
	if exists && !p.Timestamp.After(cur.version) {
		return false, nil
	}

	switch action {
	case events.ActionAdd, events.ActionUpdate:
		data := p.Item
		if len(data) == 0 && len(p.Data) > 0 {
			merged, err := mergeObjects(cur.data, p.Data)
			if err != nil {
				return false, err
			}
			data = merged
		}
		r.records[key] = replicaEntry{data: data, version: p.Timestamp}
	case events.ActionDelete:
		r.records[key] = replicaEntry{version: p.Timestamp, deleted: true}
	default:
		return false, fmt.Errorf("entitysync: invalid action %d", action)
	}
	return true, nil
}

// Get returns the live record, if any.
func (r *Replica) Get(kind events.EntityKind, id string) (json.RawMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.records[replicaKey{kind: kind, id: id}]
	if !ok || e.deleted {
		return nil, false
	}
	return e.data, true
}

// IDs returns the sorted ids of live records of kind.
func (r *Replica) IDs(kind events.EntityKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for k, e := range r.records {
		if k.kind == kind && !e.deleted {
			ids = append(ids, k.id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Reset replaces every record of kind with records, as after a full resync
// from the record store.
func (r *Replica) Reset(kind events.EntityKind, records []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.records {
		if k.kind == kind {
			delete(r.records, k)
		}
	}
	for _, rec := range records {
		r.records[replicaKey{kind: kind, id: rec.ID}] = replicaEntry{data: rec.Data, version: rec.UpdatedAt}
	}
}

// mergeObjects shallow-merges patch into base. Both must be JSON objects;
// an empty base is treated as {}.
func mergeObjects(base, patch json.RawMessage) (json.RawMessage, error) {
	merged := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("entitysync: base is not an object: %w", err)
		}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, fmt.Errorf("entitysync: patch is not an object: %w", err)
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}
