package entitysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/lifesync/internal/events"
)

// ErrNotFound is returned when a record does not exist for its owner.
var ErrNotFound = errors.New("entitysync: record not found")

// ErrInvalidData is returned when record data is not a JSON object.
var ErrInvalidData = errors.New("entitysync: record data must be a JSON object")

// Record is a stored vision, goal, task, idea, note, journal entry or
// achievement. Data is the record body as a JSON object.
type Record struct {
	ID        string
	OwnerID   string
	Kind      events.EntityKind
	Data      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Title returns the record's "title" field, falling back to "name".
func (r Record) Title() string {
	var fields struct {
		Title string `json:"title"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(r.Data, &fields); err != nil {
		return ""
	}
	if fields.Title != "" {
		return fields.Title
	}
	return fields.Name
}

// RecordStore is the durable record store the REST layer writes through.
type RecordStore interface {
	CreateRecord(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, ownerID string, kind events.EntityKind, id string) (Record, error)
	UpdateRecord(ctx context.Context, rec Record) error
	DeleteRecord(ctx context.Context, ownerID string, kind events.EntityKind, id string) error
	ListRecords(ctx context.Context, ownerID string, kind events.EntityKind) ([]Record, error)
}

// Hook observes a change after it was committed and published. prev is the
// record before the mutation (zero for an add) and rec the record after it
// (the removed record for a delete).
type Hook func(ctx context.Context, c Change, prev, rec Record)

const lockShards = 32

// Service commits mutations to the record store and then publishes them.
// Mutations of one record are serialised from load to publish, so the stored
// row and every replica end on the same version.
type Service struct {
	store       RecordStore
	broadcaster *Broadcaster
	hooks       []Hook
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string

	locks [lockShards]sync.Mutex
}

// NewService creates a Service. Hooks run in order after every publish.
func NewService(store RecordStore, b *Broadcaster, logger *slog.Logger, hooks ...Hook) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		broadcaster: b,
		hooks:       hooks,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

func (s *Service) lock(ownerID string, kind events.EntityKind, id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ownerID))
	_, _ = h.Write([]byte{0, byte(kind), 0})
	_, _ = h.Write([]byte(id))
	mu := &s.locks[h.Sum32()%lockShards]
	mu.Lock()
	return mu.Unlock
}

// clock returns the current time at the precision the store keeps.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func validObject(data json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	return json.Valid(data)
}

// Create stores a new record for ownerID and publishes entity:add.
func (s *Service) Create(ctx context.Context, ownerID string, kind events.EntityKind, data json.RawMessage, originConnID string) (Record, error) {
	if ownerID == "" {
		return Record{}, ErrMissingOwner
	}
	if !kind.Valid() {
		return Record{}, fmt.Errorf("entitysync: invalid kind %d", kind)
	}
	if !validObject(data) {
		return Record{}, ErrInvalidData
	}

	now := s.clock()
	rec := Record{
		ID:        s.newID(),
		OwnerID:   ownerID,
		Kind:      kind,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRecord(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("create %s: %w", kind, err)
	}

	c := Change{
		Mutation:           events.Mutation{Kind: kind, Action: events.ActionAdd},
		OwnerID:            ownerID,
		ItemID:             rec.ID,
		Item:               rec.Data,
		Title:              rec.Title(),
		OriginConnectionID: originConnID,
		Timestamp:          rec.UpdatedAt,
	}
	s.publish(c)
	s.runHooks(ctx, c, Record{}, rec)
	return rec, nil
}

// Update merges patch into an existing record and publishes entity:update
// carrying both the full record and the patch.
func (s *Service) Update(ctx context.Context, ownerID string, kind events.EntityKind, id string, patch json.RawMessage, originConnID string) (Record, error) {
	if !validObject(patch) {
		return Record{}, ErrInvalidData
	}
	unlock := s.lock(ownerID, kind, id)
	prev, err := s.store.GetRecord(ctx, ownerID, kind, id)
	if err != nil {
		unlock()
		return Record{}, err
	}
	merged, err := mergeObjects(prev.Data, patch)
	if err != nil {
		unlock()
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	now := s.clock()
	if !now.After(prev.UpdatedAt) {
		now = prev.UpdatedAt.Add(time.Microsecond)
	}
	rec := prev
	rec.Data = merged
	rec.UpdatedAt = now
	if err := s.store.UpdateRecord(ctx, rec); err != nil {
		unlock()
		return Record{}, fmt.Errorf("update %s: %w", kind, err)
	}

	c := Change{
		Mutation:           events.Mutation{Kind: kind, Action: events.ActionUpdate},
		OwnerID:            ownerID,
		ItemID:             id,
		Item:               rec.Data,
		Data:               patch,
		Title:              rec.Title(),
		OriginConnectionID: originConnID,
		Timestamp:          rec.UpdatedAt,
	}
	s.publish(c)
	unlock()

	s.runHooks(ctx, c, prev, rec)
	return rec, nil
}

// Delete removes a record and publishes entity:delete.
func (s *Service) Delete(ctx context.Context, ownerID string, kind events.EntityKind, id string, originConnID string) error {
	unlock := s.lock(ownerID, kind, id)
	rec, err := s.store.GetRecord(ctx, ownerID, kind, id)
	if err != nil {
		unlock()
		return err
	}
	if err := s.store.DeleteRecord(ctx, ownerID, kind, id); err != nil {
		unlock()
		return fmt.Errorf("delete %s: %w", kind, err)
	}

	ts := s.clock()
	if !ts.After(rec.UpdatedAt) {
		ts = rec.UpdatedAt.Add(time.Microsecond)
	}
	c := Change{
		Mutation:           events.Mutation{Kind: kind, Action: events.ActionDelete},
		OwnerID:            ownerID,
		ItemID:             id,
		Title:              rec.Title(),
		OriginConnectionID: originConnID,
		Timestamp:          ts,
	}
	s.publish(c)
	unlock()

	s.runHooks(ctx, c, rec, rec)
	return nil
}

// List returns ownerID's records of kind; clients use it to resync after a
// reconnect.
func (s *Service) List(ctx context.Context, ownerID string, kind events.EntityKind) ([]Record, error) {
	return s.store.ListRecords(ctx, ownerID, kind)
}

// publish runs after the commit, so its failures are logged rather than
// returned: the mutation already happened and the next resync repairs any
// device that missed the event.
func (s *Service) publish(c Change) {
	if _, err := s.broadcaster.Publish(c); err != nil {
		s.logger.Error("entity publish failed",
			slog.String("user_id", c.OwnerID),
			slog.String("mutation", c.Mutation.String()),
			slog.Any("error", err))
	}
}

func (s *Service) runHooks(ctx context.Context, c Change, prev, rec Record) {
	for _, hook := range s.hooks {
		hook(ctx, c, prev, rec)
	}
}
