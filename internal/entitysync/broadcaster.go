// Package entitysync relays committed record mutations to every live
// connection of the record's owner.
//
// The originating device receives its own change back like any other device.
// Consumers apply events by record id and version (see Replica), so the echo
// is harmless and correctness does not depend on any client-side suppression
// window.
package entitysync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/Tyrowin/lifesync/internal/events"
	"github.com/Tyrowin/lifesync/internal/metrics"
	"github.com/Tyrowin/lifesync/internal/rooms"
)

var (
	ErrMissingOwner = errors.New("entitysync: owner id required")
	ErrMissingItem  = errors.New("entitysync: item id required")
)

// Change describes a mutation that has already been committed.
type Change struct {
	events.Mutation
	OwnerID            string
	ItemID             string
	Item               json.RawMessage
	Data               json.RawMessage
	Title              string
	OriginConnectionID string
	Timestamp          time.Time
}

// Broadcaster turns Changes into entity:* and activity:new events.
type Broadcaster struct {
	router  *rooms.Router
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewBroadcaster creates a Broadcaster over router.
func NewBroadcaster(router *rooms.Router, logger *slog.Logger, m *metrics.Collector) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{router: router, logger: logger, metrics: m, now: time.Now}
}

// Publish delivers c to every connection of its owner and returns how many
// connections accepted the primary event. The activity:new follow-up is best
// effort; its failure is logged and does not fail the publish.
func (b *Broadcaster) Publish(c Change) (int, error) {
	name, err := c.EventName()
	if err != nil {
		return 0, err
	}
	if c.OwnerID == "" {
		return 0, ErrMissingOwner
	}
	if c.ItemID == "" {
		return 0, ErrMissingItem
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = b.now().UTC()
	}

	payload := events.EntityPayload{
		EntityKind:         c.Kind,
		ID:                 c.ItemID,
		OriginConnectionID: c.OriginConnectionID,
		Timestamp:          c.Timestamp,
	}
	if c.Action != events.ActionDelete {
		payload.Item = c.Item
		payload.Data = c.Data
	}

	n, err := b.router.BroadcastToIdentity(c.OwnerID, name, payload)
	if err != nil {
		return 0, err
	}
	b.metrics.EntityEvent(c.Kind.String(), c.Action.String())
	b.logger.Debug("entity change published",
		slog.String("user_id", c.OwnerID),
		slog.String("mutation", c.Mutation.String()),
		slog.String("item_id", c.ItemID),
		slog.Int("connections", n))

	activity := events.ActivityPayload{
		Kind:      c.Kind,
		Action:    c.Action,
		ItemID:    c.ItemID,
		ItemTitle: c.Title,
		Timestamp: c.Timestamp,
	}
	if _, err := b.router.BroadcastToIdentity(c.OwnerID, events.ActivityNew, activity); err != nil {
		b.logger.Warn("activity broadcast failed",
			slog.String("user_id", c.OwnerID),
			slog.String("item_id", c.ItemID),
			slog.Any("error", err))
	}
	return n, nil
}
