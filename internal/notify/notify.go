// Package notify pushes server-originated notices to every live connection
// of an identity. Notices for identities with no live connection are dropped;
// durable notification state belongs to the record store.
package notify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Tyrowin/lifesync/internal/events"
	"github.com/Tyrowin/lifesync/internal/metrics"
	"github.com/Tyrowin/lifesync/internal/rooms"
)

// Kind is a notification event.
type Kind = events.Name

const (
	AchievementUnlocked Kind = events.AchievementUnlocked
	MilestoneReached    Kind = events.MilestoneReached
)

// Notifier implements notification fan-out.
type Notifier struct {
	router  *rooms.Router
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// New creates a Notifier.
func New(router *rooms.Router, logger *slog.Logger, m *metrics.Collector) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{router: router, logger: logger, metrics: m, now: time.Now}
}

// NotifyIdentity delivers a notice of kind to identityID and returns how many
// connections accepted it.
func (n *Notifier) NotifyIdentity(identityID string, kind Kind, notice events.NoticePayload) (int, error) {
	switch kind {
	case AchievementUnlocked, MilestoneReached:
	default:
		return 0, fmt.Errorf("notify: unsupported kind %q", kind)
	}
	if notice.Timestamp.IsZero() {
		notice.Timestamp = n.now().UTC()
	}

	delivered, err := n.router.BroadcastToIdentity(identityID, kind, notice)
	if err != nil {
		return 0, err
	}
	if delivered == 0 {
		n.metrics.Notification(string(kind), "dropped")
		n.logger.Debug("notification dropped, identity offline",
			slog.String("user_id", identityID),
			slog.String("kind", string(kind)))
		return 0, nil
	}
	n.metrics.Notification(string(kind), "delivered")
	return delivered, nil
}

// AchievementUnlocked notifies identityID about a new achievement.
func (n *Notifier) AchievementUnlocked(identityID, title, description string) (int, error) {
	return n.NotifyIdentity(identityID, AchievementUnlocked, events.NoticePayload{
		Title:       "Achievement unlocked",
		Message:     title,
		Description: description,
	})
}

// MilestoneReached notifies identityID that a goal hit a milestone.
func (n *Notifier) MilestoneReached(identityID, goalTitle string) (int, error) {
	return n.NotifyIdentity(identityID, MilestoneReached, events.NoticePayload{
		Title:   "Milestone reached",
		Message: goalTitle,
	})
}
