package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Tyrowin/lifesync/internal/entitysync"
	"github.com/Tyrowin/lifesync/internal/events"
)

// MilestoneProgress is the goal progress at which a milestone is reached.
const MilestoneProgress = 100

// EntityHook returns an entitysync.Hook that turns committed mutations into
// notices: a new achievement record unlocks an achievement, and a goal update
// that takes progress from below MilestoneProgress to at least it reaches a
// milestone. Saving an already complete goal again does not.
func (n *Notifier) EntityHook() entitysync.Hook {
	return func(_ context.Context, c entitysync.Change, prev, rec entitysync.Record) {
		var err error
		switch {
		case c.Kind == events.KindAchievement && c.Action == events.ActionAdd:
			_, err = n.AchievementUnlocked(c.OwnerID, rec.Title(), description(rec.Data))
		case c.Kind == events.KindGoal && c.Action == events.ActionUpdate &&
			progress(prev.Data) < MilestoneProgress && progress(rec.Data) >= MilestoneProgress:
			_, err = n.MilestoneReached(c.OwnerID, rec.Title())
		default:
			return
		}
		if err != nil {
			n.logger.Warn("notification failed",
				slog.String("user_id", c.OwnerID),
				slog.String("mutation", c.Mutation.String()),
				slog.Any("error", err))
		}
	}
}

// progress reads a goal's progress field; a missing or unreadable value is 0.
func progress(data json.RawMessage) float64 {
	var fields struct {
		Progress float64 `json:"progress"`
	}
	_ = json.Unmarshal(data, &fields)
	return fields.Progress
}

func description(data json.RawMessage) string {
	var fields struct {
		Description string `json:"description"`
	}
	_ = json.Unmarshal(data, &fields)
	return fields.Description
}
