package scoring

import (
	"context"

	"github.com/yudhap/blastgate/internal/rules"
)

// ReplayScore recomputes an entity's score from its full event stream plus
// the decay function. Used by admin reconciliation to verify the cached
// score; returns the value as of the last event (the same anchor the live
// score uses).
func ReplayScore(ctx context.Context, store Store, cfg *rules.ScoringConfig, entityType EntityType, entityID string) (float64, error) {
	events, err := store.GetAllEvents(ctx, entityType, entityID)
	if err != nil {
		return 0, err
	}

	score := 0.0
	for i, ev := range events {
		if i > 0 {
			gapDays := ev.OccurredAt.Sub(events[i-1].OccurredAt).Hours() / 24
			if gapDays >= cfg.MinDaysWithoutEvent {
				score -= cfg.DecayRatePerDay * gapDays
				if score < 0 {
					score = 0
				}
			}
		}
		// Reset events zero the running score before their own points apply.
		if ev.EventType == "manual_override" {
			if action, ok := ev.Evidence["action"].(string); ok && action == "reset" {
				score = 0
			}
			continue
		}
		score += ev.WeightedPoints
		if score < 0 {
			score = 0
		}
	}
	return score, nil
}
