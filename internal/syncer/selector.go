package syncer

import (
	"time"

	"github.com/bryan-buckman/castkeep/internal/model"
)

// Action says what to do with a selected episode.
type Action int

const (
	// ActionDownload fetches the episode and records it.
	ActionDownload Action = iota
	// ActionMarkDone records the episode without fetching it.
	ActionMarkDone
)

// Selection is an episode chosen for processing.
type Selection struct {
	Episode model.Episode
	Action  Action
}

// Checker reports whether an episode id has been recorded.
type Checker interface {
	Contains(id string) bool
}

// Select returns the candidates not yet recorded in seen, in feed order.
// In catch-up mode episodes published at or before now are marked done
// instead of downloaded; episodes dated after now are left for a later run.
// Episodes without a publish date count as published before now.
func Select(candidates []model.Episode, seen Checker, catchUp bool, now time.Time) []Selection {
	var out []Selection
	for _, ep := range candidates {
		if seen.Contains(ep.ID) {
			continue
		}
		if !catchUp {
			out = append(out, Selection{Episode: ep, Action: ActionDownload})
			continue
		}
		if ep.Published.After(now) {
			continue
		}
		out = append(out, Selection{Episode: ep, Action: ActionMarkDone})
	}
	return out
}
