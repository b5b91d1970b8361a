package history

import (
	"sort"

	"timecapsule/internal/models"
)

// Merge folds paginated REST history and live socket messages into one
// de-duplicated list. Entries are keyed by id; on a collision the copy with
// the later updated_at (falling back to created_at) survives. The result is
// sorted ascending by created_at, with seq and id as tie-breakers so the
// order is deterministic. Entries without a transient status are tagged
// sent.
func Merge(rest, live []models.ChatMessage) []models.ChatMessage {
	byID := make(map[string]models.ChatMessage, len(rest)+len(live))

	for _, msg := range rest {
		byID[msg.ID] = msg
	}
	for _, msg := range live {
		existing, ok := byID[msg.ID]
		if !ok || version(msg) >= version(existing) {
			byID[msg.ID] = msg
		}
	}

	merged := make([]models.ChatMessage, 0, len(byID))
	for _, msg := range byID {
		if msg.Status == "" {
			msg.Status = models.MessageStatusSent
		}
		merged = append(merged, msg)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAt != merged[j].CreatedAt {
			return merged[i].CreatedAt < merged[j].CreatedAt
		}
		if merged[i].Seq != merged[j].Seq {
			return merged[i].Seq < merged[j].Seq
		}
		return merged[i].ID < merged[j].ID
	})

	return merged
}

func version(msg models.ChatMessage) int64 {
	if msg.UpdatedAt != 0 {
		return msg.UpdatedAt
	}
	return msg.CreatedAt
}
