// Package reconcile merges the locally streamed view of an in-flight
// assistant turn with the durably persisted turn list, and sweeps turns
// whose status was left non-terminal by a crashed or interrupted process.
package reconcile

import "github.com/ThommysArt/better-chat/internal/model"

// Merge combines the persisted turn list with a locally accumulated,
// possibly not-yet-checkpointed assistant turn.
//
// Persisted checkpoints always trail the local accumulator, so when both
// sides know the turn the longer content wins. A local turn absent from the
// persisted list is appended. The result never contains duplicate turn IDs
// and never loses a persisted turn.
func Merge(persisted []model.Turn, local *model.Turn) []model.Turn {
	if local == nil {
		return persisted
	}

	merged := make([]model.Turn, 0, len(persisted)+1)
	found := false
	for _, turn := range persisted {
		if turn.ID == local.ID {
			found = true
			turn = pick(turn, *local)
		}
		merged = append(merged, turn)
	}
	if !found {
		merged = append(merged, *local)
	}
	return merged
}

// pick chooses between the persisted and local copies of the same turn.
func pick(persisted, local model.Turn) model.Turn {
	// A terminal persisted status is authoritative: finalization may have
	// rewritten content (thinking extraction, apology on failure).
	if persisted.Status.Terminal() {
		return persisted
	}
	if len(local.Content) > len(persisted.Content) {
		persisted.Content = local.Content
		persisted.Status = local.Status
		if local.Metadata != nil {
			persisted.Metadata = local.Metadata
		}
	}
	return persisted
}
