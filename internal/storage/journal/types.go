package journal

import "github.com/ChuLiYu/gearguard-board/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the on-disk record of a resolved status change
// ============================================================================

// EventType is the outcome recorded for one mutation
type EventType string

const (
	EventConfirmed  EventType = "CONFIRMED"   // Server accepted the change
	EventRolledBack EventType = "ROLLED_BACK" // Server refused, card restored
	EventSuperseded EventType = "SUPERSEDED"  // Replaced by a newer drop or removed server-side
)

// Entry is one journal line
type Entry struct {
	Seq        uint64          `json:"seq"`         // Journal sequence (monotonically increasing per file)
	Type       EventType       `json:"type"`        // Outcome
	MutationID string          `json:"mutation_id"` // PendingMutation.ID
	RequestID  types.RequestID `json:"request_id"`
	From       types.Status    `json:"from"`
	To         types.Status    `json:"to"`
	ProposedAt int64           `json:"proposed_at"` // Unix millisecond timestamp of the drop
	Timestamp  int64           `json:"timestamp"`   // Unix millisecond timestamp of the write
	Checksum   uint32          `json:"checksum"`    // CRC32 checksum
}

// EntryHandler processes entries during Replay
type EntryHandler func(entry Entry) error

// eventFor maps a resolved mutation state to its journal event
func eventFor(state types.MutationState) (EventType, bool) {
	switch state {
	case types.MutationConfirmed:
		return EventConfirmed, true
	case types.MutationRolledBack:
		return EventRolledBack, true
	case types.MutationSuperseded:
		return EventSuperseded, true
	default:
		return "", false
	}
}
