// ============================================================================
// GearGuard Drag Proposal Engine
// ============================================================================
//
// Package: internal/dragdrop
// File: engine.go
// Purpose: Turns a drag-and-drop gesture into an optimistic status change.
//
// Flow:
//   Drop(gesture) ─→ no-op check ─→ Propose(id, target)
//                                      ├─ store.Get (NotFound)
//                                      ├─ statemachine.Validate (InvalidTransition)
//                                      ├─ clock.Next()  ← only consumed for real moves
//                                      └─ store.ApplyOptimistic → PendingMutation
//
// The returned descriptor is what the caller forwards to the persistence
// collaborator. The UI layer is responsible for mapping pointer events to a
// Gesture; this package never touches rendering.
//
// ============================================================================

package dragdrop

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/gearguard-board/internal/boarderr"
	"github.com/ChuLiYu/gearguard-board/internal/requeststore"
	"github.com/ChuLiYu/gearguard-board/internal/statemachine"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// Location is a card position: the column (status) and the index inside it.
type Location struct {
	Column types.Status
	Index  int
}

// Gesture is a completed drag as reported by the UI layer.
// A nil Destination means the card was dropped outside every column.
type Gesture struct {
	RequestID   types.RequestID
	Source      Location
	Destination *Location
}

// Recorder receives proposal outcomes. Implemented by the metrics collector.
type Recorder interface {
	RecordProposal(accepted bool)
}

// Engine validates and applies drag proposals against one store.
type Engine struct {
	store    *requeststore.Store
	log      *zap.Logger
	recorder Recorder
	now      func() time.Time
}

// NewEngine creates an engine bound to store. log and recorder may be nil.
func NewEngine(store *requeststore.Store, log *zap.Logger, recorder Recorder) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:    store,
		log:      log,
		recorder: recorder,
		now:      time.Now,
	}
}

// Drop handles a raw gesture. Dropping outside a column, or anywhere inside the
// originating column, is a no-op and returns boarderr.ErrNoop.
func (e *Engine) Drop(g Gesture) (types.PendingMutation, error) {
	if g.Destination == nil {
		return types.PendingMutation{}, fmt.Errorf("request %d dropped outside the board: %w", g.RequestID, boarderr.ErrNoop)
	}
	if g.Destination.Column == g.Source.Column {
		return types.PendingMutation{}, fmt.Errorf("request %d dropped on its own column: %w", g.RequestID, boarderr.ErrNoop)
	}
	return e.Propose(g.RequestID, g.Destination.Column)
}

// Propose moves request id to target optimistically.
//
// Errors: boarderr.ErrNotFound, boarderr.ErrInvalidTransition, boarderr.ErrNoop.
// A no-op caught by the pre-check consumes no sequence value. The store checks
// again under its lock; if a reconcile moved the card in between, ErrNoop comes
// from ApplyOptimistic after a value was already taken. Gaps in the sequence
// are harmless since it only orders events.
func (e *Engine) Propose(id types.RequestID, target types.Status) (types.PendingMutation, error) {
	current, err := e.store.Get(id)
	if err != nil {
		e.record(false)
		return types.PendingMutation{}, err
	}

	if current.Status == target && !statemachine.IsTerminal(current.Status) {
		return types.PendingMutation{}, fmt.Errorf("request %d already in %q: %w", id, target, boarderr.ErrNoop)
	}

	if err := statemachine.Validate(current.Status, target); err != nil {
		e.record(false)
		e.log.Debug("proposal rejected",
			zap.Int64("request_id", int64(id)),
			zap.String("from", string(current.Status)),
			zap.String("to", string(target)),
			zap.Error(err))
		return types.PendingMutation{}, fmt.Errorf("request %d: %w", id, err)
	}

	m := types.PendingMutation{
		ID:                 uuid.NewString(),
		RequestID:          id,
		ProposedStatus:     target,
		PreviousStatus:     current.Status,
		ProposedAtSequence: e.store.Clock().Next(),
		ProposedAt:         e.now(),
	}

	applied, err := e.store.ApplyOptimistic(m)
	if err != nil {
		e.record(false)
		return types.PendingMutation{}, err
	}

	e.record(true)
	e.log.Info("optimistic move applied",
		zap.Int64("request_id", int64(id)),
		zap.String("from", string(applied.PreviousStatus)),
		zap.String("to", string(applied.ProposedStatus)),
		zap.Uint64("sequence", applied.ProposedAtSequence),
		zap.String("mutation_id", applied.ID))
	return applied, nil
}

func (e *Engine) record(accepted bool) {
	if e.recorder != nil {
		e.recorder.RecordProposal(accepted)
	}
}
