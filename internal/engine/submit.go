package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tandemhq/tandem/internal/op"
	"github.com/tandemhq/tandem/internal/status"
)

// Result reports the outcome of a submit, undo, or redo. Ops holds the
// committed operations (submit) or the synthesized operation that was
// broadcast (undo/redo inverse and re-assertion). Distributed is false when
// local durability succeeded but distribution did not; that is an advisory,
// never an error.
type Result struct {
	Ops         []op.Operation
	BatchID     string
	Distributed bool
}

// Submit assigns identity and timestamp to the draft, commits it to the
// operation log, updates the undo/redo stacks, and broadcasts it to peers.
// The commit must succeed before broadcast is attempted; a broadcast failure
// never rolls back the committed write.
func (e *Engine) Submit(draft op.Operation) (Result, error) {
	return e.submit([]op.Operation{draft}, "")
}

// SubmitBatch commits sibling drafts atomically in one transaction. All
// operations share a freshly assigned batch id.
func (e *Engine) SubmitBatch(drafts []op.Operation) (Result, error) {
	if len(drafts) == 0 {
		return Result{}, status.InvalidParameter("submit: empty batch")
	}
	return e.submit(drafts, op.NewBatchID())
}

func (e *Engine) submit(drafts []op.Operation, batchID string) (Result, error) {
	if err := e.requireRunning(); err != nil {
		return Result{}, err
	}
	for i := range drafts {
		if err := validateDraft(&drafts[i]); err != nil {
			return Result{}, err
		}
	}

	e.mu.Lock()
	ops := make([]op.Operation, 0, len(drafts))
	if err := e.transact(func() error {
		for i := range drafts {
			o := drafts[i].Clone()
			o.Origin = e.cfg.InstanceID
			o.Seq = e.counter + uint64(len(ops)) + 1
			o.TimestampNS = time.Now().UnixNano()
			o.BatchID = batchID
			if err := e.log.Store(&o); err != nil {
				return err
			}
			ops = append(ops, o)
		}
		return nil
	}); err != nil {
		e.mu.Unlock()
		return Result{}, err
	}
	e.counter += uint64(len(ops))

	// Standard editor semantics: a new local submit invalidates redo.
	e.redoStack = nil
	for i := range ops {
		e.undoStack = append(e.undoStack, ops[i].ID())
	}
	if over := len(e.undoStack) - e.cfg.MaxHistoryEntries; over > 0 {
		e.undoStack = append([]op.ID(nil), e.undoStack[over:]...)
	}
	e.mu.Unlock()

	e.submitted.Add(uint64(len(ops)))

	// Lock released: broadcast is network I/O and must not block other
	// callers.
	distributed := true
	for i := range ops {
		if err := e.ch.Broadcast(&ops[i]); err != nil {
			distributed = false
			slog.Warn("operation committed locally but not distributed", "op", ops[i].ID(), "error", err)
		}
	}
	return Result{Ops: ops, BatchID: batchID, Distributed: distributed}, nil
}

func validateDraft(draft *op.Operation) error {
	if !draft.Kind.Valid() {
		return status.InvalidParameter(fmt.Sprintf("submit: unknown operation kind %d", draft.Kind))
	}
	if draft.FilePath == "" {
		return status.InvalidParameter("submit: file path is required")
	}
	if draft.Line < 1 || draft.Col < 1 {
		return status.InvalidParameter("submit: position is 1-based")
	}
	if len(draft.Content) == 0 && draft.Kind != op.KindMetaChange {
		return status.InvalidParameter("submit: content is required for " + draft.Kind.String())
	}
	return nil
}
