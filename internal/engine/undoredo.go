package engine

import (
	"log/slog"
	"time"

	"github.com/tandemhq/tandem/internal/op"
	"github.com/tandemhq/tandem/internal/status"
)

// Undo reverses this instance's most recent Active operation: the record is
// marked Undone and a synthesized inverse is broadcast to peers. Only
// locally-originated operations are eligible.
func (e *Engine) Undo() (Result, error) {
	if err := e.requireRunning(); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	var target op.ID
	if n := len(e.undoStack); n > 0 {
		target = e.undoStack[n-1]
		e.undoStack = e.undoStack[:n-1]
	} else {
		// Stack is empty after a restart; fall back to the log.
		last, ok, err := e.log.LastActiveBy(e.cfg.InstanceID)
		if err != nil {
			e.mu.Unlock()
			return Result{}, err
		}
		if !ok {
			e.mu.Unlock()
			return Result{}, status.OperationExecution("undo: no undoable history")
		}
		target = last.ID()
	}

	rec, ok, err := e.log.Get(target)
	if err != nil {
		e.mu.Unlock()
		return Result{}, err
	}
	if !ok {
		e.mu.Unlock()
		return Result{}, status.OperationExecution("undo: operation " + target.String() + " no longer retained")
	}

	inv := rec.Op.Inverse()
	inv.Origin = e.cfg.InstanceID
	inv.Seq = e.counter + 1
	inv.TimestampNS = time.Now().UnixNano()

	if err := e.transact(func() error {
		if err := e.log.MarkUndone(target); err != nil {
			return err
		}
		// The inverse consumes an id but is never stored locally; persist
		// the counter so a restart cannot reuse it.
		return e.log.BumpCounter(e.cfg.InstanceID, inv.Seq)
	}); err != nil {
		e.mu.Unlock()
		return Result{}, err
	}
	e.counter++
	e.redoStack = append(e.redoStack, target)
	e.mu.Unlock()

	distributed := true
	if err := e.ch.Broadcast(&inv); err != nil {
		distributed = false
		slog.Warn("undo committed locally but inverse not distributed", "op", target, "error", err)
	}
	return Result{Ops: []op.Operation{inv}, Distributed: distributed}, nil
}

// Redo re-applies the most recently undone operation. It fails with
// OperationExecution when nothing was undone or a local submit has
// invalidated the redo stack since.
func (e *Engine) Redo() (Result, error) {
	if err := e.requireRunning(); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	n := len(e.redoStack)
	if n == 0 {
		e.mu.Unlock()
		return Result{}, status.OperationExecution("redo: nothing to redo")
	}
	target := e.redoStack[n-1]
	e.redoStack = e.redoStack[:n-1]

	rec, ok, err := e.log.Get(target)
	if err != nil {
		e.mu.Unlock()
		return Result{}, err
	}
	if !ok {
		e.mu.Unlock()
		return Result{}, status.OperationExecution("redo: operation " + target.String() + " no longer retained")
	}

	// Re-assert the original effect under a fresh identity.
	reassert := rec.Op.Clone()
	reassert.Origin = e.cfg.InstanceID
	reassert.Seq = e.counter + 1
	reassert.TimestampNS = time.Now().UnixNano()
	reassert.BatchID = ""

	if err := e.transact(func() error {
		if err := e.log.MarkRedone(target); err != nil {
			return err
		}
		return e.log.BumpCounter(e.cfg.InstanceID, reassert.Seq)
	}); err != nil {
		e.mu.Unlock()
		return Result{}, err
	}
	e.counter++
	e.undoStack = append(e.undoStack, target)
	e.mu.Unlock()

	distributed := true
	if err := e.ch.Broadcast(&reassert); err != nil {
		distributed = false
		slog.Warn("redo committed locally but not distributed", "op", target, "error", err)
	}
	return Result{Ops: []op.Operation{reassert}, Distributed: distributed}, nil
}

// transact runs fn inside one log transaction, rolling back on any failure.
// Callers hold the engine lock.
func (e *Engine) transact(fn func() error) error {
	if err := e.log.Begin(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if rbErr := e.log.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	return e.log.Commit()
}
