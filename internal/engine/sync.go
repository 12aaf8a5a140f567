package engine

import (
	"context"
	"log/slog"
	"time"
)

// runLoop is the background synchronization task: every SyncInterval it
// refreshes the peer set and ingests drained operations. Cancellation is
// observed through the context, so shutdown latency is bounded by the select,
// not the interval.
func (e *Engine) runLoop(ctx context.Context) {
	defer close(e.loopDone)

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	slog.Debug("sync loop started", "interval", e.cfg.SyncInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("sync loop stopped")
			return
		case <-ticker.C:
			e.syncTick(ctx)
		}
	}
}

func (e *Engine) syncTick(ctx context.Context) {
	if err := e.ch.RefreshPeers(ctx); err != nil && ctx.Err() == nil {
		// Discovery failures are transient; the next tick retries.
		slog.Warn("peer refresh failed", "error", err)
	}

	drained := e.ch.DrainInbound()
	if len(drained) == 0 {
		return
	}

	// Dedup by operation id: against the store, within the batch, and
	// against our own origin (echoes of operations we broadcast).
	fresh := drained[:0]
	seen := make(map[string]struct{}, len(drained))
	for i := range drained {
		o := drained[i]
		id := o.ID().String()
		if o.Origin == e.cfg.InstanceID {
			e.deduplicated.Add(1)
			continue
		}
		if _, dup := seen[id]; dup {
			e.deduplicated.Add(1)
			continue
		}
		seen[id] = struct{}{}
		have, err := e.log.Has(o.ID())
		if err != nil {
			slog.Error("inbound dedup lookup failed", "op", id, "error", err)
			continue
		}
		if have {
			e.deduplicated.Add(1)
			continue
		}
		fresh = append(fresh, o)
	}
	if len(fresh) == 0 {
		return
	}

	// One transaction per drained batch.
	e.mu.Lock()
	err := e.transact(func() error {
		for i := range fresh {
			if err := e.log.Store(&fresh[i]); err != nil {
				return err
			}
		}
		return nil
	})
	cb := e.callback
	e.mu.Unlock()
	if err != nil {
		slog.Error("ingest batch failed", "ops", len(fresh), "error", err)
		return
	}
	e.ingested.Add(uint64(len(fresh)))

	if cb != nil {
		// The batch is borrowed by the callback for the duration of the
		// call only.
		cb(fresh)
	}
}
