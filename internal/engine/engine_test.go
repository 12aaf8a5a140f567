package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tandemhq/tandem/internal/op"
	"github.com/tandemhq/tandem/internal/oplog"
	"github.com/tandemhq/tandem/internal/status"
)

// fakeChannel records broadcasts and hands queued operations to the sync
// loop, with no network involved.
type fakeChannel struct {
	mu        sync.Mutex
	broadcast []op.Operation
	inbound   []op.Operation
	bcErr     error
	closed    bool
}

func (f *fakeChannel) Broadcast(o *op.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bcErr != nil {
		return f.bcErr
	}
	f.broadcast = append(f.broadcast, o.Clone())
	return nil
}

func (f *fakeChannel) RefreshPeers(ctx context.Context) error { return nil }

func (f *fakeChannel) DrainInbound() []op.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.inbound
	f.inbound = nil
	return out
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) queue(ops ...op.Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, ops...)
}

func (f *fakeChannel) sent() []op.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]op.Operation(nil), f.broadcast...)
}

func openLog(t *testing.T, dir string, maxHistory int) *oplog.Store {
	t.Helper()
	s, err := oplog.Open(dir, maxHistory)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return s
}

// newTestEngine starts an engine over a real Badger log and a fake channel.
// The sync interval is long enough that ticks only happen when a test calls
// syncTick directly.
func newTestEngine(t *testing.T, instance string) (*Engine, *fakeChannel) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.InstanceID = instance
	cfg.DataDir = t.TempDir()
	cfg.SyncInterval = time.Hour

	ch := &fakeChannel{}
	e, err := NewWith(cfg, openLog(t, cfg.DataDir, cfg.MaxHistoryEntries), ch)
	if err != nil {
		t.Fatalf("NewWith: %v", err)
	}
	t.Cleanup(func() {
		if e.State() == StateRunning {
			e.Shutdown()
		}
	})
	return e, ch
}

func insertDraft(path, content string) op.Operation {
	return op.Operation{Kind: op.KindInsert, FilePath: path, Line: 1, Col: 1, Content: []byte(content)}
}

func TestSubmitAssignsIdentityAndBroadcasts(t *testing.T) {
	e, ch := newTestEngine(t, "inst-a")

	res, err := e.Submit(insertDraft("src/main.go", "hello"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(res.Ops) != 1 {
		t.Fatalf("Submit returned %d ops", len(res.Ops))
	}
	got := res.Ops[0]
	if got.Origin != "inst-a" || got.Seq != 1 {
		t.Errorf("assigned id = %s, want inst-a/1", got.ID())
	}
	if got.TimestampNS == 0 {
		t.Error("timestamp not assigned")
	}
	if !res.Distributed {
		t.Error("broadcast succeeded but Distributed is false")
	}

	recs, err := e.History(0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 1 || recs[0].State != oplog.StateActive {
		t.Errorf("history = %+v, want one active record", recs)
	}

	sent := ch.sent()
	if len(sent) != 1 || sent[0].ID() != got.ID() {
		t.Errorf("broadcast = %+v, want the committed op", sent)
	}
	if e.Stats().Submitted != 1 {
		t.Errorf("Submitted counter = %d, want 1", e.Stats().Submitted)
	}
}

func TestSubmitValidation(t *testing.T) {
	e, _ := newTestEngine(t, "inst-a")

	cases := []op.Operation{
		{Kind: op.Kind(99), FilePath: "f", Line: 1, Col: 1, Content: []byte("x")},
		{Kind: op.KindInsert, Line: 1, Col: 1, Content: []byte("x")},
		{Kind: op.KindInsert, FilePath: "f", Line: 0, Col: 1, Content: []byte("x")},
		{Kind: op.KindInsert, FilePath: "f", Line: 1, Col: 0, Content: []byte("x")},
		{Kind: op.KindInsert, FilePath: "f", Line: 1, Col: 1},
	}
	for i, draft := range cases {
		if _, err := e.Submit(draft); !status.Is(err, status.CodeInvalidParameter) {
			t.Errorf("case %d: Submit = %v, want INVALID_PARAMETER", i, err)
		}
	}

	// A meta change carries no content.
	if _, err := e.Submit(op.Operation{Kind: op.KindMetaChange, FilePath: "f", Line: 1, Col: 1}); err != nil {
		t.Errorf("meta change without content rejected: %v", err)
	}
}

func TestSubmitBatchSharesOneBatchID(t *testing.T) {
	e, _ := newTestEngine(t, "inst-a")

	res, err := e.SubmitBatch([]op.Operation{
		insertDraft("a.go", "one"),
		insertDraft("b.go", "two"),
		insertDraft("c.go", "three"),
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if res.BatchID == "" {
		t.Fatal("batch id not assigned")
	}
	for i, o := range res.Ops {
		if o.BatchID != res.BatchID {
			t.Errorf("op %d batch id = %q, want %q", i, o.BatchID, res.BatchID)
		}
		if o.Seq != uint64(i)+1 {
			t.Errorf("op %d seq = %d, want %d", i, o.Seq, i+1)
		}
	}

	if _, err := e.SubmitBatch(nil); !status.Is(err, status.CodeInvalidParameter) {
		t.Errorf("empty batch = %v, want INVALID_PARAMETER", err)
	}
}

func TestBroadcastFailureIsAdvisory(t *testing.T) {
	e, ch := newTestEngine(t, "inst-a")
	ch.mu.Lock()
	ch.bcErr = errors.New("no peers reachable")
	ch.mu.Unlock()

	res, err := e.Submit(insertDraft("f.go", "hello"))
	if err != nil {
		t.Fatalf("Submit with failing broadcast: %v", err)
	}
	if res.Distributed {
		t.Error("Distributed should be false when broadcast fails")
	}
	// Local durability is unaffected.
	recs, _ := e.History(0)
	if len(recs) != 1 {
		t.Errorf("history has %d records, want 1", len(recs))
	}
}

func TestUndoSynthesizesInverse(t *testing.T) {
	e, ch := newTestEngine(t, "inst-a")
	res, err := e.Submit(insertDraft("f.go", "hello"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	target := res.Ops[0].ID()

	ures, err := e.Undo()
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	inv := ures.Ops[0]
	if inv.Kind != op.KindDelete || string(inv.Content) != "hello" {
		t.Errorf("inverse = %s %q, want delete hello", inv.Kind, inv.Content)
	}
	if inv.Origin != "inst-a" || inv.Seq != 2 {
		t.Errorf("inverse id = %s, want inst-a/2", inv.ID())
	}

	rec, found, _ := e.log.Get(target)
	if !found || rec.State != oplog.StateUndone {
		t.Errorf("target state = %s found=%v, want undone", rec.State, found)
	}

	sent := ch.sent()
	if len(sent) != 2 || sent[1].Kind != op.KindDelete {
		t.Errorf("broadcasts = %d, last kind %s, want inverse delete", len(sent), sent[len(sent)-1].Kind)
	}
}

func TestUndoWithoutHistory(t *testing.T) {
	e, _ := newTestEngine(t, "inst-a")
	if _, err := e.Undo(); !status.Is(err, status.CodeOperationExecution) {
		t.Errorf("Undo on empty history = %v, want OPERATION_EXECUTION", err)
	}
}

func TestRedoReassertsUndoneOperation(t *testing.T) {
	e, _ := newTestEngine(t, "inst-a")
	res, _ := e.Submit(insertDraft("f.go", "hello"))
	target := res.Ops[0].ID()
	if _, err := e.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}

	rres, err := e.Redo()
	if err != nil {
		t.Fatalf("Redo: %v", err)
	}
	re := rres.Ops[0]
	if re.Kind != op.KindInsert || string(re.Content) != "hello" {
		t.Errorf("reassert = %s %q, want insert hello", re.Kind, re.Content)
	}
	if re.Seq != 3 {
		t.Errorf("reassert seq = %d, want 3 (after submit and inverse)", re.Seq)
	}

	rec, _, _ := e.log.Get(target)
	if rec.State != oplog.StateActive {
		t.Errorf("target state after redo = %s, want active", rec.State)
	}

	// The redone operation is undoable again.
	if _, err := e.Undo(); err != nil {
		t.Errorf("Undo after redo: %v", err)
	}
}

func TestRedoWithNothingUndone(t *testing.T) {
	e, _ := newTestEngine(t, "inst-a")
	e.Submit(insertDraft("f.go", "hello"))
	if _, err := e.Redo(); !status.Is(err, status.CodeOperationExecution) {
		t.Errorf("Redo with nothing undone = %v, want OPERATION_EXECUTION", err)
	}
}

func TestSubmitInvalidatesRedo(t *testing.T) {
	e, _ := newTestEngine(t, "inst-a")
	e.Submit(insertDraft("f.go", "one"))
	if _, err := e.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	e.Submit(insertDraft("f.go", "two"))

	if _, err := e.Redo(); !status.Is(err, status.CodeOperationExecution) {
		t.Errorf("Redo after intervening submit = %v, want OPERATION_EXECUTION", err)
	}
}

func TestSyncTickIngestsPeerOperations(t *testing.T) {
	e, ch := newTestEngine(t, "inst-a")

	var (
		cbMu      sync.Mutex
		delivered [][]op.ID
	)
	e.RegisterCallback(func(batch []op.Operation) {
		ids := make([]op.ID, len(batch))
		for i := range batch {
			ids[i] = batch[i].ID()
		}
		cbMu.Lock()
		delivered = append(delivered, ids)
		cbMu.Unlock()
	})

	remote := op.Operation{
		Kind: op.KindInsert, FilePath: "f.go", Line: 1, Col: 1,
		Content: []byte("from-b"), TimestampNS: 1, Origin: "inst-b", Seq: 1,
	}
	ch.queue(remote, remote) // duplicate within one batch
	e.syncTick(context.Background())

	// Replayed delivery on a later tick.
	ch.queue(remote)
	e.syncTick(context.Background())

	if found, _ := e.log.Has(remote.ID()); !found {
		t.Fatal("ingested operation not durable")
	}
	cbMu.Lock()
	defer cbMu.Unlock()
	if len(delivered) != 1 || len(delivered[0]) != 1 || delivered[0][0] != remote.ID() {
		t.Errorf("callback deliveries = %+v, want one batch with inst-b/1", delivered)
	}
	st := e.Stats()
	if st.Ingested != 1 {
		t.Errorf("Ingested = %d, want 1", st.Ingested)
	}
	if st.Deduplicated != 2 {
		t.Errorf("Deduplicated = %d, want 2 (in-batch dup + replay)", st.Deduplicated)
	}
}

func TestSyncTickFiltersOwnEchoes(t *testing.T) {
	e, ch := newTestEngine(t, "inst-a")
	res, _ := e.Submit(insertDraft("f.go", "hello"))

	var called bool
	e.RegisterCallback(func([]op.Operation) { called = true })

	ch.queue(res.Ops[0]) // a peer looped our own operation back
	e.syncTick(context.Background())

	if called {
		t.Error("callback fired for a self-originated echo")
	}
	if e.Stats().Deduplicated != 1 {
		t.Errorf("Deduplicated = %d, want 1", e.Stats().Deduplicated)
	}
}

func TestIngestedOperationsAreNotUndoable(t *testing.T) {
	e, ch := newTestEngine(t, "inst-a")
	ch.queue(op.Operation{
		Kind: op.KindInsert, FilePath: "f.go", Line: 1, Col: 1,
		Content: []byte("remote"), TimestampNS: 1, Origin: "inst-b", Seq: 1,
	})
	e.syncTick(context.Background())

	if _, err := e.Undo(); !status.Is(err, status.CodeOperationExecution) {
		t.Errorf("Undo over peer-only history = %v, want OPERATION_EXECUTION", err)
	}
}

func TestShutdownLifecycle(t *testing.T) {
	e, ch := newTestEngine(t, "inst-a")
	if e.State() != StateRunning {
		t.Fatalf("state = %s, want running", e.State())
	}

	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if e.State() != StateTerminated {
		t.Errorf("state = %s, want terminated", e.State())
	}
	if !ch.closed {
		t.Error("channel not closed by shutdown")
	}

	if err := e.Shutdown(); !status.Is(err, status.CodeInvalidState) {
		t.Errorf("second Shutdown = %v, want INVALID_STATE", err)
	}
	if _, err := e.Submit(insertDraft("f.go", "late")); !status.Is(err, status.CodeInvalidState) {
		t.Errorf("Submit after shutdown = %v, want INVALID_STATE", err)
	}
	if _, err := e.History(0); !status.Is(err, status.CodeInvalidState) {
		t.Errorf("History after shutdown = %v, want INVALID_STATE", err)
	}
}

func TestCounterSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.InstanceID = "inst-a"
	cfg.DataDir = dir
	cfg.SyncInterval = time.Hour

	e, err := NewWith(cfg, openLog(t, dir, cfg.MaxHistoryEntries), &fakeChannel{})
	if err != nil {
		t.Fatalf("NewWith: %v", err)
	}
	e.Submit(insertDraft("f.go", "one"))
	e.Submit(insertDraft("f.go", "two"))
	// Undo consumes seq 3 for the inverse without storing a record.
	if _, err := e.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	e2, err := NewWith(cfg, openLog(t, dir, cfg.MaxHistoryEntries), &fakeChannel{})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	t.Cleanup(func() {
		if e2.State() == StateRunning {
			e2.Shutdown()
		}
	})

	res, err := e2.Submit(insertDraft("f.go", "three"))
	if err != nil {
		t.Fatalf("Submit after restart: %v", err)
	}
	if res.Ops[0].Seq != 4 {
		t.Errorf("seq after restart = %d, want 4", res.Ops[0].Seq)
	}

	// The in-memory undo stack is gone, but the log still knows the last
	// locally-originated active operation.
	ures, err := e2.Undo()
	if err != nil {
		t.Fatalf("Undo after restart: %v", err)
	}
	if string(ures.Ops[0].Content) != "three" {
		t.Errorf("undo after restart inverted %q, want the newest active op", ures.Ops[0].Content)
	}
}

func TestUniqueIDsUnderConcurrentSubmit(t *testing.T) {
	e, _ := newTestEngine(t, "inst-a")

	const perWorker = 25
	var wg sync.WaitGroup
	ids := make(chan op.ID, 2*perWorker)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				res, err := e.Submit(insertDraft("f.go", "x"))
				if err != nil {
					t.Errorf("Submit: %v", err)
					return
				}
				ids <- res.Ops[0].ID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[op.ID]struct{})
	for id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id assigned: %s", id)
		}
		seen[id] = struct{}{}
	}
	if len(seen) != 2*perWorker {
		t.Errorf("assigned %d unique ids, want %d", len(seen), 2*perWorker)
	}
}

func TestDistinctInstancesNeverShareIDs(t *testing.T) {
	a, _ := newTestEngine(t, "inst-a")
	b, _ := newTestEngine(t, "inst-b")

	var wg sync.WaitGroup
	ids := make(chan op.ID, 40)
	for _, e := range []*Engine{a, b} {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				res, err := e.Submit(insertDraft("f.go", "x"))
				if err != nil {
					t.Errorf("Submit: %v", err)
					return
				}
				ids <- res.Ops[0].ID()
			}
		}(e)
	}
	wg.Wait()
	close(ids)

	seen := make(map[op.ID]struct{})
	for id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("id %s generated by both instances", id)
		}
		seen[id] = struct{}{}
	}
	if len(seen) != 40 {
		t.Errorf("got %d unique ids, want 40", len(seen))
	}
}

func TestNewWithRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	if _, err := NewWith(cfg, nil, nil); !status.Is(err, status.CodeInvalidParameter) {
		t.Errorf("missing instance id = %v, want INVALID_PARAMETER", err)
	}

	cfg = DefaultConfig()
	cfg.InstanceID = "a"
	if _, err := NewWith(cfg, nil, nil); !status.Is(err, status.CodeInvalidParameter) {
		t.Errorf("missing data dir = %v, want INVALID_PARAMETER", err)
	}
}
