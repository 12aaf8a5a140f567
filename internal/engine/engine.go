// Package engine ties the operation log, undo/redo state, and peer channel
// together: callers submit edits, a background loop ingests peer operations,
// and all shared state is serialized by one engine lock that is never held
// across network I/O.
package engine

import (
	"context"
	"crypto/tls"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tandemhq/tandem/internal/channel"
	"github.com/tandemhq/tandem/internal/op"
	"github.com/tandemhq/tandem/internal/oplog"
	"github.com/tandemhq/tandem/internal/status"
)

// Lifecycle states. Transitions only move forward; a terminated engine is
// never reused.
type LifecycleState int32

const (
	StateUninitialized LifecycleState = iota
	StateInitializing
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s LifecycleState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Config holds engine configuration. Zero durations and limits are filled by
// DefaultConfig values.
type Config struct {
	InstanceID        string
	ProjectRoot       string
	DataDir           string
	CoordinationPort  int
	SyncInterval      time.Duration
	MaxHistoryEntries int
	EncryptionEnabled bool

	// TLS supplies the confidentiality+integrity mechanism for peer
	// traffic when EncryptionEnabled is set. Provided by the caller.
	TLS *tls.Config
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CoordinationPort:  0, // ephemeral
		SyncInterval:      500 * time.Millisecond,
		MaxHistoryEntries: 1000,
	}
}

// Log is the transactional operation store consumed by the engine. The
// Badger-backed implementation lives in internal/oplog; tests and alternate
// persistence backends supply their own.
type Log interface {
	Begin() error
	Commit() error
	Rollback() error
	Store(o *op.Operation) error
	BumpCounter(instance string, seq uint64) error
	Has(id op.ID) (bool, error)
	Get(id op.ID) (oplog.Record, bool, error)
	LastActiveBy(instance string) (op.Operation, bool, error)
	MarkUndone(id op.ID) error
	MarkRedone(id op.ID) error
	History(limit int) ([]oplog.Record, error)
	LastCounter(instance string) (uint64, error)
	Close() error
}

// Channel is the peer distribution endpoint consumed by the engine.
type Channel interface {
	Broadcast(o *op.Operation) error
	RefreshPeers(ctx context.Context) error
	DrainInbound() []op.Operation
	Close() error
}

// Callback receives batches of ingested peer operations on the sync loop's
// goroutine. The slice is borrowed: it is valid only for the duration of the
// call and must not be retained.
type Callback func(batch []op.Operation)

// Stats is a snapshot of engine counters.
type Stats struct {
	Submitted    uint64
	Ingested     uint64
	Deduplicated uint64
}

// Engine coordinates one instance. Exclusively owned by the caller that
// created it.
type Engine struct {
	cfg   Config
	log   Log
	ch    Channel
	state atomic.Int32

	// mu serializes the undo/redo stacks, the submit counter, and the
	// transactional sequence against the log. It is released before any
	// blocking network call.
	mu        sync.Mutex
	counter   uint64
	undoStack []op.ID
	redoStack []op.ID
	callback  Callback

	cancel   context.CancelFunc
	loopDone chan struct{}

	submitted    atomic.Uint64
	ingested     atomic.Uint64
	deduplicated atomic.Uint64
}

// New constructs the default collaborators (Badger log, websocket channel)
// and starts the engine. Any sub-initialization failure tears down whatever
// was already constructed before the error propagates.
func New(cfg Config) (*Engine, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	log, err := oplog.Open(filepath.Join(cfg.DataDir, "oplog"), cfg.MaxHistoryEntries)
	if err != nil {
		return nil, err
	}

	ch, err := channel.New(channel.Config{
		InstanceID: cfg.InstanceID,
		Port:       cfg.CoordinationPort,
		Encryption: cfg.EncryptionEnabled,
		TLS:        cfg.TLS,
	})
	if err != nil {
		log.Close()
		return nil, err
	}

	e, err := NewWith(cfg, log, ch)
	if err != nil {
		ch.Close()
		log.Close()
		return nil, err
	}
	return e, nil
}

// NewWith starts an engine over caller-provided collaborators. The engine
// takes ownership: Shutdown closes both.
func NewWith(cfg Config, log Log, ch Channel) (*Engine, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, log: log, ch: ch, loopDone: make(chan struct{})}
	e.state.Store(int32(StateInitializing))

	// Resume the private submit counter beyond anything this instance has
	// already committed so ids stay monotonic across restarts.
	last, err := log.LastCounter(cfg.InstanceID)
	if err != nil {
		return nil, err
	}
	e.counter = last

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.runLoop(ctx)

	e.state.Store(int32(StateRunning))
	slog.Info("engine running",
		"instance", cfg.InstanceID,
		"project_root", cfg.ProjectRoot,
		"sync_interval", cfg.SyncInterval,
		"max_history", cfg.MaxHistoryEntries,
		"encrypted", cfg.EncryptionEnabled,
	)
	return e, nil
}

func validateConfig(cfg *Config) error {
	if cfg.InstanceID == "" {
		return status.InvalidParameter("engine: instance id is required")
	}
	if cfg.DataDir == "" {
		return status.InvalidParameter("engine: data dir is required")
	}
	def := DefaultConfig()
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.MaxHistoryEntries <= 0 {
		cfg.MaxHistoryEntries = def.MaxHistoryEntries
	}
	return nil
}

// State returns the current lifecycle state.
func (e *Engine) State() LifecycleState {
	return LifecycleState(e.state.Load())
}

func (e *Engine) requireRunning() error {
	if s := e.State(); s != StateRunning {
		return status.InvalidState("engine is " + s.String())
	}
	return nil
}

// RegisterCallback replaces the operation-notification callback. At most one
// callback is active at a time; nil unregisters.
func (e *Engine) RegisterCallback(fn Callback) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	e.mu.Lock()
	e.callback = fn
	e.mu.Unlock()
	return nil
}

// History returns up to limit committed records, newest first.
func (e *Engine) History(limit int) ([]oplog.Record, error) {
	if err := e.requireRunning(); err != nil {
		return nil, err
	}
	return e.log.History(limit)
}

// Stats returns current engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Submitted:    e.submitted.Load(),
		Ingested:     e.ingested.Load(),
		Deduplicated: e.deduplicated.Load(),
	}
}

// Shutdown stops the sync loop, then releases the channel, the log, and
// finally the engine's own state, in that order: the channel must stop
// producing inbound work before the log it writes into is closed. Valid only
// from Running; a second call fails with InvalidState rather than
// double-releasing resources.
func (e *Engine) Shutdown() error {
	if !e.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) {
		return status.InvalidState("engine is " + e.State().String())
	}

	e.cancel()
	<-e.loopDone

	var firstErr error
	if err := e.ch.Close(); err != nil {
		firstErr = err
		slog.Warn("channel close error", "error", err)
	}
	if err := e.log.Close(); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		slog.Warn("operation log close error", "error", err)
	}

	e.mu.Lock()
	e.undoStack = nil
	e.redoStack = nil
	e.callback = nil
	e.mu.Unlock()

	e.state.Store(int32(StateTerminated))
	slog.Info("engine stopped", "instance", e.cfg.InstanceID)
	return firstErr
}
