// Package oplog implements the transactional, bounded operation log backing
// the coordination engine. Records live in Badger under the key layout of
// internal/kv; insertion order doubles as eviction order.
package oplog

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/tandemhq/tandem/internal/kv"
	"github.com/tandemhq/tandem/internal/op"
	"github.com/tandemhq/tandem/internal/status"
)

// State tracks a record's position in the undo/redo machine. The only legal
// transitions are Active -> Undone (undo) and Undone -> Active (redo).
type State uint8

const (
	StateActive State = 1
	StateUndone State = 2
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateUndone:
		return "undone"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Record is a stored operation plus its undo/redo state, the id of the
// transaction that committed it, and its store-assigned insertion sequence.
type Record struct {
	Op    op.Operation
	State State
	Txn   uint64
	Seq   uint64
}

// Store is a transactional append-mostly log of operation records. A single
// transaction may be active at a time; nested Begin calls are rejected.
// Once Commit returns nil the records are durable across reopen.
type Store struct {
	db *badger.DB

	mu         sync.Mutex
	txn        *badger.Txn
	txnID      uint64
	stagedSeq  uint64 // next insertion seq including staged appends
	stagedAdds int
	nextSeq    uint64
	count      int
	maxHistory int
}

// Open creates or opens the log at dir. maxHistory bounds the number of
// retained records; zero or negative means unbounded.
func Open(dir string, maxHistory int) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.SyncWrites = true
	db, err := badger.Open(opts)
	if err != nil {
		return nil, status.Errorf(status.CodePersistence, "open operation log: %w", err)
	}

	s := &Store{db: db, maxHistory: maxHistory}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("operation log opened", "dir", dir, "records", s.count, "next_seq", s.nextSeq)
	return s, nil
}

// load restores the insertion cursor and record count after reopen.
func (s *Store) load() error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(kv.NextRecordKey())
		switch err {
		case nil:
			if err := item.Value(func(v []byte) error {
				if len(v) != 8 {
					return fmt.Errorf("bad next-seq length: %d", len(v))
				}
				s.nextSeq = kv.GetUint64BE(v)
				return nil
			}); err != nil {
				return err
			}
		case badger.ErrKeyNotFound:
			s.nextSeq = 1
		default:
			return err
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: kv.RecordPrefix()})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			s.count++
		}
		return nil
	})
	if err != nil {
		return status.Errorf(status.CodePersistence, "load operation log state: %w", err)
	}
	return nil
}

// Close releases the underlying database. An active transaction is discarded.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.txn != nil {
		s.txn.Discard()
		s.txn = nil
	}
	s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return status.Errorf(status.CodePersistence, "close operation log: %w", err)
	}
	return nil
}

// Begin opens a transaction. A second Begin without an intervening Commit or
// Rollback fails with InvalidState.
func (s *Store) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn != nil {
		return status.InvalidState("transaction already active")
	}
	s.txn = s.db.NewTransaction(true)
	s.txnID++
	s.stagedSeq = s.nextSeq
	s.stagedAdds = 0
	return nil
}

// Commit makes all staged writes durable, then applies the eviction bound.
// Purging runs strictly after the transaction has committed.
func (s *Store) Commit() error {
	s.mu.Lock()
	if s.txn == nil {
		s.mu.Unlock()
		return status.InvalidState("no active transaction")
	}
	txn := s.txn
	if s.stagedAdds > 0 {
		if err := txn.Set(kv.NextRecordKey(), kv.PutUint64BE(nil, s.stagedSeq)); err != nil {
			txn.Discard()
			s.txn = nil
			s.mu.Unlock()
			return status.Errorf(status.CodePersistence, "stage insertion cursor: %w", err)
		}
	}
	err := txn.Commit()
	s.txn = nil
	if err != nil {
		s.mu.Unlock()
		return status.Errorf(status.CodePersistence, "commit transaction: %w", err)
	}
	s.nextSeq = s.stagedSeq
	s.count += s.stagedAdds
	s.stagedAdds = 0
	s.mu.Unlock()

	return s.evict()
}

// Rollback discards the active transaction. Every staged write becomes
// invisible to subsequent reads.
func (s *Store) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == nil {
		return status.InvalidState("no active transaction")
	}
	s.txn.Discard()
	s.txn = nil
	s.stagedAdds = 0
	return nil
}

// Store appends o as a new Active record inside the current transaction.
// Duplicate operation ids are rejected with OperationExecution.
func (s *Store) Store(o *op.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == nil {
		return status.InvalidState("store requires an active transaction")
	}

	idKey := kv.OpIDKey(o.Origin, o.Seq)
	switch _, err := s.txn.Get(idKey); err {
	case badger.ErrKeyNotFound:
	case nil:
		return status.OperationExecution(fmt.Sprintf("operation %s already stored", o.ID()))
	default:
		return status.Errorf(status.CodePersistence, "check operation id: %w", err)
	}

	seq := s.stagedSeq
	rec := Record{Op: o.Clone(), State: StateActive, Txn: s.txnID, Seq: seq}
	if err := s.txn.Set(kv.RecordKey(seq), encodeRecord(&rec)); err != nil {
		return status.Errorf(status.CodePersistence, "store record: %w", err)
	}
	if err := s.txn.Set(idKey, kv.PutUint64BE(nil, seq)); err != nil {
		return status.Errorf(status.CodePersistence, "index operation id: %w", err)
	}
	if err := s.bumpCounter(o.Origin, o.Seq); err != nil {
		return err
	}
	s.stagedSeq++
	s.stagedAdds++
	return nil
}

// bumpCounter advances the per-origin submit counter so an instance that
// reopens its log resumes with ids beyond everything it has seen.
func (s *Store) bumpCounter(origin string, opSeq uint64) error {
	key := kv.CounterKey(origin)
	var current uint64
	switch item, err := s.txn.Get(key); err {
	case nil:
		if err := item.Value(func(v []byte) error {
			if len(v) == 8 {
				current = kv.GetUint64BE(v)
			}
			return nil
		}); err != nil {
			return status.Errorf(status.CodePersistence, "read origin counter: %w", err)
		}
	case badger.ErrKeyNotFound:
	default:
		return status.Errorf(status.CodePersistence, "read origin counter: %w", err)
	}
	if opSeq <= current {
		return nil
	}
	if err := s.txn.Set(key, kv.PutUint64BE(nil, opSeq)); err != nil {
		return status.Errorf(status.CodePersistence, "write origin counter: %w", err)
	}
	return nil
}

// BumpCounter advances instance's persisted submit counter inside the
// current transaction. Used when an id is consumed by a synthesized
// operation that is broadcast but never stored as a record.
func (s *Store) BumpCounter(instance string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == nil {
		return status.InvalidState("counter update requires an active transaction")
	}
	return s.bumpCounter(instance, seq)
}

// LastCounter returns the highest submit counter recorded for instance,
// zero if it has never stored an operation here.
func (s *Store) LastCounter(instance string) (uint64, error) {
	var out uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(kv.CounterKey(instance))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) == 8 {
				out = kv.GetUint64BE(v)
			}
			return nil
		})
	})
	if err != nil {
		return 0, status.Errorf(status.CodePersistence, "read counter: %w", err)
	}
	return out, nil
}

// Has reports whether an operation with the given id is present. Reads only
// committed state.
func (s *Store) Has(id op.ID) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(kv.OpIDKey(id.Origin, id.Seq))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, status.Errorf(status.CodePersistence, "lookup operation id: %w", err)
	}
	return found, nil
}

// Get returns the committed record for id, if present.
func (s *Store) Get(id op.ID) (Record, bool, error) {
	var rec Record
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		seq, ok, err := recordSeq(txn, id)
		if err != nil || !ok {
			return err
		}
		item, err := txn.Get(kv.RecordKey(seq))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			r, err := decodeRecord(v)
			if err != nil {
				return err
			}
			rec = r
			rec.Seq = seq
			found = true
			return nil
		})
	})
	if err != nil {
		return Record{}, false, status.Errorf(status.CodePersistence, "get record: %w", err)
	}
	return rec, found, nil
}

// LastActiveBy returns the most recently stored Active record originated by
// instance. The second return is false when no undoable history exists;
// that is not an error.
func (s *Store) LastActiveBy(instance string) (op.Operation, bool, error) {
	var out op.Operation
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true, PrefetchValues: true})
		defer it.Close()
		// One past the largest possible record key.
		max := append([]byte(kv.PrefixRecord), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		prefix := kv.RecordPrefix()
		for it.Seek(max); it.Valid(); it.Next() {
			k := it.Item().Key()
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			var rec Record
			if err := it.Item().Value(func(v []byte) error {
				r, err := decodeRecord(v)
				if err != nil {
					return err
				}
				rec = r
				return nil
			}); err != nil {
				return err
			}
			if rec.State == StateActive && rec.Op.Origin == instance {
				out = rec.Op
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return op.Operation{}, false, status.Errorf(status.CodePersistence, "scan for last active: %w", err)
	}
	return out, found, nil
}

// MarkUndone transitions the record for id from Active to Undone inside the
// current transaction.
func (s *Store) MarkUndone(id op.ID) error {
	return s.markState(id, StateActive, StateUndone)
}

// MarkRedone transitions the record for id from Undone back to Active inside
// the current transaction.
func (s *Store) MarkRedone(id op.ID) error {
	return s.markState(id, StateUndone, StateActive)
}

func (s *Store) markState(id op.ID, from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == nil {
		return status.InvalidState("state transition requires an active transaction")
	}

	seq, ok, err := recordSeq(s.txn, id)
	if err != nil {
		return status.Errorf(status.CodePersistence, "lookup operation id: %w", err)
	}
	if !ok {
		return status.OperationExecution(fmt.Sprintf("operation %s not found", id))
	}
	item, err := s.txn.Get(kv.RecordKey(seq))
	if err != nil {
		return status.Errorf(status.CodePersistence, "read record: %w", err)
	}
	var rec Record
	if err := item.Value(func(v []byte) error {
		r, derr := decodeRecord(v)
		if derr != nil {
			return derr
		}
		rec = r
		return nil
	}); err != nil {
		return status.Errorf(status.CodePersistence, "decode record: %w", err)
	}
	if rec.State != from {
		return status.OperationExecution(fmt.Sprintf("operation %s is %s, not %s", id, rec.State, from))
	}
	rec.State = to
	rec.Txn = s.txnID
	rec.Seq = seq
	if err := s.txn.Set(kv.RecordKey(seq), encodeRecord(&rec)); err != nil {
		return status.Errorf(status.CodePersistence, "write record: %w", err)
	}
	return nil
}

// History returns up to limit committed records, newest first. It works
// outside any transaction; limit <= 0 means all.
func (s *Store) History(limit int) ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true, PrefetchValues: true})
		defer it.Close()
		max := append([]byte(kv.PrefixRecord), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		prefix := kv.RecordPrefix()
		for it.Seek(max); it.Valid(); it.Next() {
			k := it.Item().Key()
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			seq, _ := kv.RecordSeqFromKey(k)
			if err := it.Item().Value(func(v []byte) error {
				rec, err := decodeRecord(v)
				if err != nil {
					return err
				}
				rec.Seq = seq
				out = append(out, rec)
				return nil
			}); err != nil {
				return err
			}
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, status.Errorf(status.CodePersistence, "read history: %w", err)
	}
	return out, nil
}

// Count returns the number of retained committed records.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// evict purges the oldest records past the history bound, regardless of
// state. Holds the store lock throughout so no transaction can begin while
// the purge is in flight.
func (s *Store) evict() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxHistory <= 0 || s.count <= s.maxHistory || s.txn != nil {
		return nil
	}
	excess := s.count - s.maxHistory

	purged := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: kv.RecordPrefix(), PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid() && purged < excess; it.Next() {
			k := append([]byte(nil), it.Item().Key()...)
			var rec Record
			if err := it.Item().Value(func(v []byte) error {
				r, err := decodeRecord(v)
				if err != nil {
					return err
				}
				rec = r
				return nil
			}); err != nil {
				return err
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
			if err := txn.Delete(kv.OpIDKey(rec.Op.Origin, rec.Op.Seq)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return status.Errorf(status.CodePersistence, "evict old records: %w", err)
	}

	s.count -= purged
	if purged > 0 {
		slog.Debug("evicted old operation records", "purged", purged, "bound", s.maxHistory)
	}
	return nil
}

func recordSeq(txn *badger.Txn, id op.ID) (uint64, bool, error) {
	item, err := txn.Get(kv.OpIDKey(id.Origin, id.Seq))
	if err == badger.ErrKeyNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var seq uint64
	if err := item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("bad id index length: %d", len(v))
		}
		seq = kv.GetUint64BE(v)
		return nil
	}); err != nil {
		return 0, false, err
	}
	return seq, true, nil
}
