package oplog

import (
	"bytes"
	"testing"

	"github.com/tandemhq/tandem/internal/op"
)

func TestRecordCodecRoundTrip(t *testing.T) {
	rec := Record{
		Op: op.Operation{
			Kind:     op.KindDelete,
			FilePath: "f.go",
			Line:     3,
			Col:      9,
			Content:  []byte("gone"),
			Origin:   "inst",
			Seq:      11,
		},
		State: StateUndone,
		Txn:   42,
	}
	got, err := decodeRecord(encodeRecord(&rec))
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if got.State != StateUndone || got.Txn != 42 {
		t.Errorf("state/txn = %s/%d, want undone/42", got.State, got.Txn)
	}
	if got.Op.ID() != rec.Op.ID() || !bytes.Equal(got.Op.Content, rec.Op.Content) {
		t.Errorf("operation mismatch: %+v", got.Op)
	}
}

func TestRecordCodecRejectsCorruptFrames(t *testing.T) {
	rec := Record{Op: op.Operation{Kind: op.KindInsert, FilePath: "f", Line: 1, Col: 1, Content: []byte("x"), Origin: "a", Seq: 1}, State: StateActive}
	enc := encodeRecord(&rec)

	if _, err := decodeRecord(enc[:5]); err == nil {
		t.Error("short frame accepted")
	}
	bad := append([]byte(nil), enc...)
	bad[0] = 9
	if _, err := decodeRecord(bad); err == nil {
		t.Error("unknown version accepted")
	}
	bad = append([]byte(nil), enc...)
	bad[1] = 0
	if _, err := decodeRecord(bad); err == nil {
		t.Error("unknown state accepted")
	}
}
