package oplog

import (
	"encoding/binary"
	"fmt"

	"github.com/tandemhq/tandem/internal/op"
)

const recordVersion = 1

// encodeRecord frames a record as:
// version:1 | state:1 | txn_id:8BE | operation (op codec).
func encodeRecord(rec *Record) []byte {
	payload := op.Encode(&rec.Op)
	out := make([]byte, 0, 10+len(payload))
	out = append(out, recordVersion, byte(rec.State))
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], rec.Txn)
	out = append(out, tmp[:]...)
	return append(out, payload...)
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if len(data) < 10 {
		return rec, fmt.Errorf("record too short: %d bytes", len(data))
	}
	if data[0] != recordVersion {
		return rec, fmt.Errorf("unsupported record version: %d", data[0])
	}
	rec.State = State(data[1])
	if rec.State != StateActive && rec.State != StateUndone {
		return rec, fmt.Errorf("unknown record state: %d", data[1])
	}
	rec.Txn = binary.BigEndian.Uint64(data[2:10])
	o, err := op.Decode(data[10:])
	if err != nil {
		return rec, fmt.Errorf("decode record operation: %w", err)
	}
	rec.Op = o
	return rec, nil
}
