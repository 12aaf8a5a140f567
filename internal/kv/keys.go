// Package kv defines the Badger key layout for the operation log.
package kv

import "bytes"

// Key prefixes. Each prefix ends with '|' as a separator.
const (
	PrefixRecord  = "o|"     // o|{insert_seq:8BE} => record
	PrefixOpID    = "i|"     // i|{origin}\x00{op_seq:8BE} => insert_seq:8BE
	PrefixCounter = "c|"     // c|{instance} => last submit counter:8BE
	KeyNextRecord = "m|next" // next insertion sequence:8BE
)

const sep = '\x00'

// RecordKey returns the Badger key for a stored record: o|{insert_seq:8BE}.
// Insertion sequence is store-assigned, so a forward scan over PrefixRecord
// visits records oldest first.
func RecordKey(seq uint64) []byte {
	return PutUint64BE([]byte(PrefixRecord), seq)
}

// RecordPrefix returns the scan prefix for all records.
func RecordPrefix() []byte {
	return []byte(PrefixRecord)
}

// RecordSeqFromKey extracts the insertion sequence from a record key.
func RecordSeqFromKey(k []byte) (uint64, bool) {
	if !bytes.HasPrefix(k, []byte(PrefixRecord)) {
		return 0, false
	}
	if len(k) != len(PrefixRecord)+8 {
		return 0, false
	}
	return GetUint64BE(k[len(PrefixRecord):]), true
}

// OpIDKey returns the index key for an operation id: i|{origin}\x00{op_seq:8BE}.
// The value is the owning record's insertion sequence.
func OpIDKey(origin string, opSeq uint64) []byte {
	k := append([]byte(PrefixOpID), origin...)
	k = append(k, sep)
	return PutUint64BE(k, opSeq)
}

// CounterKey returns the key holding an instance's last submit counter:
// c|{instance}.
func CounterKey(instance string) []byte {
	return append([]byte(PrefixCounter), instance...)
}

// NextRecordKey returns the key holding the next insertion sequence.
func NextRecordKey() []byte {
	return []byte(KeyNextRecord)
}
