package op

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// codecVersion is the leading byte of every encoded operation. Bump when the
// field layout changes; decoders reject versions they don't know.
const codecVersion = 1

// Encode serializes o into the versioned binary form shared by storage and
// the peer wire. All fields round-trip losslessly, including zero-length
// content.
func Encode(o *Operation) []byte {
	var buf bytes.Buffer
	buf.Grow(32 + len(o.FilePath) + len(o.Content) + len(o.PriorContent) + len(o.Origin) + len(o.BatchID))
	buf.WriteByte(codecVersion)
	buf.WriteByte(byte(o.Kind))
	writeBytes(&buf, []byte(o.FilePath))
	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[:4], o.Line)
	buf.Write(tmp[:4])
	binary.BigEndian.PutUint32(tmp[:4], o.Col)
	buf.Write(tmp[:4])
	writeBytes(&buf, o.Content)
	writeBytes(&buf, o.PriorContent)
	binary.BigEndian.PutUint64(tmp[:], uint64(o.TimestampNS))
	buf.Write(tmp[:])
	writeBytes(&buf, []byte(o.Origin))
	binary.BigEndian.PutUint64(tmp[:], o.Seq)
	buf.Write(tmp[:])
	writeBytes(&buf, []byte(o.BatchID))
	return buf.Bytes()
}

// Decode parses data produced by Encode. The returned operation owns its
// buffers and never aliases data.
func Decode(data []byte) (Operation, error) {
	var o Operation
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return o, fmt.Errorf("decode operation version: %w", err)
	}
	if version != codecVersion {
		return o, fmt.Errorf("unsupported operation codec version: %d", version)
	}
	kind, err := r.ReadByte()
	if err != nil {
		return o, fmt.Errorf("decode kind: %w", err)
	}
	o.Kind = Kind(kind)
	if !o.Kind.Valid() {
		return o, fmt.Errorf("unknown operation kind: %d", kind)
	}

	path, err := readBytes(r)
	if err != nil {
		return o, fmt.Errorf("decode file path: %w", err)
	}
	o.FilePath = string(path)

	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:4]); err != nil {
		return o, fmt.Errorf("decode line: %w", err)
	}
	o.Line = binary.BigEndian.Uint32(tmp[:4])
	if _, err := io.ReadFull(r, tmp[:4]); err != nil {
		return o, fmt.Errorf("decode column: %w", err)
	}
	o.Col = binary.BigEndian.Uint32(tmp[:4])

	if o.Content, err = readBytes(r); err != nil {
		return o, fmt.Errorf("decode content: %w", err)
	}
	if o.PriorContent, err = readBytes(r); err != nil {
		return o, fmt.Errorf("decode prior content: %w", err)
	}

	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return o, fmt.Errorf("decode timestamp: %w", err)
	}
	o.TimestampNS = int64(binary.BigEndian.Uint64(tmp[:]))

	origin, err := readBytes(r)
	if err != nil {
		return o, fmt.Errorf("decode origin: %w", err)
	}
	o.Origin = string(origin)

	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return o, fmt.Errorf("decode sequence: %w", err)
	}
	o.Seq = binary.BigEndian.Uint64(tmp[:])

	batch, err := readBytes(r)
	if err != nil {
		return o, fmt.Errorf("decode batch id: %w", err)
	}
	o.BatchID = string(batch)

	if r.Len() != 0 {
		return o, fmt.Errorf("trailing bytes after operation: %d", r.Len())
	}
	return o, nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(b)))
	buf.Write(tmp[:])
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(tmp[:])
	if n == 0 {
		return nil, nil
	}
	if int(n) > r.Len() {
		return nil, fmt.Errorf("length %d exceeds remaining %d", n, r.Len())
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
