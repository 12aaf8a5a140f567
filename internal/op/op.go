// Package op defines the operation model shared by persistence, transport,
// and the notification callback.
package op

import "fmt"

// Kind classifies a content-change operation.
type Kind uint8

const (
	KindInsert Kind = iota
	KindDelete
	KindReplace
	KindMetaChange
	KindResourceChange
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	case KindReplace:
		return "replace"
	case KindMetaChange:
		return "meta_change"
	case KindResourceChange:
		return "resource_change"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known operation kind.
func (k Kind) Valid() bool {
	return k <= KindResourceChange
}

// ID uniquely identifies an operation across the coordination mesh.
// Each instance owns a private monotonically increasing counter, so a
// (origin, seq) pair can never collide across instances.
type ID struct {
	Origin string
	Seq    uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%d", id.Origin, id.Seq)
}

func (id ID) IsZero() bool {
	return id.Origin == "" && id.Seq == 0
}

// Operation is an immutable description of one content change. The engine
// assigns TimestampNS, Origin, and Seq at submit time; callers only fill the
// draft fields (Kind through PriorContent).
type Operation struct {
	Kind     Kind
	FilePath string // project-relative
	Line     uint32 // 1-based
	Col      uint32 // 1-based
	Content  []byte

	// PriorContent holds the content displaced by a Replace, MetaChange, or
	// ResourceChange so the operation can be inverted later without a
	// separate lookup.
	PriorContent []byte

	TimestampNS int64
	Origin      string
	Seq         uint64

	// BatchID relates sibling operations applied atomically. It is a
	// non-owning relation: the group is a view over independently owned
	// records. Empty for standalone operations.
	BatchID string
}

// ID returns the operation's unique identity.
func (o *Operation) ID() ID {
	return ID{Origin: o.Origin, Seq: o.Seq}
}

// Clone returns a deep copy. Content and PriorContent never alias the
// receiver's buffers.
func (o *Operation) Clone() Operation {
	c := *o
	c.Content = append([]byte(nil), o.Content...)
	c.PriorContent = append([]byte(nil), o.PriorContent...)
	return c
}

// Inverse synthesizes the draft of an operation that reverses o: Insert and
// Delete swap with the same content, everything else re-applies the prior
// content as a Replace. Identity fields are left for the engine to assign.
func (o *Operation) Inverse() Operation {
	inv := Operation{
		FilePath: o.FilePath,
		Line:     o.Line,
		Col:      o.Col,
	}
	switch o.Kind {
	case KindInsert:
		inv.Kind = KindDelete
		inv.Content = append([]byte(nil), o.Content...)
	case KindDelete:
		inv.Kind = KindInsert
		inv.Content = append([]byte(nil), o.Content...)
	default:
		inv.Kind = KindReplace
		inv.Content = append([]byte(nil), o.PriorContent...)
		inv.PriorContent = append([]byte(nil), o.Content...)
	}
	return inv
}
