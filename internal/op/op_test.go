package op

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ops := []Operation{
		{
			Kind:        KindInsert,
			FilePath:    "src/main.go",
			Line:        10,
			Col:         3,
			Content:     []byte("hello"),
			TimestampNS: 1234567890,
			Origin:      "inst-a",
			Seq:         42,
		},
		{
			Kind:         KindReplace,
			FilePath:     "docs/readme.md",
			Line:         1,
			Col:          1,
			Content:      []byte("new"),
			PriorContent: []byte("old"),
			TimestampNS:  99,
			Origin:       "inst-b",
			Seq:          7,
			BatchID:      "batch_00aa",
		},
		{
			// MetaChange with zero-length content must survive losslessly.
			Kind:        KindMetaChange,
			FilePath:    "a.txt",
			Line:        1,
			Col:         1,
			TimestampNS: 1,
			Origin:      "inst-a",
			Seq:         1,
		},
	}

	for _, want := range ops {
		got, err := Decode(Encode(&want))
		if err != nil {
			t.Fatalf("Decode(%s): %v", want.Kind, err)
		}
		if got.Kind != want.Kind || got.FilePath != want.FilePath ||
			got.Line != want.Line || got.Col != want.Col ||
			got.TimestampNS != want.TimestampNS ||
			got.Origin != want.Origin || got.Seq != want.Seq ||
			got.BatchID != want.BatchID {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
		}
		if !bytes.Equal(got.Content, want.Content) {
			t.Errorf("content mismatch: got %q, want %q", got.Content, want.Content)
		}
		if !bytes.Equal(got.PriorContent, want.PriorContent) {
			t.Errorf("prior content mismatch: got %q, want %q", got.PriorContent, want.PriorContent)
		}
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	o := Operation{Kind: KindInsert, FilePath: "f", Line: 1, Col: 1, Content: []byte("x"), Origin: "a", Seq: 1}
	enc := Encode(&o)

	if _, err := Decode(nil); err == nil {
		t.Error("Decode(nil) should fail")
	}
	bad := append([]byte(nil), enc...)
	bad[0] = 99
	if _, err := Decode(bad); err == nil {
		t.Error("Decode should reject unknown version")
	}
	if _, err := Decode(enc[:len(enc)-3]); err == nil {
		t.Error("Decode should reject truncated input")
	}
	trailing := append(append([]byte(nil), enc...), 0x00)
	if _, err := Decode(trailing); err == nil {
		t.Error("Decode should reject trailing bytes")
	}
}

func TestInverse(t *testing.T) {
	insert := Operation{Kind: KindInsert, FilePath: "f", Line: 2, Col: 5, Content: []byte("abc")}
	inv := insert.Inverse()
	if inv.Kind != KindDelete {
		t.Errorf("insert inverse kind = %s, want delete", inv.Kind)
	}
	if !bytes.Equal(inv.Content, []byte("abc")) {
		t.Errorf("insert inverse content = %q, want abc", inv.Content)
	}
	if inv.FilePath != "f" || inv.Line != 2 || inv.Col != 5 {
		t.Error("inverse must keep the original position")
	}

	del := Operation{Kind: KindDelete, FilePath: "f", Line: 1, Col: 1, Content: []byte("xyz")}
	if got := del.Inverse(); got.Kind != KindInsert || !bytes.Equal(got.Content, []byte("xyz")) {
		t.Errorf("delete inverse = %s %q, want insert xyz", got.Kind, got.Content)
	}

	repl := Operation{Kind: KindReplace, FilePath: "f", Line: 1, Col: 1, Content: []byte("new"), PriorContent: []byte("old")}
	got := repl.Inverse()
	if got.Kind != KindReplace {
		t.Errorf("replace inverse kind = %s, want replace", got.Kind)
	}
	if !bytes.Equal(got.Content, []byte("old")) {
		t.Errorf("replace inverse must restore prior content, got %q", got.Content)
	}

	meta := Operation{Kind: KindMetaChange, FilePath: "f", Line: 1, Col: 1, Content: []byte("v2"), PriorContent: []byte("v1")}
	if got := meta.Inverse(); got.Kind != KindReplace || !bytes.Equal(got.Content, []byte("v1")) {
		t.Errorf("meta inverse = %s %q, want replace v1", got.Kind, got.Content)
	}
}

func TestInverseDoesNotAlias(t *testing.T) {
	o := Operation{Kind: KindInsert, FilePath: "f", Line: 1, Col: 1, Content: []byte("abc")}
	inv := o.Inverse()
	inv.Content[0] = 'X'
	if o.Content[0] != 'a' {
		t.Error("inverse content aliases the original buffer")
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	o := Operation{Kind: KindInsert, FilePath: "f", Line: 1, Col: 1, Content: []byte("abc"), PriorContent: []byte("p")}
	c := o.Clone()
	c.Content[0] = 'X'
	c.PriorContent[0] = 'Y'
	if o.Content[0] != 'a' || o.PriorContent[0] != 'p' {
		t.Error("clone aliases the original buffers")
	}
}

func TestNewBatchID(t *testing.T) {
	a, b := NewBatchID(), NewBatchID()
	if !strings.HasPrefix(a, "batch_") {
		t.Errorf("batch id %q missing prefix", a)
	}
	if a == b {
		t.Error("consecutive batch ids must differ")
	}
}

func TestKindValid(t *testing.T) {
	for k := KindInsert; k <= KindResourceChange; k++ {
		if !k.Valid() {
			t.Errorf("kind %d should be valid", k)
		}
	}
	if Kind(250).Valid() {
		t.Error("kind 250 should be invalid")
	}
}
