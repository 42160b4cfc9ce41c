package encoding

import (
	"bytes"
	"testing"
)

type params struct {
	B string            `cbor:"b"`
	A string             `cbor:"a"`
	M map[string]int     `cbor:"m"`
}

func TestCanonicalIsOrderInsensitive(t *testing.T) {
	p1 := params{A: "x", B: "y", M: map[string]int{"z": 1, "a": 2}}
	p2 := params{B: "y", A: "x", M: map[string]int{"a": 2, "z": 1}}

	b1, err := Canonical(p1)
	if err != nil {
		t.Fatalf("canonical p1: %v", err)
	}
	b2, err := Canonical(p2)
	if err != nil {
		t.Fatalf("canonical p2: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("canonical encodings differ: %x vs %x", b1, b2)
	}
}

func TestContentIDChangesWithContent(t *testing.T) {
	id1, err := ContentID(params{A: "x", B: "y"})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := ContentID(params{A: "x", B: "z"})
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Fatal("content id did not change with content")
	}
}

func TestRoundTrip(t *testing.T) {
	p := params{A: "x", B: "y", M: map[string]int{"k": 7}}
	b, err := Canonical(p)
	if err != nil {
		t.Fatal(err)
	}
	var out params
	if err := Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.A != p.A || out.B != p.B || out.M["k"] != 7 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
