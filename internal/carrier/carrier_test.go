package carrier

import (
	"bytes"
	"testing"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := NewPipePair()
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := b.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestPipeCloseUnblocksRecv(t *testing.T) {
	a, b := NewPipePair()
	a.Close()
	if _, err := b.Recv(); err == nil {
		t.Fatal("expected recv on a closed pipe to return an error")
	}
}

func TestReaderWriterReassemblesAcrossFrames(t *testing.T) {
	a, b := NewPipePair()
	defer a.Close()
	defer b.Close()

	r, _ := ReaderWriter(b)
	_, w := ReaderWriter(a)

	if _, err := w.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("def")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 4)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	var got bytes.Buffer
	got.Write(buf[:n])
	for got.Len() < 6 {
		n, err = r.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		got.Write(buf[:n])
	}
	if got.String() != "abcdef" {
		t.Fatalf("expected %q, got %q", "abcdef", got.String())
	}
}

func TestWriteFramedReadFramedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFramed(&buf, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	got, err := readFramed(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Fatalf("expected %q, got %q", "payload", got)
	}
}

func TestReadFramedRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFramed(&buf, make([]byte, 10)); err != nil {
		t.Fatal(err)
	}
	wire := buf.Bytes()
	wire[0] = 0x7f // forge an absurd length in the 4-byte BE header
	if _, err := readFramed(bytes.NewReader(wire)); err == nil {
		t.Fatal("expected oversized frame length to be rejected")
	}
}
