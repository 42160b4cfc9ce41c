package mux

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/qnetproto/qnet-htx/internal/aeadcrypto"
	"github.com/qnetproto/qnet-htx/internal/frame"
	"github.com/qnetproto/qnet-htx/internal/transition"
)

func newPipePair() (aToB *io.PipeWriter, bFromA *io.PipeReader, bToA *io.PipeWriter, aFromB *io.PipeReader) {
	bFromA, aToB = io.Pipe()
	aFromB, bToA = io.Pipe()
	return
}

// TestS5KeyUpdateOverlapWindow reproduces the key-update overlap scenario:
// a KEY_UPDATE under the old key, three STREAM frames under the old key
// that fall inside the three-frame overlap window, a fourth STREAM frame
// under the old key that must be rejected once the window is exhausted,
// and a final STREAM frame under the newly derived key.
func TestS5KeyUpdateOverlapWindow(t *testing.T) {
	var rxKey [32]byte
	rxKey[0] = 0x42

	pr, pw := io.Pipe()
	server := New(io.Discard, pr, [32]byte{}, rxKey, false, nil)
	defer server.Close()

	newKey, err := rotateKey(rxKey)
	if err != nil {
		t.Fatal(err)
	}

	frames := [][]byte{
		mustEncode(t, frame.Frame{Type: frame.TypeKeyUpdate}, rxKey, 0),
		mustEncode(t, frame.Frame{Type: frame.TypeStream, Payload: frame.EncodeStreamPayload(42, []byte("a"))}, rxKey, 1),
		mustEncode(t, frame.Frame{Type: frame.TypeStream, Payload: frame.EncodeStreamPayload(42, []byte("b"))}, rxKey, 2),
		mustEncode(t, frame.Frame{Type: frame.TypeStream, Payload: frame.EncodeStreamPayload(42, []byte("c"))}, rxKey, 3),
		mustEncode(t, frame.Frame{Type: frame.TypeStream, Payload: frame.EncodeStreamPayload(42, []byte("d"))}, rxKey, 4),
		mustEncode(t, frame.Frame{Type: frame.TypeStream, Payload: frame.EncodeStreamPayload(42, []byte("n"))}, newKey, 0),
	}

	go func() {
		for _, wire := range frames {
			if _, err := pw.Write(wire); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st := server.AcceptStream(2 * time.Second)
	if st == nil {
		t.Fatal("expected stream 42 to be accepted")
	}

	var got []byte
	for i := 0; i < 4; i++ {
		chunk, err := st.Read(ctx)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		got = append(got, chunk...)
	}

	if string(got) != "abcn" {
		t.Fatalf("expected accepted bytes \"abcn\", got %q", got)
	}
}

func mustEncode(t *testing.T, f frame.Frame, key [32]byte, counter uint64) []byte {
	t.Helper()
	wire, err := frame.Encode(f, key, counter)
	if err != nil {
		t.Fatal(err)
	}
	return wire
}

// TestS6RekeyCloseGatesData reproduces the rekey-close sequencing scenario:
// data flows normally, a signed control record closes the gate, a write
// during the closed gate is dropped, key_update reopens the gate, and a
// final write is delivered. The peer's total received bytes on the stream
// must equal exactly 128 (64 before the gate closes, 64 after it reopens).
func TestS6RekeyCloseGatesData(t *testing.T) {
	var keyAB, keyBA [32]byte
	keyAB[0] = 0x11
	keyBA[0] = 0x22

	aToB, bFromA, bToA, aFromB := newPipePair()

	a := New(aToB, aFromB, keyAB, keyBA, true, nil)
	b := New(bToA, bFromA, keyBA, keyAB, false, nil)
	defer a.Close()
	defer b.Close()

	payload := bytes.Repeat([]byte{0x07}, 64)

	if err := a.Write(1, payload); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st := b.AcceptStream(2 * time.Second)
	if st == nil {
		t.Fatal("expected stream 1 to be accepted")
	}
	total := 0
	chunk, err := st.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	total += len(chunk)

	seed := [aeadcrypto.Ed25519SeedSize]byte{9}
	sc, err := transition.Sign(transition.Record{PrevAS: 1, NextAS: 2, TS: 1000, Flow: 7, Nonce: make([]byte, 16)}, seed)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SendControl(sc); err != nil {
		t.Fatal(err)
	}

	// Give b's reader a moment to observe the control record before the
	// next write races it on the wire.
	time.Sleep(50 * time.Millisecond)

	if err := a.Write(1, payload); err != nil {
		t.Fatal(err)
	}

	if err := a.KeyUpdate(); err != nil {
		t.Fatal(err)
	}

	if err := a.Write(1, payload); err != nil {
		t.Fatal(err)
	}

	readCtx, cancel2 := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel2()
	chunk, err = st.Read(readCtx)
	if err != nil {
		t.Fatalf("expected the post-keyupdate write to be delivered: %v", err)
	}
	total += len(chunk)

	if total != 128 {
		t.Fatalf("expected server to receive exactly 128 bytes, got %d", total)
	}
}

// TestRotationPolicyMaxFramesTriggersKeyUpdate reproduces the proactive
// rotation scenario: once MaxFrames STREAM frames have been sent, the mux
// must rotate its own tx key without any peer-initiated KEY_UPDATE or
// explicit KeyUpdate() call.
func TestRotationPolicyMaxFramesTriggersKeyUpdate(t *testing.T) {
	var keyAB, keyBA [32]byte
	keyAB[0] = 0x55
	keyBA[0] = 0x66

	aToB, bFromA, bToA, aFromB := newPipePair()
	a := New(aToB, aFromB, keyAB, keyBA, true, nil)
	b := New(bToA, bFromA, keyBA, keyAB, false, nil)
	defer a.Close()
	defer b.Close()

	a.SetRotationPolicy(RotationPolicy{MaxFrames: 2})

	for i := 0; i < 3; i++ {
		if err := a.Write(1, []byte{0x01}); err != nil {
			t.Fatal(err)
		}
	}

	st := b.AcceptStream(2 * time.Second)
	if st == nil {
		t.Fatal("expected stream 1 to be accepted")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if _, err := st.Read(ctx); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.EncryptionEpoch() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a proactive rotation after exceeding MaxFrames, epoch stayed at %d", a.EncryptionEpoch())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWriteAcrossMultipleChunks(t *testing.T) {
	var keyAB, keyBA [32]byte
	keyAB[0] = 0x33
	keyBA[0] = 0x44

	aToB, bFromA, bToA, aFromB := newPipePair()
	a := New(aToB, aFromB, keyAB, keyBA, true, nil)
	b := New(bToA, bFromA, keyBA, keyAB, false, nil)
	defer a.Close()
	defer b.Close()

	data := bytes.Repeat([]byte{0xAB}, ChunkSize+100)
	if err := a.Write(5, data); err != nil {
		t.Fatal(err)
	}

	st := b.AcceptStream(2 * time.Second)
	if st == nil {
		t.Fatal("expected stream to be accepted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []byte
	for len(got) < len(data) {
		chunk, err := st.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round-tripped data mismatch across chunk boundary")
	}
}
