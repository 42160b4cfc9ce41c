package transition

import (
	"errors"
	"testing"

	"github.com/qnetproto/qnet-htx/internal/aeadcrypto"
)

func TestControlSignVerifyAndReplay(t *testing.T) {
	var seed [aeadcrypto.Ed25519SeedSize]byte
	seed[0] = 7
	pub := aeadcrypto.PublicKeyFromSeed(seed)

	rec := Record{PrevAS: 1, NextAS: 2, TS: 1_700_000_000, Flow: 42, Nonce: make([]byte, 16)}
	sc, err := Sign(rec, seed)
	if err != nil {
		t.Fatal(err)
	}

	if err := Verify(sc, rec.TS+100, 300, pub); err != nil {
		t.Fatalf("expected verify within skew to pass, got %v", err)
	}
	if err := Verify(sc, rec.TS+401, 300, pub); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	cache := NewReplayCache()
	if err := cache.CheckAndInsert(rec, rec.TS, 300); err != nil {
		t.Fatalf("first insert should succeed: %v", err)
	}
	if err := cache.CheckAndInsert(rec, rec.TS, 300); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected ErrReplay on duplicate, got %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	var seed [aeadcrypto.Ed25519SeedSize]byte
	seed[0] = 9
	pub := aeadcrypto.PublicKeyFromSeed(seed)
	rec := Record{PrevAS: 1, NextAS: 2, TS: 100, Flow: 1, Nonce: make([]byte, 16)}
	sc, err := Sign(rec, seed)
	if err != nil {
		t.Fatal(err)
	}
	sc.Rec.Flow = 2
	if err := Verify(sc, 100, 300, pub); !errors.Is(err, ErrSig) {
		t.Fatalf("expected ErrSig, got %v", err)
	}
}

func TestReplayCacheEvictsOldEntries(t *testing.T) {
	cache := NewReplayCache()
	rec := Record{Flow: 1, TS: 1000, Nonce: make([]byte, 16)}
	if err := cache.CheckAndInsert(rec, 1000, 300); err != nil {
		t.Fatal(err)
	}
	// A different ts at the same flow is accepted (no false-positive
	// collision).
	rec2 := Record{Flow: 1, TS: 1001, Nonce: make([]byte, 16)}
	if err := cache.CheckAndInsert(rec2, 1001, 300); err != nil {
		t.Fatalf("expected distinct ts to be accepted: %v", err)
	}
	// At now=1301 the window starts at 1001, so the ts=1000 entry is
	// evicted and the same (flow, ts) key is treated as new again.
	if err := cache.CheckAndInsert(rec, 1301, 300); err != nil {
		t.Fatalf("expected evicted entry to be accepted again: %v", err)
	}
}
