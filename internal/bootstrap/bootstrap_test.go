package bootstrap

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/qnetproto/qnet-htx/internal/aeadcrypto"
	"github.com/qnetproto/qnet-htx/internal/encoding"
)

func TestSignedCatalogVerifies(t *testing.T) {
	catalog := SeedCatalog{
		Version:   1,
		UpdatedAt: 1_725_000_000,
		Entries:   []SeedEntry{{URL: "https://seed1.example.com", Weight: 1}},
	}
	var seed [aeadcrypto.Ed25519SeedSize]byte
	seed[0] = 3
	pub := aeadcrypto.PublicKeyFromSeed(seed)

	det, err := encoding.Canonical(catalog)
	if err != nil {
		t.Fatal(err)
	}
	sig := aeadcrypto.Sign(seed, det)

	signed := SignedSeeds{Catalog: catalog, SignatureHex: hex.EncodeToString(sig[:])}
	got, err := VerifySignedCatalog(hex.EncodeToString(pub[:]), signed)
	if err != nil {
		t.Fatal(err)
	}
	if got.Entries[0].URL != catalog.Entries[0].URL {
		t.Fatalf("catalog mismatch: %+v", got)
	}
}

func TestVerifySignedCatalogRejectsTamper(t *testing.T) {
	catalog := SeedCatalog{Version: 1, Entries: []SeedEntry{{URL: "https://a", Weight: 1}}}
	var seed [aeadcrypto.Ed25519SeedSize]byte
	seed[0] = 5
	pub := aeadcrypto.PublicKeyFromSeed(seed)
	det, _ := encoding.Canonical(catalog)
	sig := aeadcrypto.Sign(seed, det)
	signed := SignedSeeds{Catalog: catalog, SignatureHex: hex.EncodeToString(sig[:])}
	signed.Catalog.Entries[0].URL = "https://evil"
	if _, err := VerifySignedCatalog(hex.EncodeToString(pub[:]), signed); err == nil {
		t.Fatal("expected verification to fail on tampered catalog")
	}
}

func TestWeightedPickRespectsWeights(t *testing.T) {
	entries := []SeedEntry{{URL: "a", Weight: 1}, {URL: "b", Weight: 3}}
	countA, countB := 0, 0
	for i := 0; i < 8; i++ {
		pick, ok := WeightedPick(entries, i)
		if !ok {
			t.Fatal("expected a pick")
		}
		if pick.URL == "a" {
			countA++
		} else {
			countB++
		}
	}
	if countB <= countA {
		t.Fatalf("expected b (weight 3) to be picked more often: a=%d b=%d", countA, countB)
	}
}

func TestSeedCachePutValid(t *testing.T) {
	cache := NewSeedCache(time.Second)
	cache.Put("https://seed1")
	valid := cache.Valid()
	found := false
	for _, u := range valid {
		if u == "https://seed1" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected cached url to be valid")
	}
}

// TestS7ConnectLoopSucceedsUnder29s reproduces the bootstrap scenario: a
// three-entry catalog with exactly one healthy entry succeeds within the
// 29s global cap.
func TestS7ConnectLoopSucceedsUnder29s(t *testing.T) {
	seeds := SeedCatalog{
		Version: 1,
		Entries: []SeedEntry{
			{URL: "https://bad1", Weight: 1},
			{URL: "https://bad2", Weight: 1},
			{URL: "https://good", Weight: 1},
		},
	}
	cache := NewSeedCache(24 * time.Hour)
	attempts := 0
	probe := func(ctx context.Context, u string) error {
		attempts++
		if u == "https://good" && attempts >= 3 {
			return nil
		}
		return errors.New("unhealthy")
	}

	start := time.Now()
	got, err := TryConnectLoop(context.Background(), seeds, cache, 29*time.Second, DefaultBackoffPlan(), probe)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got != "https://good" {
		t.Fatalf("expected to resolve to good seed, got %q", got)
	}
	if elapsed >= 29*time.Second {
		t.Fatalf("expected resolution well under 29s, took %s", elapsed)
	}
}

// TestS7BackoffUnder30sForSixFailures reproduces the backoff budget check:
// six consecutive failures must consume well under 30s of sleep.
func TestS7BackoffUnder30sForSixFailures(t *testing.T) {
	bo := NewBackoffIter(DefaultBackoffPlan(), 1)
	var total time.Duration
	for i := 0; i < 6; i++ {
		total += bo.Next()
	}
	if total >= 30*time.Second {
		t.Fatalf("expected six failures to sleep under 30s, got %s", total)
	}
}

func TestConnectLoopFailsClosedWithNoHealthySeed(t *testing.T) {
	seeds := SeedCatalog{Entries: []SeedEntry{{URL: "https://bad", Weight: 1}}}
	cache := NewSeedCache(time.Hour)
	probe := func(ctx context.Context, u string) error { return errors.New("always fails") }
	_, err := TryConnectLoop(context.Background(), seeds, cache, 50*time.Millisecond, BackoffPlan{Base: 10 * time.Millisecond, Factor: 2, Max: 20 * time.Millisecond, JitterFrac: 0}, probe)
	if err == nil {
		t.Fatal("expected failure when no seed is ever healthy")
	}
}
