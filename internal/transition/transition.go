// Package transition implements signed control records carried on the
// multiplexer's reserved stream 0: a transition marker signed with
// Ed25519, verified within a timestamp-skew window and deduplicated by a
// replay cache keyed on (flow, timestamp).
package transition

import (
	"fmt"
	"sync"

	"github.com/qnetproto/qnet-htx/internal/aeadcrypto"
	"github.com/qnetproto/qnet-htx/internal/encoding"
)

// Record is the unsigned control payload.
type Record struct {
	PrevAS uint64 `cbor:"prev_as"`
	NextAS uint64 `cbor:"next_as"`
	TS     uint64 `cbor:"ts"`
	Flow   uint64 `cbor:"flow"`
	Nonce  []byte `cbor:"nonce"`
}

// Signed pairs a Record with its detached Ed25519 signature, computed over
// the record's canonical encoding.
type Signed struct {
	Rec Record                           `cbor:"rec"`
	Sig [aeadcrypto.Ed25519SignatureSize]byte `cbor:"sig"`
}

// Sign produces a Signed control message over rec using the Ed25519 seed.
func Sign(rec Record, seed [aeadcrypto.Ed25519SeedSize]byte) (Signed, error) {
	msg, err := encoding.Canonical(rec)
	if err != nil {
		return Signed{}, fmt.Errorf("transition: encode record: %w", err)
	}
	return Signed{Rec: rec, Sig: aeadcrypto.Sign(seed, msg)}, nil
}

// Errors returned by Verify.
var (
	ErrStale  = fmt.Errorf("transition: timestamp outside skew window")
	ErrSig    = fmt.Errorf("transition: invalid signature")
	ErrReplay = fmt.Errorf("transition: replayed control record")
)

// Verify checks sc's signature against pub and that its timestamp is
// within skewSecs of now. It does not consult a replay cache; call
// ReplayCache.CheckAndInsert separately once the signature is known good.
func Verify(sc Signed, now uint64, skewSecs uint64, pub [aeadcrypto.Ed25519PublicKeySize]byte) error {
	if absDiff(now, sc.Rec.TS) > skewSecs {
		return ErrStale
	}
	msg, err := encoding.Canonical(sc.Rec)
	if err != nil {
		return fmt.Errorf("transition: encode record: %w", err)
	}
	if !aeadcrypto.Verify(pub, msg, sc.Sig) {
		return ErrSig
	}
	return nil
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// ReplayCache deduplicates control records by (flow, ts), evicting entries
// older than now-window on each check.
type ReplayCache struct {
	mu      sync.Mutex
	entries map[replayKey]uint64
}

type replayKey struct {
	flow uint64
	ts   uint64
}

// NewReplayCache creates an empty replay cache.
func NewReplayCache() *ReplayCache {
	return &ReplayCache{entries: make(map[replayKey]uint64)}
}

// CheckAndInsert evicts entries older than now-windowSecs, then rejects if
// (rec.Flow, rec.TS) is already present; otherwise records it and returns
// nil.
func (c *ReplayCache) CheckAndInsert(rec Record, now uint64, windowSecs uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var minTS uint64
	if now > windowSecs {
		minTS = now - windowSecs
	}
	for k, ts := range c.entries {
		if ts < minTS {
			delete(c.entries, k)
		}
	}

	key := replayKey{flow: rec.Flow, ts: rec.TS}
	if _, ok := c.entries[key]; ok {
		return ErrReplay
	}
	c.entries[key] = rec.TS
	return nil
}
