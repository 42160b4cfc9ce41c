// Package bootstrap resolves a healthy seed endpoint from a signed seed
// catalog: weighted selection over HTTP health probes, exponential backoff
// with jitter, and a short-lived cache of the last endpoint that worked.
package bootstrap

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/qnetproto/qnet-htx/internal/aeadcrypto"
	"github.com/qnetproto/qnet-htx/internal/encoding"
)

// SeedEntry is one candidate bootstrap endpoint.
type SeedEntry struct {
	URL    string `cbor:"url"`
	Weight uint32 `cbor:"weight"`
}

// SeedCatalog is a weighted list of bootstrap seeds.
type SeedCatalog struct {
	Version   uint32      `cbor:"version"`
	UpdatedAt uint64      `cbor:"updated_at"`
	Entries   []SeedEntry `cbor:"entries"`
}

// SignedSeeds is the envelope persisted to STEALTH_BOOTSTRAP_CATALOG_JSON:
// a catalog plus a hex-encoded Ed25519 signature over its canonical bytes.
type SignedSeeds struct {
	Catalog      SeedCatalog `json:"catalog"`
	SignatureHex string      `json:"signature_hex"`
}

type unsignedSeeds struct {
	Catalog SeedCatalog `json:"catalog"`
}

// VerifySignedCatalog checks signed.SignatureHex against pubHex and returns
// the catalog if valid.
func VerifySignedCatalog(pubHex string, signed SignedSeeds) (SeedCatalog, error) {
	pubBytes, err := hex.DecodeString(strings.TrimSpace(pubHex))
	if err != nil || len(pubBytes) != aeadcrypto.Ed25519PublicKeySize {
		return SeedCatalog{}, fmt.Errorf("bootstrap: invalid public key hex")
	}
	sigBytes, err := hex.DecodeString(strings.TrimSpace(signed.SignatureHex))
	if err != nil || len(sigBytes) != aeadcrypto.Ed25519SignatureSize {
		return SeedCatalog{}, fmt.Errorf("bootstrap: invalid signature hex")
	}
	det, err := encoding.Canonical(signed.Catalog)
	if err != nil {
		return SeedCatalog{}, fmt.Errorf("bootstrap: encode catalog: %w", err)
	}
	var pub [aeadcrypto.Ed25519PublicKeySize]byte
	copy(pub[:], pubBytes)
	var sig [aeadcrypto.Ed25519SignatureSize]byte
	copy(sig[:], sigBytes)
	if !aeadcrypto.Verify(pub, det, sig) {
		return SeedCatalog{}, fmt.Errorf("bootstrap: signature verification failed")
	}
	return signed.Catalog, nil
}

// LoadFromEnv reads STEALTH_BOOTSTRAP_CATALOG_JSON and verifies it against
// STEALTH_BOOTSTRAP_PUBKEY_HEX, falling back to an unsigned catalog only
// when STEALTH_BOOTSTRAP_ALLOW_UNSIGNED is truthy.
func LoadFromEnv() (SeedCatalog, bool) {
	raw := os.Getenv("STEALTH_BOOTSTRAP_CATALOG_JSON")
	if raw == "" {
		return SeedCatalog{}, false
	}

	var signed SignedSeeds
	if err := json.Unmarshal([]byte(raw), &signed); err == nil && signed.SignatureHex != "" {
		if pubHex := os.Getenv("STEALTH_BOOTSTRAP_PUBKEY_HEX"); pubHex != "" {
			if catalog, err := VerifySignedCatalog(pubHex, signed); err == nil {
				return catalog, true
			}
		}
	}

	if isTruthy(os.Getenv("STEALTH_BOOTSTRAP_ALLOW_UNSIGNED")) {
		var u unsignedSeeds
		if err := json.Unmarshal([]byte(raw), &u); err == nil {
			return u.Catalog, true
		}
	}
	return SeedCatalog{}, false
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// BackoffPlan parameterizes exponential backoff with jitter.
type BackoffPlan struct {
	Base       time.Duration
	Factor     float64
	Max        time.Duration
	JitterFrac float64
}

// DefaultBackoffPlan matches the reference implementation: 500ms base,
// factor 2.0, 8s cap, +/-10% jitter.
func DefaultBackoffPlan() BackoffPlan {
	return BackoffPlan{Base: 500 * time.Millisecond, Factor: 2.0, Max: 8 * time.Second, JitterFrac: 0.1}
}

// BackoffIter produces successive, jittered backoff delays.
type BackoffIter struct {
	plan  BackoffPlan
	curMs float64
	rng   *rand.Rand
}

// NewBackoffIter creates a backoff sequence seeded for reproducibility.
func NewBackoffIter(plan BackoffPlan, seed int64) *BackoffIter {
	return &BackoffIter{plan: plan, rng: rand.New(rand.NewSource(seed))}
}

// Next returns the next backoff delay.
func (b *BackoffIter) Next() time.Duration {
	if b.curMs == 0 {
		b.curMs = float64(b.plan.Base.Milliseconds())
	} else {
		b.curMs *= b.plan.Factor
	}
	if max := float64(b.plan.Max.Milliseconds()); b.curMs > max {
		b.curMs = max
	}
	frac := b.plan.JitterFrac
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	jitter := b.curMs * frac
	delta := (b.rng.Float64()*2 - 1) * jitter
	adj := b.curMs + delta
	if adj < 0 {
		adj = 0
	}
	return time.Duration(adj) * time.Millisecond
}

// SeedCache remembers recently-healthy seed URLs for a bounded TTL.
type SeedCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[string]time.Time
}

// NewSeedCache creates a cache with the given TTL.
func NewSeedCache(ttl time.Duration) *SeedCache {
	return &SeedCache{ttl: ttl, expires: make(map[string]time.Time)}
}

// Put records url as healthy as of now.
func (c *SeedCache) Put(u string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expires[u] = time.Now().Add(c.ttl)
}

// Valid returns the URLs whose cache entry has not expired.
func (c *SeedCache) Valid() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	var out []string
	for u, exp := range c.expires {
		if exp.After(now) {
			out = append(out, u)
		}
	}
	return out
}

// WeightedPick selects entries[i] using a weighted round-robin over idx,
// treating weight 0 as weight 1.
func WeightedPick(entries []SeedEntry, idx int) (SeedEntry, bool) {
	if len(entries) == 0 {
		return SeedEntry{}, false
	}
	total := 0
	for _, e := range entries {
		total += weightOf(e.Weight)
	}
	if total == 0 {
		total = 1
	}
	i := idx % total
	acc := 0
	for _, e := range entries {
		w := weightOf(e.Weight)
		if i < acc+w {
			return e, true
		}
		acc += w
	}
	return entries[0], true
}

func weightOf(w uint32) int {
	if w == 0 {
		return 1
	}
	return int(w)
}

// Probe reports whether a candidate seed URL is reachable and healthy.
type Probe func(ctx context.Context, seedURL string) error

// probeRateLimiter bounds how often TryConnectLoop is allowed to issue a
// probe, independent of the backoff delay between catalog entries: a large
// catalog walked with WeightedPick could otherwise issue one probe per
// entry with no spacing at all. One token per backoff.Base, burst 1.
func probeRateLimiter(backoff BackoffPlan) *rate.Limiter {
	base := backoff.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return rate.NewLimiter(rate.Every(base), 1)
}

// TryConnectLoop first tries cached URLs, then walks the weighted catalog
// with exponential backoff until probe succeeds or timeout elapses. On
// success the winning URL is cached.
func TryConnectLoop(ctx context.Context, seeds SeedCatalog, cache *SeedCache, timeout time.Duration, backoff BackoffPlan, probe Probe) (string, error) {
	start := time.Now()
	limiter := probeRateLimiter(backoff)

	for _, u := range cache.Valid() {
		if err := limiter.Wait(ctx); err != nil {
			return "", err
		}
		if probe(ctx, u) == nil {
			return u, nil
		}
	}

	idx := 0
	bo := NewBackoffIter(backoff, 123)
	for {
		if time.Since(start) >= timeout {
			return "", fmt.Errorf("bootstrap: no healthy seed within %s", timeout)
		}
		if entry, ok := WeightedPick(seeds.Entries, idx); ok {
			if err := limiter.Wait(ctx); err != nil {
				return "", err
			}
			if probe(ctx, entry.URL) == nil {
				cache.Put(entry.URL)
				return entry.URL, nil
			}
			idx++
		}
		d := bo.Next()
		if time.Since(start)+d > timeout {
			return "", fmt.Errorf("bootstrap: no healthy seed within %s", timeout)
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// CheckHealth performs a GET against seedURL's /health path (or the path
// already present in the URL, if not root) with the given timeout.
func CheckHealth(ctx context.Context, seedURL string, timeout time.Duration) error {
	u, err := url.Parse(seedURL)
	if err != nil {
		return fmt.Errorf("bootstrap: parse seed url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/health"
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("bootstrap: build request: %w", err)
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("bootstrap: health probe failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bootstrap: health probe returned status %d", resp.StatusCode)
	}
	return nil
}

// ConnectSeed loads the catalog from the environment and resolves a healthy
// seed URL within timeout using the default backoff plan and a 24h seed
// cache. Fails closed: if seeds are configured (present) but none answer
// healthy before timeout, it returns an error rather than a fallback.
func ConnectSeed(ctx context.Context, timeout time.Duration) (string, error) {
	catalog, ok := LoadFromEnv()
	if !ok {
		return "", fmt.Errorf("bootstrap: no seed catalog configured")
	}
	cache := NewSeedCache(24 * time.Hour)
	probe := func(ctx context.Context, u string) error {
		return CheckHealth(ctx, u, 3*time.Second)
	}
	return TryConnectLoop(ctx, catalog, cache, timeout, DefaultBackoffPlan(), probe)
}
