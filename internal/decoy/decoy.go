// Package decoy resolves a cover-traffic destination for an origin from a
// signed host-pattern catalog, via weighted round-robin across matches.
package decoy

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	"github.com/qnetproto/qnet-htx/internal/aeadcrypto"
	"github.com/qnetproto/qnet-htx/internal/encoding"
)

// Entry maps a host pattern ("exact", "*", or "*.suffix") to a decoy
// destination.
type Entry struct {
	HostPattern string   `cbor:"host_pattern"`
	DecoyHost   string   `cbor:"decoy_host"`
	Port        uint16   `cbor:"port,omitempty"`
	ALPN        []string `cbor:"alpn,omitempty"`
	Weight      uint32   `cbor:"weight"`
}

// Catalog is the full set of decoy mapping entries.
type Catalog struct {
	Version   uint32  `cbor:"version"`
	UpdatedAt uint64  `cbor:"updated_at"`
	Entries   []Entry `cbor:"entries"`
}

// Signed pairs a Catalog with a hex Ed25519 signature over its canonical
// bytes, mirroring the seed bootstrap catalog's envelope.
type Signed struct {
	Catalog      Catalog `json:"catalog"`
	SignatureHex string  `json:"signature_hex"`
}

// Verify checks signed.SignatureHex against pubHex and returns the catalog
// if valid. Unlike the upstream reference, this repository requires a
// valid signature for decoy catalogs too (see DESIGN.md's Open Question
// resolution on this point) unless unsigned catalogs are explicitly
// allowed by the caller.
func Verify(pubHex string, signed Signed) (Catalog, error) {
	pubBytes, err := hex.DecodeString(strings.TrimSpace(pubHex))
	if err != nil || len(pubBytes) != aeadcrypto.Ed25519PublicKeySize {
		return Catalog{}, fmt.Errorf("decoy: invalid public key hex")
	}
	sigBytes, err := hex.DecodeString(strings.TrimSpace(signed.SignatureHex))
	if err != nil || len(sigBytes) != aeadcrypto.Ed25519SignatureSize {
		return Catalog{}, fmt.Errorf("decoy: invalid signature hex")
	}
	det, err := encoding.Canonical(signed.Catalog)
	if err != nil {
		return Catalog{}, fmt.Errorf("decoy: encode catalog: %w", err)
	}
	var pub [aeadcrypto.Ed25519PublicKeySize]byte
	copy(pub[:], pubBytes)
	var sig [aeadcrypto.Ed25519SignatureSize]byte
	copy(sig[:], sigBytes)
	if !aeadcrypto.Verify(pub, det, sig) {
		return Catalog{}, fmt.Errorf("decoy: signature verification failed")
	}
	return signed.Catalog, nil
}

func hostMatches(pattern, host string) bool {
	if pattern == "*" || pattern == host {
		return true
	}
	if sfx, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+sfx)
	}
	return false
}

// Resolution is the outcome of resolving an origin against a catalog.
type Resolution struct {
	Host string
	Port uint16
	ALPN []string
}

// rotIdx is shared across all Resolve calls so repeated lookups for the
// same origin rotate across matching entries instead of always picking
// the first one.
var rotIdx atomic.Uint64

// Resolve finds the decoy destination for origin within catalog, using
// weighted round-robin across all host-pattern matches. Returns false if
// no entry matches.
func Resolve(origin string, catalog Catalog) (Resolution, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return Resolution{}, false
	}
	host := u.Hostname()
	port := uint16(443)
	if p := u.Port(); p != "" {
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err == nil {
			port = uint16(n)
		}
	}

	var matches []Entry
	for _, e := range catalog.Entries {
		if hostMatches(e.HostPattern, host) {
			matches = append(matches, e)
		}
	}
	if len(matches) == 0 {
		return Resolution{}, false
	}

	total := 0
	for _, e := range matches {
		total += weightOf(e.Weight)
	}
	if total == 0 {
		total = 1
	}
	idx := int(rotIdx.Add(1)-1) % total

	acc := 0
	chosen := matches[0]
	for _, e := range matches {
		w := weightOf(e.Weight)
		if idx < acc+w {
			chosen = e
			break
		}
		acc += w
	}

	dport := port
	if chosen.Port != 0 {
		dport = chosen.Port
	}
	var alpn []string
	if len(chosen.ALPN) > 0 {
		alpn = chosen.ALPN
	}
	return Resolution{Host: chosen.DecoyHost, Port: dport, ALPN: alpn}, true
}

func weightOf(w uint32) int {
	if w == 0 {
		return 1
	}
	return int(w)
}

// LogDecoyOnlyEnabled reports whether STEALTH_LOG_DECOY_ONLY is set to a
// truthy value. When true, operational logs must record only the resolved
// decoy host for a session, never the real origin, so logs never reveal
// which site was actually reached.
func LogDecoyOnlyEnabled() bool {
	return isTruthy(os.Getenv("STEALTH_LOG_DECOY_ONLY"))
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// LogSafeOrigin returns the string safe to log for a session dialing
// origin: origin itself, unless resolved is true and LogDecoyOnlyEnabled
// reports true, in which case res.Host is returned instead.
func LogSafeOrigin(origin string, res Resolution, resolved bool) string {
	if resolved && LogDecoyOnlyEnabled() {
		return res.Host
	}
	return origin
}
