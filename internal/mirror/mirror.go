// Package mirror chooses which TLS ClientHello template to mirror for a
// given origin: an operator-configured allow-list rotates first, then a
// 24h-TTL cache, then a live calibration probe synthesizes a conservative
// template and caches the result.
package mirror

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/qnetproto/qnet-htx/internal/encoding"
)

// Template is a mirrored ClientHello's fingerprint-relevant fields.
type Template struct {
	ALPN       []string `cbor:"alpn"`
	SigAlgs    []string `cbor:"sig_algs"`
	Groups     []string `cbor:"groups"`
	Extensions []uint16 `cbor:"extensions"`
}

// TemplateID is the content-addressed identifier of a Template: the C1
// canonical encoding's SHA-256. Only the template itself participates;
// the JA3 diagnostic string is computed separately and never affects it.
type TemplateID [32]byte

// ComputeTemplateID derives tpl's content-addressed identifier.
func ComputeTemplateID(tpl Template) (TemplateID, error) {
	id, err := encoding.ContentID(tpl)
	if err != nil {
		return TemplateID{}, fmt.Errorf("mirror: template id: %w", err)
	}
	return TemplateID(id), nil
}

// ComputeJA3 computes a JA3-style diagnostic string from the template's
// extensions and groups. MD5 is the hash the published JA3 format itself
// specifies; this is a deliberate stdlib use, not a substitute for a
// missing library, since any other hash would break interop with existing
// JA3 tooling.
func ComputeJA3(tpl Template) string {
	exts := make([]string, len(tpl.Extensions))
	for i, e := range tpl.Extensions {
		exts[i] = strconv.Itoa(int(e))
	}
	base := fmt.Sprintf("771,,%s,%s", strings.Join(exts, "-"), strings.Join(tpl.Groups, "-"))
	sum := md5.Sum([]byte(base))
	return fmt.Sprintf("%x", sum)
}

// AllowEntry is one allow-list rotation candidate for a host pattern.
type AllowEntry struct {
	HostPattern string   `json:"host_pattern"`
	Template    Template `json:"template"`
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

// Allowlist holds the operator-configured rotation list, loaded once from
// STEALTH_TPL_ALLOWLIST (a JSON array of AllowEntry).
type Allowlist struct {
	mu      sync.Mutex
	entries []AllowEntry
	rotIdx  atomic.Uint64
}

// LoadAllowlistFromEnv parses STEALTH_TPL_ALLOWLIST, if set.
func LoadAllowlistFromEnv() *Allowlist {
	raw := os.Getenv("STEALTH_TPL_ALLOWLIST")
	if raw == "" {
		return &Allowlist{}
	}
	var entries []AllowEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return &Allowlist{}
	}
	return &Allowlist{entries: entries}
}

// Pick rotates across allow-list entries matching host, returning false if
// none match.
func (a *Allowlist) Pick(host string) (Template, bool) {
	a.mu.Lock()
	var matches []AllowEntry
	for _, e := range a.entries {
		if hostMatches(e.HostPattern, host) {
			matches = append(matches, e)
		}
	}
	a.mu.Unlock()
	if len(matches) == 0 {
		return Template{}, false
	}
	idx := a.rotIdx.Add(1) - 1
	return matches[idx%uint64(len(matches))].Template, true
}

// Cache holds calibrated templates per host for a bounded TTL.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	id      TemplateID
	tpl     Template
	expires time.Time
}

// NewCache creates a calibration cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

// Get returns a cached calibration for host if it hasn't expired.
func (c *Cache) Get(host string) (TemplateID, Template, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[host]
	if !ok || !e.expires.After(time.Now()) {
		return TemplateID{}, Template{}, false
	}
	return e.id, e.tpl, true
}

// Put stores a calibration for host.
func (c *Cache) Put(host string, id TemplateID, tpl Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[host] = cacheEntry{id: id, tpl: tpl, expires: time.Now().Add(c.ttl)}
}

// conservativeDefaults are the groups/sig-algs/extension-order synthesized
// when calibration can only observe the negotiated ALPN protocol.
func conservativeDefaults(alpn []string) Template {
	return Template{
		ALPN:       alpn,
		SigAlgs:    []string{"rsa_pss_rsae_sha256", "ecdsa_secp256r1_sha256"},
		Groups:     []string{"x25519", "secp256r1"},
		Extensions: []uint16{0, 11, 10, 35, 16, 23, 43, 51},
	}
}

// Calibrate probes origin with a conservative HTTP GET, infers ALPN from
// the negotiated protocol version, and synthesizes the rest of the
// template conservatively. The result is cached under cache (or a
// caller-supplied nil falls back to no caching).
func Calibrate(ctx context.Context, origin string, cache *Cache) (TemplateID, Template, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return TemplateID{}, Template{}, fmt.Errorf("mirror: bad origin url %q", origin)
	}
	host := u.Hostname()

	if cache != nil {
		if id, tpl, ok := cache.Get(host); ok {
			return id, tpl, nil
		}
	}

	alpn, err := probeALPN(ctx, origin)
	if err != nil {
		return TemplateID{}, Template{}, fmt.Errorf("mirror: calibration probe failed: %w", err)
	}

	tpl := conservativeDefaults(alpn)
	id, err := ComputeTemplateID(tpl)
	if err != nil {
		return TemplateID{}, Template{}, err
	}
	if cache != nil {
		cache.Put(host, id, tpl)
	}
	return id, tpl, nil
}

// probeTransport is a plain http.Transport upgraded via http2.ConfigureTransport
// so the negotiated ALPN protocol is the real one the TLS stack picked, not a
// guess inferred after the fact: ConfigureTransport makes the transport offer
// "h2" in its ClientHello and dial the HTTP/2 path when the server selects it.
func probeTransport() (*http.Transport, error) {
	t := &http.Transport{}
	if err := http2.ConfigureTransport(t); err != nil {
		return nil, fmt.Errorf("mirror: configure h2 transport: %w", err)
	}
	return t, nil
}

func probeALPN(ctx context.Context, origin string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "qnet-htx/0.1")

	transport, err := probeTransport()
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 5 * time.Second, Transport: transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var alpn []string
	switch resp.Proto {
	case "HTTP/2.0":
		alpn = append(alpn, "h2")
	case "HTTP/3.0":
		alpn = append(alpn, "h3")
	default:
		alpn = append(alpn, "http/1.1")
	}
	if !contains(alpn, "http/1.1") {
		alpn = append(alpn, "http/1.1")
	}
	return alpn, nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// ChooseTemplate implements the three-step selection algorithm: allow-list
// rotation, then the calibration cache, then a fresh calibration probe.
func ChooseTemplate(ctx context.Context, origin string, allow *Allowlist, cache *Cache) (TemplateID, Template, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return TemplateID{}, Template{}, fmt.Errorf("mirror: bad origin url %q", origin)
	}
	host := u.Hostname()

	if allow != nil {
		if tpl, ok := allow.Pick(host); ok {
			id, err := ComputeTemplateID(tpl)
			if err != nil {
				return TemplateID{}, Template{}, err
			}
			return id, tpl, nil
		}
	}

	return Calibrate(ctx, origin, cache)
}
