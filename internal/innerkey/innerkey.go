// Package innerkey derives inner transport keys by binding a pair of base
// keys (from the Noise handshake or a TLS exporter) to a deterministic
// context: the mirrored TLS template, the local capability set, and an
// optional compatibility tag. Mismatched context on either end yields
// different keys, so the first AEAD frame fails to decode instead of
// silently succeeding against the wrong session.
package innerkey

import (
	"fmt"

	"github.com/qnetproto/qnet-htx/internal/aeadcrypto"
	"github.com/qnetproto/qnet-htx/internal/encoding"
)

// Caps is the capability set mixed into the binding context.
type Caps struct {
	Features []string `cbor:"features"`
}

// Exporter is the capability the core consumes to obtain keying material
// bound to an outer session: either a real TLS exporter or a Noise
// handshake's own transcript export.
type Exporter interface {
	Export(label, context []byte, length int) ([]byte, error)
}

// ExporterLabel is always used when calling an outer TLS exporter.
var ExporterLabel = []byte("qnet inner")

type bindCtx struct {
	TemplateID []byte  `cbor:"template_id"`
	Caps       Caps    `cbor:"caps"`
	Compat     *string `cbor:"compat,omitempty"`
}

// Context builds the deterministic binding context bytes for a template id,
// capability set, and optional compatibility tag.
func Context(templateID []byte, caps Caps, compat *string) ([]byte, error) {
	b, err := encoding.Canonical(bindCtx{TemplateID: templateID, Caps: caps, Compat: compat})
	if err != nil {
		return nil, fmt.Errorf("innerkey: encode binding context: %w", err)
	}
	return b, nil
}

// bindKey derives one 32-byte key from a base key and exporter bytes,
// mixed with the binding context: prk = HKDF-extract(salt=ekm, ikm=baseKey);
// key = HKDF-expand(prk, "qnet/inner/v1|key|" || ctx, 32).
func bindKey(baseKey, ekm [32]byte, ctx []byte) ([32]byte, error) {
	var out [32]byte
	prk := aeadcrypto.HKDFExtract(ekm[:], baseKey[:])
	info := append([]byte("qnet/inner/v1|key|"), ctx...)
	expanded, err := aeadcrypto.HKDFExpand(prk, info, 32)
	if err != nil {
		return out, fmt.Errorf("innerkey: expand: %w", err)
	}
	copy(out[:], expanded)
	return out, nil
}

// Keys holds the derived send/receive inner keys.
type Keys struct {
	TxKey [32]byte
	RxKey [32]byte
}

// OpenNoiseBootstrap derives inner keys in Noise-bootstrap mode: base keys
// come from a completed Noise handshake; ekm is obtained from the outer
// TLS exporter (or, for in-process testing, from the Noise handshake's own
// Export method acting as a deterministic stand-in).
func OpenNoiseBootstrap(baseTx, baseRx [32]byte, outer Exporter, templateID []byte, caps Caps, compat *string) (Keys, error) {
	ctx, err := Context(templateID, caps, compat)
	if err != nil {
		return Keys{}, err
	}
	ekmBytes, err := outer.Export(ExporterLabel, ctx, 32)
	if err != nil {
		return Keys{}, fmt.Errorf("innerkey: export ekm: %w", err)
	}
	var ekm [32]byte
	copy(ekm[:], ekmBytes)

	tx, err := bindKey(baseTx, ekm, ctx)
	if err != nil {
		return Keys{}, err
	}
	rx, err := bindKey(baseRx, ekm, ctx)
	if err != nil {
		return Keys{}, err
	}
	return Keys{TxKey: tx, RxKey: rx}, nil
}

// OpenExporterOnly derives inner keys in exporter-only mode: a real outer
// TLS exists and Noise is not used, so both directions' base key is the
// exporter output itself, still bound to the context. isInitiator decides
// which derived key is tx vs rx so the two ends land on opposite keys.
func OpenExporterOnly(outer Exporter, templateID []byte, caps Caps, compat *string, isInitiator bool) (Keys, error) {
	ctx, err := Context(templateID, caps, compat)
	if err != nil {
		return Keys{}, err
	}
	ekmBytes, err := outer.Export(ExporterLabel, ctx, 32)
	if err != nil {
		return Keys{}, fmt.Errorf("innerkey: export ekm: %w", err)
	}
	var ekm [32]byte
	copy(ekm[:], ekmBytes)

	// Derive two distinct keys from the same ekm/context by mixing a
	// direction tag into the info string, then assign by role so both
	// sides agree on which physical key is "a->b" and which is "b->a".
	ctxA := append(append([]byte{}, ctx...), 'A')
	ctxB := append(append([]byte{}, ctx...), 'B')
	a, err := bindKey(ekm, ekm, ctxA)
	if err != nil {
		return Keys{}, err
	}
	b, err := bindKey(ekm, ekm, ctxB)
	if err != nil {
		return Keys{}, err
	}
	if isInitiator {
		return Keys{TxKey: a, RxKey: b}, nil
	}
	return Keys{TxKey: b, RxKey: a}, nil
}
