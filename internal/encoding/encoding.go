// Package encoding provides deterministic, content-addressable CBOR
// encoding used to bind capabilities, templates, and control records to a
// single canonical byte representation regardless of construction order.
package encoding

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOpts := cbor.CanonicalEncOptions()
	em, err := encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("encoding: build canonical mode: %v", err))
	}
	encMode = em

	decOpts := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}
	dm, err := decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("encoding: build decode mode: %v", err))
	}
	decMode = dm
}

// Canonical encodes v into its deterministic CBOR representation: map keys
// sorted, shortest-form integers, no indefinite-length containers. Two
// values built with map/struct fields in different orders but equal
// contents always produce identical bytes.
func Canonical(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding: canonical marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes CBOR bytes produced by Canonical (or any valid CBOR
// producer) into v. Duplicate map keys are rejected rather than silently
// overwritten, since this decodes untrusted bytes (catalogs, templates,
// control records) where ambiguous input must be refused, not guessed at.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("encoding: unmarshal: %w", err)
	}
	return nil
}

// ContentID returns the SHA-256 digest of v's canonical encoding. Used to
// derive TemplateID and similar content-addressed identifiers.
func ContentID(v any) ([32]byte, error) {
	b, err := Canonical(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}
