// Package noise implements the Noise-XK handshake used to bootstrap inner
// transport keys when no outer TLS exporter is available: three messages
// (-> e; <- e, ee, s, es; -> s, se) over X25519, ChaCha20-Poly1305, and
// SHA-256, with the responder's static public key pre-mixed into the
// transcript hash.
//
// The handshake is implemented directly against the Noise Protocol
// Framework algorithm rather than through a generic pattern engine:
// exactly one pattern (XK) is needed, and hand-written steps make the
// per-step transcript mixing easy to check against the specification.
package noise

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/qnetproto/qnet-htx/internal/aeadcrypto"
)

// ProtocolName is the standard Noise protocol name for this handshake.
const ProtocolName = "Noise_XK_25519_ChaChaPoly_SHA256"

// Role distinguishes the handshake initiator from the responder.
type Role int

const (
	Initiator Role = iota
	Responder
)

// Errors returned by the handshake steps.
var (
	ErrWrongLength     = errors.New("noise: wrong-length message")
	ErrDecryption      = errors.New("noise: decryption failure")
	ErrOutOfOrder      = errors.New("noise: handshake step out of order")
	ErrNotReady        = errors.New("noise: handshake not complete")
	ErrAlreadyComplete = errors.New("noise: handshake already complete")
)

type symmetricState struct {
	h      [32]byte
	ck     [32]byte
	hasKey bool
	k      [32]byte
	n      uint64
}

func newSymmetricState(protocolName string) *symmetricState {
	var h [32]byte
	name := []byte(protocolName)
	if len(name) <= 32 {
		copy(h[:], name)
	} else {
		h = sha256.Sum256(name)
	}
	return &symmetricState{h: h, ck: h}
}

func (s *symmetricState) mixHash(data []byte) {
	buf := make([]byte, 0, 32+len(data))
	buf = append(buf, s.h[:]...)
	buf = append(buf, data...)
	s.h = sha256.Sum256(buf)
}

// hkdf2 implements Noise's HKDF(chaining_key, input_key_material, 2):
// temp_key = HMAC(chaining_key, ikm); output1 = HMAC(temp_key, 0x01);
// output2 = HMAC(temp_key, output1||0x02). This is exactly
// HKDF-Extract(salt=chaining_key, ikm) followed by HKDF-Expand(prk, "", 64)
// for a 32-byte hash function.
func hkdf2(chainingKey [32]byte, ikm []byte) (out1, out2 [32]byte, err error) {
	prk := aeadcrypto.HKDFExtract(chainingKey[:], ikm)
	expanded, err := aeadcrypto.HKDFExpand(prk, nil, 64)
	if err != nil {
		return out1, out2, err
	}
	copy(out1[:], expanded[:32])
	copy(out2[:], expanded[32:64])
	return out1, out2, nil
}

func (s *symmetricState) mixKey(ikm []byte) error {
	newCk, newK, err := hkdf2(s.ck, ikm)
	if err != nil {
		return err
	}
	s.ck = newCk
	s.k = newK
	s.hasKey = true
	s.n = 0
	return nil
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	var ct []byte
	if s.hasKey {
		sealed, err := aeadcrypto.Seal(s.k, s.n, s.h[:], plaintext)
		if err != nil {
			return nil, err
		}
		ct = sealed
		s.n++
	} else {
		ct = append([]byte{}, plaintext...)
	}
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	var pt []byte
	if s.hasKey {
		opened, err := aeadcrypto.Open(s.k, s.n, s.h[:], ciphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
		}
		pt = opened
		s.n++
	} else {
		pt = append([]byte{}, ciphertext...)
	}
	s.mixHash(ciphertext)
	return pt, nil
}

func (s *symmetricState) split() (c1, c2 [32]byte, err error) {
	return hkdf2(s.ck, nil)
}

// Handshake drives one side of a Noise-XK exchange.
type Handshake struct {
	role Role
	ss   *symmetricState

	staticPriv, staticPub [32]byte
	remoteStaticPub       [32]byte

	ephemeralPriv, ephemeralPub [32]byte
	remoteEphemeralPub          [32]byte

	step     int
	complete bool

	txKey, rxKey [32]byte
	finalH       [32]byte
	finalCk      [32]byte
}

// NewInitiator starts a handshake as the initiator, given the local static
// keypair and the responder's static public key (known in advance, per XK).
func NewInitiator(staticPriv, staticPub, responderStaticPub [32]byte) *Handshake {
	ss := newSymmetricState(ProtocolName)
	ss.mixHash(responderStaticPub[:])
	return &Handshake{
		role:            Initiator,
		ss:              ss,
		staticPriv:      staticPriv,
		staticPub:       staticPub,
		remoteStaticPub: responderStaticPub,
	}
}

// NewResponder starts a handshake as the responder, given the local static
// keypair.
func NewResponder(staticPriv, staticPub [32]byte) *Handshake {
	ss := newSymmetricState(ProtocolName)
	ss.mixHash(staticPub[:])
	return &Handshake{
		role:       Responder,
		ss:         ss,
		staticPriv: staticPriv,
		staticPub:  staticPub,
	}
}

// WriteMessage1 produces message 1 (initiator -> responder): e.
func (hs *Handshake) WriteMessage1() ([]byte, error) {
	if hs.role != Initiator || hs.step != 0 {
		return nil, ErrOutOfOrder
	}
	priv, pub, err := aeadcrypto.GenerateX25519Keypair()
	if err != nil {
		return nil, err
	}
	hs.ephemeralPriv, hs.ephemeralPub = priv, pub
	hs.ss.mixHash(pub[:])

	payload, err := hs.ss.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}
	hs.step = 1
	return append(append([]byte{}, pub[:]...), payload...), nil
}

// ReadMessage1 consumes message 1 on the responder side.
func (hs *Handshake) ReadMessage1(msg []byte) error {
	if hs.role != Responder || hs.step != 0 {
		return ErrOutOfOrder
	}
	if len(msg) < 32 {
		return ErrWrongLength
	}
	copy(hs.remoteEphemeralPub[:], msg[:32])
	hs.ss.mixHash(hs.remoteEphemeralPub[:])
	if _, err := hs.ss.decryptAndHash(msg[32:]); err != nil {
		return err
	}
	hs.step = 1
	return nil
}

// WriteMessage2 produces message 2 (responder -> initiator): e, ee, s, es.
func (hs *Handshake) WriteMessage2() ([]byte, error) {
	if hs.role != Responder || hs.step != 1 {
		return nil, ErrOutOfOrder
	}
	priv, pub, err := aeadcrypto.GenerateX25519Keypair()
	if err != nil {
		return nil, err
	}
	hs.ephemeralPriv, hs.ephemeralPub = priv, pub
	hs.ss.mixHash(pub[:])

	ee, err := aeadcrypto.X25519(hs.ephemeralPriv, hs.remoteEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("%w: ee: %v", ErrDecryption, err)
	}
	if err := hs.ss.mixKey(ee[:]); err != nil {
		return nil, err
	}

	sCt, err := hs.ss.encryptAndHash(hs.staticPub[:])
	if err != nil {
		return nil, err
	}

	es, err := aeadcrypto.X25519(hs.staticPriv, hs.remoteEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("%w: es: %v", ErrDecryption, err)
	}
	if err := hs.ss.mixKey(es[:]); err != nil {
		return nil, err
	}

	payload, err := hs.ss.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}

	out := append([]byte{}, pub[:]...)
	out = append(out, sCt...)
	out = append(out, payload...)
	hs.step = 2
	return out, nil
}

// ReadMessage2 consumes message 2 on the initiator side.
func (hs *Handshake) ReadMessage2(msg []byte) error {
	if hs.role != Initiator || hs.step != 1 {
		return ErrOutOfOrder
	}
	if len(msg) < 32 {
		return ErrWrongLength
	}
	copy(hs.remoteEphemeralPub[:], msg[:32])
	hs.ss.mixHash(hs.remoteEphemeralPub[:])
	rest := msg[32:]

	ee, err := aeadcrypto.X25519(hs.ephemeralPriv, hs.remoteEphemeralPub)
	if err != nil {
		return fmt.Errorf("%w: ee: %v", ErrDecryption, err)
	}
	if err := hs.ss.mixKey(ee[:]); err != nil {
		return err
	}

	if len(rest) < 32+aeadcrypto.TagSize {
		return ErrWrongLength
	}
	sCt := rest[:32+aeadcrypto.TagSize]
	rest = rest[32+aeadcrypto.TagSize:]
	sPub, err := hs.ss.decryptAndHash(sCt)
	if err != nil {
		return err
	}
	copy(hs.remoteStaticPub[:], sPub)

	es, err := aeadcrypto.X25519(hs.ephemeralPriv, hs.remoteStaticPub)
	if err != nil {
		return fmt.Errorf("%w: es: %v", ErrDecryption, err)
	}
	if err := hs.ss.mixKey(es[:]); err != nil {
		return err
	}

	if _, err := hs.ss.decryptAndHash(rest); err != nil {
		return err
	}

	hs.step = 2
	return nil
}

// WriteMessage3 produces message 3 (initiator -> responder): s, se. It
// completes the handshake and derives transport keys.
func (hs *Handshake) WriteMessage3() ([]byte, error) {
	if hs.role != Initiator || hs.step != 2 {
		return nil, ErrOutOfOrder
	}
	sCt, err := hs.ss.encryptAndHash(hs.staticPub[:])
	if err != nil {
		return nil, err
	}

	se, err := aeadcrypto.X25519(hs.staticPriv, hs.remoteEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("%w: se: %v", ErrDecryption, err)
	}
	if err := hs.ss.mixKey(se[:]); err != nil {
		return nil, err
	}

	payload, err := hs.ss.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}

	out := append(append([]byte{}, sCt...), payload...)
	if err := hs.finish(); err != nil {
		return nil, err
	}
	hs.step = 3
	return out, nil
}

// ReadMessage3 consumes message 3 on the responder side, completing the
// handshake and deriving transport keys.
func (hs *Handshake) ReadMessage3(msg []byte) error {
	if hs.role != Responder || hs.step != 2 {
		return ErrOutOfOrder
	}
	if len(msg) < 32+aeadcrypto.TagSize {
		return ErrWrongLength
	}
	sCt := msg[:32+aeadcrypto.TagSize]
	rest := msg[32+aeadcrypto.TagSize:]

	sPub, err := hs.ss.decryptAndHash(sCt)
	if err != nil {
		return err
	}
	copy(hs.remoteStaticPub[:], sPub)

	se, err := aeadcrypto.X25519(hs.ephemeralPriv, hs.remoteStaticPub)
	if err != nil {
		return fmt.Errorf("%w: se: %v", ErrDecryption, err)
	}
	if err := hs.ss.mixKey(se[:]); err != nil {
		return err
	}

	if _, err := hs.ss.decryptAndHash(rest); err != nil {
		return err
	}

	if err := hs.finish(); err != nil {
		return err
	}
	hs.step = 3
	return nil
}

func (hs *Handshake) finish() error {
	c1, c2, err := hs.ss.split()
	if err != nil {
		return err
	}
	hs.finalH = hs.ss.h
	hs.finalCk = hs.ss.ck
	if hs.role == Initiator {
		hs.txKey, hs.rxKey = c1, c2
	} else {
		hs.txKey, hs.rxKey = c2, c1
	}
	hs.complete = true
	return nil
}

// Complete reports whether the handshake has produced transport keys.
func (hs *Handshake) Complete() bool { return hs.complete }

// TransportKeys returns the derived (tx, rx) keys. Fails if incomplete.
func (hs *Handshake) TransportKeys() (tx, rx [32]byte, err error) {
	if !hs.complete {
		return tx, rx, ErrNotReady
	}
	return hs.txKey, hs.rxKey, nil
}

// RemoteStaticPublicKey returns the peer's static public key. The
// initiator has it from NewInitiator (message 2 carries it again); the
// responder learns it once message 3 has been processed.
func (hs *Handshake) RemoteStaticPublicKey() [32]byte { return hs.remoteStaticPub }

// Export derives exporter bytes from the completed handshake transcript:
// HKDF-expand(HKDF-extract(ck, nil), "exporter:" || label || h || context, len).
// With an empty context this is exactly the §4.4 formula; context lets a
// Handshake stand in for the generic outer-TLS Exporter interface in tests.
func (hs *Handshake) Export(label, context []byte, length int) ([]byte, error) {
	if !hs.complete {
		return nil, ErrNotReady
	}
	prk := aeadcrypto.HKDFExtract(hs.finalCk[:], nil)
	info := append([]byte("exporter:"), label...)
	info = append(info, hs.finalH[:]...)
	info = append(info, context...)
	return aeadcrypto.HKDFExpand(prk, info, length)
}
