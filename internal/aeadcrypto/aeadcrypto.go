// Package aeadcrypto provides the AEAD, key-derivation, and signing
// primitives used throughout the inner transport: ChaCha20-Poly1305
// framing, HKDF-SHA256 extract/expand, X25519 Diffie-Hellman, and Ed25519
// signatures.
package aeadcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 and ChaCha20-Poly1305 keys in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = 12

	// TagSize is the size of the Poly1305 authentication tag in bytes.
	TagSize = 16

	// Ed25519PublicKeySize is the size of an Ed25519 public key in bytes.
	Ed25519PublicKeySize = 32

	// Ed25519SeedSize is the size of an Ed25519 private seed in bytes.
	Ed25519SeedSize = 32

	// Ed25519SignatureSize is the size of an Ed25519 signature in bytes.
	Ed25519SignatureSize = 64
)

// Nonce builds the 12-byte ChaCha20-Poly1305 nonce for a given per-direction
// frame counter: 4 zero bytes followed by the counter as little-endian
// uint64. The nonce is never transmitted; both sides reconstruct it from
// their own send/receive counters.
func Nonce(counter uint64) [NonceSize]byte {
	var n [NonceSize]byte
	binary.LittleEndian.PutUint64(n[4:], counter)
	return n
}

// Seal encrypts plaintext into a newly allocated slice under key, using the nonce derived from
// counter and aad as associated data. Returns ciphertext||tag.
func Seal(key [KeySize]byte, counter uint64, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("aeadcrypto: new cipher: %w", err)
	}
	nonce := Nonce(counter)
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open decrypts ciphertext (ciphertext||tag) under key, using the nonce
// derived from counter and aad as associated data.
func Open(key [KeySize]byte, counter uint64, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("aeadcrypto: new cipher: %w", err)
	}
	nonce := Nonce(counter)
	pt, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("aeadcrypto: open: %w", err)
	}
	return pt, nil
}

// HKDFExtract runs HKDF-Extract(salt, ikm) and returns a 32-byte PRK.
func HKDFExtract(salt, ikm []byte) [KeySize]byte {
	var prk [KeySize]byte
	h := hkdf.Extract(sha256.New, ikm, salt)
	copy(prk[:], h)
	return prk
}

// HKDFExpand runs HKDF-Expand(prk, info, length) and returns length bytes.
func HKDFExpand(prk [KeySize]byte, info []byte, length int) ([]byte, error) {
	r := hkdf.Expand(sha256.New, prk[:], info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("aeadcrypto: hkdf expand: %w", err)
	}
	return out, nil
}

// GenerateX25519Keypair creates a new clamped X25519 keypair.
func GenerateX25519Keypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("aeadcrypto: generate private key: %w", err)
	}
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64
	curve25519.ScalarBaseMult(&publicKey, &privateKey)
	return privateKey, publicKey, nil
}

// X25519 performs the Diffie-Hellman scalar multiplication, rejecting the
// zero public key and any resulting low-order point.
func X25519(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var shared, zero [KeySize]byte
	if remotePublicKey == zero {
		return shared, fmt.Errorf("aeadcrypto: invalid remote public key: zero key")
	}
	curve25519.ScalarMult(&shared, &privateKey, &remotePublicKey)
	if shared == zero {
		return shared, fmt.Errorf("aeadcrypto: low-order ecdh result")
	}
	return shared, nil
}

// GenerateSigningKeypair creates a new Ed25519 keypair.
func GenerateSigningKeypair() (seed [Ed25519SeedSize]byte, pub [Ed25519PublicKeySize]byte, err error) {
	p, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return seed, pub, fmt.Errorf("aeadcrypto: generate ed25519 keypair: %w", err)
	}
	copy(seed[:], priv.Seed())
	copy(pub[:], p)
	return seed, pub, nil
}

// PublicKeyFromSeed derives the Ed25519 public key for a 32-byte seed.
func PublicKeyFromSeed(seed [Ed25519SeedSize]byte) [Ed25519PublicKeySize]byte {
	priv := ed25519.NewKeyFromSeed(seed[:])
	var pub [Ed25519PublicKeySize]byte
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return pub
}

// Sign signs message with the Ed25519 key derived from seed.
func Sign(seed [Ed25519SeedSize]byte, message []byte) [Ed25519SignatureSize]byte {
	priv := ed25519.NewKeyFromSeed(seed[:])
	var sig [Ed25519SignatureSize]byte
	copy(sig[:], ed25519.Sign(priv, message))
	return sig
}

// Verify checks an Ed25519 signature against a public key.
func Verify(pub [Ed25519PublicKeySize]byte, message []byte, sig [Ed25519SignatureSize]byte) bool {
	return ed25519.Verify(pub[:], message, sig[:])
}

// ZeroKey zeroes a 32-byte key array, for clearing ephemeral secrets.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
