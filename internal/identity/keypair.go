package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"

	"github.com/qnetproto/qnet-htx/internal/aeadcrypto"
)

// KeySize is the size, in bytes, of an X25519 private or public key.
const KeySize = 32

const (
	keyFileName    = "identity_key"
	pubKeyFileName = "identity_key.pub"
)

// Keypair is a persisted X25519 static keypair: the long-term identity a
// dial/listen session presents as its Noise-XK static key.
type Keypair struct {
	PrivateKey [KeySize]byte
	PublicKey  [KeySize]byte
}

// NewKeypair generates a fresh X25519 keypair using crypto/rand.
func NewKeypair() (*Keypair, error) {
	priv, pub, err := aeadcrypto.GenerateX25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	return &Keypair{PrivateKey: priv, PublicKey: pub}, nil
}

// IsZeroKey reports whether k is the all-zero key.
func IsZeroKey(k [KeySize]byte) bool {
	return k == [KeySize]byte{}
}

// ParseKey parses a hex-encoded key, tolerating a "0x"/"0X" prefix and
// surrounding whitespace.
func ParseKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != KeySize*2 {
		return key, fmt.Errorf("identity: key must be %d hex chars, got %d", KeySize*2, len(s))
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("identity: invalid key hex: %w", err)
	}
	copy(key[:], decoded)
	return key, nil
}

// KeyToString returns the lowercase hex encoding of k.
func KeyToString(k [KeySize]byte) string {
	return hex.EncodeToString(k[:])
}

// PublicKeyString returns kp's public key as lowercase hex.
func (kp *Keypair) PublicKeyString() string {
	return KeyToString(kp.PublicKey)
}

// PublicKeyShortString returns the first 8 bytes of kp's public key as hex.
func (kp *Keypair) PublicKeyShortString() string {
	return hex.EncodeToString(kp.PublicKey[:8])
}

// Zero overwrites kp's private key with zeroes. The public key is left
// intact since it isn't sensitive.
func (kp *Keypair) Zero() {
	aeadcrypto.ZeroKey(&kp.PrivateKey)
}

// Store persists kp to dataDir: the private key at 0600 permissions, the
// public key at 0644, both written via a temp-file-then-rename to avoid a
// torn write on crash.
func (kp *Keypair) Store(dataDir string) error {
	if IsZeroKey(kp.PrivateKey) {
		return errors.New("identity: cannot store a zero private key")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("identity: create data directory: %w", err)
	}

	if err := writeKeyFile(filepath.Join(dataDir, keyFileName), kp.PrivateKey, 0600); err != nil {
		return err
	}
	if err := writeKeyFile(filepath.Join(dataDir, pubKeyFileName), kp.PublicKey, 0644); err != nil {
		return err
	}
	return nil
}

func writeKeyFile(path string, key [KeySize]byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(KeyToString(key)+"\n"), perm); err != nil {
		return fmt.Errorf("identity: write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("identity: persist %s: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadKeypair reads a keypair from dataDir and verifies the stored public
// key actually derives from the stored private key.
func LoadKeypair(dataDir string) (*Keypair, error) {
	privData, err := os.ReadFile(filepath.Join(dataDir, keyFileName))
	if err != nil {
		return nil, fmt.Errorf("identity: read private key: %w", err)
	}
	priv, err := ParseKey(strings.TrimSpace(string(privData)))
	if err != nil {
		return nil, fmt.Errorf("identity: parse private key: %w", err)
	}

	pubData, err := os.ReadFile(filepath.Join(dataDir, pubKeyFileName))
	if err != nil {
		return nil, fmt.Errorf("identity: read public key: %w", err)
	}
	pub, err := ParseKey(strings.TrimSpace(string(pubData)))
	if err != nil {
		return nil, fmt.Errorf("identity: parse public key: %w", err)
	}

	var derived [KeySize]byte
	curve25519.ScalarBaseMult(&derived, &priv)
	if derived != pub {
		return nil, errors.New("identity: stored public key does not match private key")
	}

	return &Keypair{PrivateKey: priv, PublicKey: pub}, nil
}

// LoadOrCreateKeypair loads an existing keypair from dataDir, or generates
// and persists a new one if none exists.
func LoadOrCreateKeypair(dataDir string) (*Keypair, bool, error) {
	if KeypairExists(dataDir) {
		kp, err := LoadKeypair(dataDir)
		return kp, false, err
	}
	kp, err := NewKeypair()
	if err != nil {
		return nil, false, err
	}
	if err := kp.Store(dataDir); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// KeypairExists reports whether a keypair is already persisted in dataDir.
func KeypairExists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, keyFileName))
	return err == nil
}
