package deviceid

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const KeySize = curve25519.ScalarSize

// Key is the long-term Curve25519 key pair a DeviceID is derived from.
type Key struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKey creates a fresh key pair.
func GenerateKey() (*Key, error) {
	var priv [KeySize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return keyFromPrivate(priv[:])
}

func keyFromPrivate(priv []byte) (*Key, error) {
	if len(priv) != KeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrInvalidKey, KeySize)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	k := &Key{}
	copy(k.Private[:], priv)
	copy(k.Public[:], pub)
	return k, nil
}

// ID is the identity advertised by the owner of this key.
func (k *Key) ID() DeviceID {
	return FromPublicKey(k.Public[:])
}

// LoadKey reads a hex-encoded private key from path.
func LoadKey(path string) (*Key, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKey, path, err)
	}
	return keyFromPrivate(priv)
}

// LoadOrCreateKey returns the key stored at path, generating and persisting a
// new one when the file does not exist yet.
func LoadOrCreateKey(path string) (*Key, error) {
	k, err := LoadKey(path)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	k, err = GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("cannot create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(k.Private[:])), 0o600); err != nil {
		return nil, fmt.Errorf("cannot write key file: %w", err)
	}
	return k, nil
}
