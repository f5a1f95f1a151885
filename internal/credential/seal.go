package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/islombek4642/tgsecret/internal/user"
)

// Sealer protects session material at rest.
type Sealer interface {
	Seal(id user.ID, plaintext []byte) ([]byte, error)
	Open(id user.ID, sealed []byte) ([]byte, error)
	// Seals reports whether Seal transforms its input.
	Seals() bool
}

// NopSealer stores session material as-is.
type NopSealer struct{}

func (NopSealer) Seal(_ user.ID, p []byte) ([]byte, error) { return append([]byte(nil), p...), nil }
func (NopSealer) Open(_ user.ID, p []byte) ([]byte, error) { return append([]byte(nil), p...), nil }
func (NopSealer) Seals() bool                              { return false }

const (
	// MasterKeySize is the required length of a KeySealer master key.
	MasterKeySize = 32

	sealVersion  byte = 1
	sealOverhead      = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

var hkdfInfo = []byte("tgsecret.credential.v1")

// KeySealer encrypts session material with XChaCha20-Poly1305 under a key
// derived per user from a master key. The user id is authenticated as
// associated data, so a blob sealed for one user fails to open for any
// other.
//
// Output layout: version (1 byte) | nonce (24 bytes) | ciphertext+tag.
type KeySealer struct {
	master []byte
}

// NewKeySealer creates a KeySealer. The master key must be MasterKeySize bytes.
func NewKeySealer(master []byte) (*KeySealer, error) {
	if len(master) != MasterKeySize {
		return nil, fmt.Errorf("master key is %d bytes, want %d", len(master), MasterKeySize)
	}
	return &KeySealer{master: append([]byte(nil), master...)}, nil
}

func (k *KeySealer) Seals() bool { return true }

func (k *KeySealer) deriveKey(id user.ID) ([]byte, error) {
	info := make([]byte, len(hkdfInfo)+8)
	copy(info, hkdfInfo)
	binary.BigEndian.PutUint64(info[len(hkdfInfo):], uint64(id))

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.master, nil, info), key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return key, nil
}

func aad(version byte, id user.ID) []byte {
	out := make([]byte, 9)
	out[0] = version
	binary.BigEndian.PutUint64(out[1:], uint64(id))
	return out
}

// Seal encrypts plaintext for id.
func (k *KeySealer) Seal(id user.ID, plaintext []byte) ([]byte, error) {
	key, err := k.deriveKey(id)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), sealOverhead+len(plaintext))
	out[0] = sealVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], plaintext, aad(sealVersion, id)), nil
}

// Open decrypts a blob produced by Seal for the same id.
func (k *KeySealer) Open(id user.ID, sealed []byte) ([]byte, error) {
	if len(sealed) < sealOverhead {
		return nil, fmt.Errorf("sealed blob is %d bytes, minimum is %d", len(sealed), sealOverhead)
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("sealed blob version %d is not supported", sealed[0])
	}

	key, err := k.deriveKey(id)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], aad(sealed[0], id))
	if err != nil {
		return nil, fmt.Errorf("authentication failed (wrong key, tampered data, or another user's blob): %w", err)
	}
	return plaintext, nil
}
