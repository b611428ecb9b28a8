// Package secrets seals tenant credentials with versioned symmetric keys.
//
// Blob layout: format byte, key version byte, 24-byte nonce, then the
// XChaCha20-Poly1305 ciphertext and tag. The format byte and key version are
// bound into the additional data together with the caller's context, so a blob
// cannot be replayed under another version or another tenant.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the master key length in bytes.
	KeySize = 32

	blobFormat   byte = 0x01
	blobOverhead      = 2 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

var hkdfInfo = []byte("deskbridge.tenant-config.v1")

var (
	// ErrDecryptionFailed covers every reason a sealed blob cannot be opened:
	// unknown key version, wrong key, truncated or tampered bytes.
	ErrDecryptionFailed = errors.New("tenant config decryption failed")
	// ErrNoActiveKey indicates the keyring has no key for its active version.
	ErrNoActiveKey = errors.New("no active encryption key configured")
)

// KeyManager seals and opens credential blobs. Implementations may hold
// several key versions; ActiveVersion is the one used for new blobs.
type KeyManager interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(blob, aad []byte) ([]byte, error)
	ActiveVersion() uint8
}

// Keyring is a KeyManager over in-memory master keys.
type Keyring struct {
	active uint8
	keys   map[uint8][]byte // derived subkeys by version
}

var _ KeyManager = (*Keyring)(nil)

// NewKeyring derives subkeys for each master key. active must be present in keys.
func NewKeyring(active uint8, keys map[uint8][]byte) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrNoActiveKey
	}
	k := &Keyring{active: active, keys: make(map[uint8][]byte, len(keys))}
	for version, master := range keys {
		if len(master) != KeySize {
			return nil, fmt.Errorf("key version %d: expected %d bytes, got %d", version, KeySize, len(master))
		}
		sub, err := deriveKey(master, version)
		if err != nil {
			return nil, fmt.Errorf("derive key version %d: %w", version, err)
		}
		k.keys[version] = sub
	}
	if _, ok := k.keys[active]; !ok {
		return nil, fmt.Errorf("%w: version %d", ErrNoActiveKey, active)
	}
	return k, nil
}

// ParseKeys parses "version:base64" entries as found in configuration.
// A bare base64 value is accepted as version 1.
func ParseKeys(entries []string) (map[uint8][]byte, error) {
	keys := make(map[uint8][]byte, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		version := uint64(1)
		encoded := entry
		if idx := strings.Index(entry, ":"); idx > 0 {
			v, err := strconv.ParseUint(entry[:idx], 10, 8)
			if err != nil {
				return nil, fmt.Errorf("parse key version %q: %w", entry[:idx], err)
			}
			version = v
			encoded = entry[idx+1:]
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("decode key version %d: %w", version, err)
		}
		if _, dup := keys[uint8(version)]; dup {
			return nil, fmt.Errorf("duplicate key version %d", version)
		}
		keys[uint8(version)] = raw
	}
	return keys, nil
}

// GenerateKey returns a new random master key encoded as base64.
func GenerateKey() (string, error) {
	buf := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// ActiveVersion returns the key version used by Seal.
func (k *Keyring) ActiveVersion() uint8 {
	return k.active
}

// Seal encrypts plaintext with the active key.
func (k *Keyring) Seal(plaintext, aad []byte) ([]byte, error) {
	version := k.active
	key := k.keys[version]
	if key == nil {
		return nil, ErrNoActiveKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	out := make([]byte, 2+chacha20poly1305.NonceSizeX, blobOverhead+len(plaintext))
	out[0] = blobFormat
	out[1] = version
	if _, err := io.ReadFull(rand.Reader, out[2:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	nonce := out[2 : 2+chacha20poly1305.NonceSizeX]
	return aead.Seal(out, nonce, plaintext, buildAAD(blobFormat, version, aad)), nil
}

// Open decrypts a blob sealed by any known key version.
func (k *Keyring) Open(blob, aad []byte) ([]byte, error) {
	if len(blob) < blobOverhead {
		return nil, fmt.Errorf("%w: blob is %d bytes", ErrDecryptionFailed, len(blob))
	}
	if blob[0] != blobFormat {
		return nil, fmt.Errorf("%w: unsupported format %d", ErrDecryptionFailed, blob[0])
	}
	version := blob[1]
	key := k.keys[version]
	if key == nil {
		return nil, fmt.Errorf("%w: unknown key version %d", ErrDecryptionFailed, version)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	nonce := blob[2 : 2+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[2+chacha20poly1305.NonceSizeX:], buildAAD(blob[0], version, aad))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// BlobVersion reports the key version recorded in a sealed blob.
func BlobVersion(blob []byte) (uint8, bool) {
	if len(blob) < 2 || blob[0] != blobFormat {
		return 0, false
	}
	return blob[1], true
}

func deriveKey(master []byte, version uint8) ([]byte, error) {
	info := append(append([]byte{}, hkdfInfo...), version)
	reader := hkdf.New(sha256.New, master, nil, info)
	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func buildAAD(format, version byte, extra []byte) []byte {
	aad := make([]byte, 0, 2+len(extra))
	aad = append(aad, format, version)
	return append(aad, extra...)
}
