// Package keyhierarchy implements the Master Secret lifecycle and the
// wrapping hierarchy derived from it: a scoped MS acquisition that
// zeroizes on every exit path, HKDF-derived key-encryption keys for direct
// signing-key wraps and per-lease Session KEKs, and the AES-GCM
// wrap/unwrap primitive every wrapped blob in the system uses.
package keyhierarchy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"

	"github.com/lukium/kms-enclave/internal/kmserrors"
)

// MSSize is the byte width of the Master Secret.
const MSSize = 32

// SaltSize is the byte width of every HKDF salt used in this package.
const SaltSize = 32

// IVSize is the byte width of the random AES-GCM nonce used for every wrap.
const IVSize = 12

const (
	// DirectKEKInfo is the HKDF info string for the signing key's
	// direct-use KEK (spec: "info = fixed purpose string").
	DirectKEKInfo = "kms-enclave/signing-key-wrap/v1"
	// SessionKEKInfo is the HKDF info string for a lease's Session KEK
	// (spec: "info = lease-purpose string").
	SessionKEKInfo = "kms-enclave/lease-session-kek/v1"
)

// MS holds the 32-byte Master Secret in locked, sealed memory. It is never
// exposed in cleartext except for the duration of a WithUnlock callback.
type MS struct {
	enclave *memguard.Enclave
}

// GenerateMS creates a fresh random Master Secret (spec: "Created on first
// enrollment").
func GenerateMS() (*MS, error) {
	raw := make([]byte, MSSize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInternal, "generate master secret", err)
	}
	return NewMS(raw)
}

// NewMS seals an already-recovered 32-byte Master Secret (e.g. the output
// of an Unlock Manager unwrap). raw is zeroized by this call.
func NewMS(raw []byte) (*MS, error) {
	if len(raw) != MSSize {
		return nil, kmserrors.New(kmserrors.KindInvalidFormat, "master secret must be 32 bytes")
	}
	buf := memguard.NewBufferFromBytes(append([]byte(nil), raw...))
	for i := range raw {
		raw[i] = 0
	}
	return &MS{enclave: buf.Seal()}, nil
}

// Destroy discards the sealed Master Secret immediately. Safe to call more
// than once.
func (m *MS) Destroy() {
	m.enclave = nil
}

// WithUnlock is the scoped-acquisition combinator for MS: it opens ms into
// locked memory, runs operation with the raw 32 bytes, and destroys the
// opened buffer on every exit path — success, error, or panic — before
// returning. Callers must treat raw as invalid the instant operation
// returns.
func WithUnlock(ms *MS, operation func(raw []byte) error) error {
	if ms == nil || ms.enclave == nil {
		return kmserrors.New(kmserrors.KindInternal, "master secret is not available")
	}
	buf, err := ms.enclave.Open()
	if err != nil {
		return kmserrors.Wrap(kmserrors.KindInternal, "open master secret enclave", err)
	}
	defer buf.Destroy()
	return operation(buf.Bytes())
}

// RandomSalt returns n cryptographically random bytes, used for HKDF salts
// and for the passphrase enrollment's PBKDF2 salt.
func RandomSalt(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInternal, "generate random salt", err)
	}
	return b, nil
}

// DeriveKEK runs HKDF-SHA-256 over ms with the given salt and info string,
// producing a 32-byte AES-256-GCM key. The same function serves both the
// direct-use KEK (DirectKEKInfo, a per-signing-key salt) and the per-lease
// Session KEK (SessionKEKInfo, the lease salt).
func DeriveKEK(ms []byte, salt []byte, info string) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, kmserrors.New(kmserrors.KindInvalidFormat, "HKDF salt must be 32 bytes")
	}
	kdf := hkdf.New(sha256.New, ms, salt, []byte(info))
	kek := make([]byte, 32)
	if _, err := io.ReadFull(kdf, kek); err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInternal, "derive KEK", err)
	}
	return kek, nil
}

// WrapAESGCM seals plaintext under key with a fresh random 12-byte IV,
// binding associatedData (spec: "associated data binds the wrapped blob to
// a stable identifier"). Returns (ciphertext, iv).
func WrapAESGCM(key, plaintext, associatedData []byte) ([]byte, []byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, kmserrors.Wrap(kmserrors.KindInternal, "generate wrap IV", err)
	}
	ciphertext := aead.Seal(nil, iv, plaintext, associatedData)
	return ciphertext, iv, nil
}

// UnwrapAESGCM reverses WrapAESGCM, verifying associatedData matches what
// was used to seal.
func UnwrapAESGCM(key, ciphertext, iv, associatedData []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize {
		return nil, kmserrors.New(kmserrors.KindInvalidFormat, "wrap IV must be 12 bytes")
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, associatedData)
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInvalidFormat, "unwrap: authentication failed", err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInternal, "construct AES cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInternal, "construct GCM AEAD", err)
	}
	return aead, nil
}
