// Package keyprovider models the browser's non-extractable key storage as
// an opaque handle provider. The real browser CryptoKey object never
// exposes its private bytes to script; here a memguard-sealed Enclave plays
// the same role — private scalars exist in cleartext only for the brief
// interval a signing call needs them, and only this package ever touches
// them.
package keyprovider

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"math/big"
	"runtime"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/primitives"
)

// scalarSize is the byte width of a P-256 private scalar.
const scalarSize = 32

// Handle is an opaque, non-extractable reference to a P-256 private key.
// Its only capability is signing; there is no method to read the private
// scalar back out.
type Handle struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
}

// Provider creates and operates on Handles. It is the seam the rest of the
// module codes against; swapping this package out for a real WebCrypto
// binding (via wasm or an RPC to the foreground context) would not require
// changing any caller.
type Provider struct{}

// New creates a Provider. Stateless: every Handle carries its own enclave.
func New() *Provider { return &Provider{} }

// Generated bundles the ephemeral one-time export the caller must wrap and
// then zeroize.
type Generated struct {
	Handle    *Handle
	PublicKey *ecdsa.PublicKey
	// RawPrivate is the 32-byte private scalar, exported exactly once at
	// generation time. The caller MUST wrap it and then call ZeroBytes.
	RawPrivate []byte
}

// Generate creates a fresh P-256 keypair. The returned Handle is already
// usable for Sign; RawPrivate is provided only so the caller can wrap it
// for persistence, and must be zeroized immediately after wrapping.
func (p *Provider) Generate() (*Generated, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInternal, "generate P-256 key", err)
	}
	raw := make([]byte, scalarSize)
	priv.D.FillBytes(raw)

	h, err := p.sealHandle(raw)
	if err != nil {
		ZeroBytes(raw)
		return nil, err
	}

	// Copy raw out for the caller's one-time export; the handle already
	// sealed its own copy.
	exported := make([]byte, scalarSize)
	copy(exported, raw)
	ZeroBytes(raw)

	return &Generated{Handle: h, PublicKey: &priv.PublicKey, RawPrivate: exported}, nil
}

// Import re-creates a non-extractable Handle from a private scalar that was
// just unwrapped from storage. The caller must zeroize raw after this call
// returns, success or failure.
func (p *Provider) Import(raw []byte) (*Handle, error) {
	if len(raw) != scalarSize {
		return nil, kmserrors.New(kmserrors.KindInvalidFormat, "private scalar must be 32 bytes")
	}
	return p.sealHandle(raw)
}

func (p *Provider) sealHandle(raw []byte) (*Handle, error) {
	buf := memguard.NewBufferFromBytes(append([]byte(nil), raw...))
	return &Handle{enclave: buf.Seal()}, nil
}

// Sign produces a DER-encoded ECDSA signature over digest (already
// SHA-256'd by the caller) using h's private scalar. The scalar is opened
// into locked memory only for the duration of the signing operation.
func (h *Handle) Sign(digest []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.enclave == nil {
		return nil, kmserrors.New(kmserrors.KindInternal, "signing handle has been destroyed")
	}

	buf, err := h.enclave.Open()
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInternal, "open signing enclave", err)
	}
	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: elliptic.P256()},
		D:         new(big.Int).SetBytes(buf.Bytes()),
	}
	priv.PublicKey.X, priv.PublicKey.Y = elliptic.P256().ScalarBaseMult(buf.Bytes())

	// Destroy the open buffer immediately after deriving priv; we must not
	// hold the scalar in unlocked memory longer than necessary.
	buf.Destroy()
	sig, signErr := ecdsa.SignASN1(rand.Reader, priv, digest)
	runtime.KeepAlive(priv)
	if signErr != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInternal, "ecdsa sign", signErr)
	}
	return sig, nil
}

// PublicKey re-derives the public key from h's sealed scalar, for callers
// (e.g. lease rewrap) that hold a Handle but need the point again.
func (h *Handle) PublicKey() (*ecdsa.PublicKey, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.enclave == nil {
		return nil, kmserrors.New(kmserrors.KindInternal, "signing handle has been destroyed")
	}
	buf, err := h.enclave.Open()
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInternal, "open signing enclave", err)
	}
	defer buf.Destroy()
	x, y := elliptic.P256().ScalarBaseMult(buf.Bytes())
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// Destroy drops h's reference to its sealed scalar. After Destroy, Sign and
// PublicKey fail.
func (h *Handle) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enclave = nil
}

// ZeroBytes overwrites b with zeros in place and keeps b alive across the
// overwrite, so the compiler cannot optimize the clear away before the last
// read of an ephemeral secret buffer.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// Thumbprint is a convenience wrapper so callers don't need to import both
// keyprovider and primitives to name a freshly generated key.
func Thumbprint(pub *ecdsa.PublicKey) (string, error) {
	return primitives.JWKThumbprint(pub)
}
