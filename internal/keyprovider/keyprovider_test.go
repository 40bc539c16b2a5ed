package keyprovider_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"testing"

	"github.com/lukium/kms-enclave/internal/keyprovider"
)

func TestGenerateThenSignVerifies(t *testing.T) {
	p := keyprovider.New()
	gen, err := p.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if len(gen.RawPrivate) != 32 {
		t.Fatalf("expected 32-byte raw scalar, got %d", len(gen.RawPrivate))
	}

	digest := sha256.Sum256([]byte("message"))
	sig, err := gen.Handle.Sign(digest[:])
	if err != nil {
		t.Fatal(err)
	}
	if !ecdsa.VerifyASN1(gen.PublicKey, digest[:], sig) {
		t.Fatal("signature does not verify against generated public key")
	}
}

func TestImportProducesEquivalentSigningHandle(t *testing.T) {
	p := keyprovider.New()
	gen, err := p.Generate()
	if err != nil {
		t.Fatal(err)
	}
	raw := append([]byte(nil), gen.RawPrivate...)

	h, err := p.Import(raw)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := h.PublicKey()
	if err != nil {
		t.Fatal(err)
	}
	if pub.X.Cmp(gen.PublicKey.X) != 0 || pub.Y.Cmp(gen.PublicKey.Y) != 0 {
		t.Fatal("imported handle's public key does not match original")
	}

	digest := sha256.Sum256([]byte("message"))
	sig, err := h.Sign(digest[:])
	if err != nil {
		t.Fatal(err)
	}
	if !ecdsa.VerifyASN1(gen.PublicKey, digest[:], sig) {
		t.Fatal("signature from imported handle does not verify")
	}
}

func TestImportRejectsWrongLength(t *testing.T) {
	p := keyprovider.New()
	if _, err := p.Import(make([]byte, 31)); err == nil {
		t.Fatal("expected error for short scalar")
	}
}

func TestDestroyedHandleCannotSign(t *testing.T) {
	p := keyprovider.New()
	gen, err := p.Generate()
	if err != nil {
		t.Fatal(err)
	}
	gen.Handle.Destroy()

	digest := sha256.Sum256([]byte("message"))
	if _, err := gen.Handle.Sign(digest[:]); err == nil {
		t.Fatal("expected error signing with destroyed handle")
	}
}

func TestZeroBytesOverwritesBuffer(t *testing.T) {
	b := bytes.Repeat([]byte{0xAB}, 16)
	keyprovider.ZeroBytes(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not zeroed: %x", i, v)
		}
	}
}
