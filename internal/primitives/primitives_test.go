package primitives_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/lukium/kms-enclave/internal/primitives"
)

func TestB64URLRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0xff, 0xfe, 0xfd},
		bytes.Repeat([]byte{0xab}, 37),
	}
	for _, in := range cases {
		enc := primitives.B64URLEncode(in)
		out, err := primitives.B64URLDecode(enc)
		if err != nil {
			t.Fatalf("decode(%x): %v", in, err)
		}
		if !bytes.Equal(in, out) {
			t.Fatalf("round trip mismatch: in=%x out=%x", in, out)
		}
	}
}

func TestDERRaw64RoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	digest := bytes.Repeat([]byte{0x42}, 32)

	for i := 0; i < 20; i++ {
		der, err := ecdsa.SignASN1(rand.Reader, priv, digest)
		if err != nil {
			t.Fatal(err)
		}
		raw, err := primitives.DERToRaw64(der)
		if err != nil {
			t.Fatalf("DERToRaw64: %v", err)
		}
		if len(raw) != 64 {
			t.Fatalf("expected 64-byte raw signature, got %d", len(raw))
		}
		if raw[0] == 0x30 {
			t.Fatalf("raw signature should not start with DER SEQUENCE tag")
		}
		back, err := primitives.Raw64ToDER(raw)
		if err != nil {
			t.Fatalf("Raw64ToDER: %v", err)
		}
		if !ecdsa.VerifyASN1(&priv.PublicKey, digest, back) {
			t.Fatalf("re-encoded DER signature failed to verify")
		}
	}
}

func TestDERToRaw64RejectsGarbage(t *testing.T) {
	if _, err := primitives.DERToRaw64([]byte("not der")); err == nil {
		t.Fatal("expected error for malformed DER")
	}
}

func TestRaw64ToDERRejectsWrongLength(t *testing.T) {
	if _, err := primitives.Raw64ToDER(make([]byte, 63)); err == nil {
		t.Fatal("expected error for wrong-length raw signature")
	}
}

func TestRawPublicKeyRoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := primitives.EncodeRawPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != primitives.RawPublicKeyLen || raw[0] != 0x04 {
		t.Fatalf("unexpected raw public key encoding: %x", raw)
	}
	pub, err := primitives.DecodeRawPublicKey(raw)
	if err != nil {
		t.Fatal(err)
	}
	if pub.X.Cmp(priv.PublicKey.X) != 0 || pub.Y.Cmp(priv.PublicKey.Y) != 0 {
		t.Fatal("decoded public key does not match original")
	}
}

func TestDecodeRawPublicKeyRejectsBadLength(t *testing.T) {
	if _, err := primitives.DecodeRawPublicKey(make([]byte, 64)); err == nil {
		t.Fatal("expected error for wrong length")
	}
	bad := make([]byte, primitives.RawPublicKeyLen)
	bad[0] = 0x02
	if _, err := primitives.DecodeRawPublicKey(bad); err == nil {
		t.Fatal("expected error for bad leading byte")
	}
}

func TestJWKThumbprintDeterministic(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	a, err := primitives.JWKThumbprint(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	b, err := primitives.JWKThumbprint(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("thumbprint not deterministic: %s != %s", a, b)
	}

	priv2, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	c, err := primitives.JWKThumbprint(&priv2.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Fatal("expected different keys to produce different thumbprints")
	}
}
