// Package primitives implements the pure, shape-checked building blocks
// shared by every other component: base64url codec, DER↔raw-64 ECDSA
// signature conversion, JWK thumbprints, and raw public-key point encoding.
// Every function here fails closed with kmserrors.KindInvalidFormat on any
// structural error — there is no partial or best-effort parsing.
package primitives

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/asn1"
	"encoding/base64"
	"math/big"

	"github.com/go-jose/go-jose/v4"

	"github.com/lukium/kms-enclave/internal/kmserrors"
)

// B64URLEncode encodes b using unpadded base64url.
func B64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// B64URLDecode decodes s as base64url. It accepts both padded and unpadded
// input (spec: "accept padded input").
func B64URLDecode(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInvalidFormat, "invalid base64url", err)
	}
	return b, nil
}

// asn1Signature mirrors the SEQUENCE{INTEGER r, INTEGER s} wire shape of a
// DER-encoded ECDSA signature, used only to (de)serialize via encoding/asn1.
type asn1Signature struct {
	R, S *big.Int
}

// scalarSize is the encoded width of a single P-256 scalar.
const scalarSize = 32

// DERToRaw64 converts a DER-encoded P-256 ECDSA signature into the 64-byte
// raw form (left-padded r || left-padded s). It is the inverse of
// Raw64ToDER.
func DERToRaw64(der []byte) ([]byte, error) {
	var sig asn1Signature
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil || len(rest) != 0 {
		return nil, kmserrors.New(kmserrors.KindInvalidFormat, "malformed DER ECDSA signature")
	}
	if sig.R == nil || sig.S == nil || sig.R.Sign() < 0 || sig.S.Sign() < 0 {
		return nil, kmserrors.New(kmserrors.KindInvalidFormat, "malformed DER ECDSA signature")
	}

	out := make([]byte, 2*scalarSize)
	if err := leftPadInto(out[:scalarSize], sig.R); err != nil {
		return nil, err
	}
	if err := leftPadInto(out[scalarSize:], sig.S); err != nil {
		return nil, err
	}
	return out, nil
}

// Raw64ToDER converts a 64-byte raw ECDSA signature (r || s) back into DER,
// re-inserting the ASN.1 leading zero byte whenever a scalar's high bit is
// set. It is the inverse of DERToRaw64.
func Raw64ToDER(raw []byte) ([]byte, error) {
	if len(raw) != 2*scalarSize {
		return nil, kmserrors.New(kmserrors.KindInvalidFormat, "raw ECDSA signature must be 64 bytes")
	}
	r := new(big.Int).SetBytes(raw[:scalarSize])
	s := new(big.Int).SetBytes(raw[scalarSize:])
	der, err := asn1.Marshal(asn1Signature{R: r, S: s})
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInvalidFormat, "encode DER signature", err)
	}
	return der, nil
}

// leftPadInto writes the big-endian bytes of v into dst, left-padded with
// zeros, erroring if v does not fit in len(dst) bytes.
func leftPadInto(dst []byte, v *big.Int) error {
	b := v.Bytes()
	if len(b) > len(dst) {
		return kmserrors.New(kmserrors.KindInvalidFormat, "scalar too large for field width")
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst[len(dst)-len(b):], b)
	return nil
}

// RawPublicKeyLen is the length in bytes of an uncompressed SEC1 P-256
// public key: 0x04 || X(32) || Y(32).
const RawPublicKeyLen = 65

// EncodeRawPublicKey serializes pub as 0x04 || X || Y, rejecting any curve
// other than P-256.
func EncodeRawPublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	if pub.Curve != elliptic.P256() {
		return nil, kmserrors.New(kmserrors.KindInvalidFormat, "public key is not on P-256")
	}
	out := make([]byte, RawPublicKeyLen)
	out[0] = 0x04
	if err := leftPadInto(out[1:1+scalarSize], pub.X); err != nil {
		return nil, err
	}
	if err := leftPadInto(out[1+scalarSize:], pub.Y); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeRawPublicKey parses the 0x04 || X || Y form produced by
// EncodeRawPublicKey, rejecting any other length or leading byte.
func DecodeRawPublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) != RawPublicKeyLen || raw[0] != 0x04 {
		return nil, kmserrors.New(kmserrors.KindInvalidFormat, "public key must be 65-byte uncompressed SEC1 point")
	}
	x := new(big.Int).SetBytes(raw[1 : 1+scalarSize])
	y := new(big.Int).SetBytes(raw[1+scalarSize:])
	curve := elliptic.P256()
	if !curve.IsOnCurve(x, y) {
		return nil, kmserrors.New(kmserrors.KindInvalidFormat, "point is not on P-256")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// JWKThumbprint computes the RFC 7638 thumbprint of a P-256 public key —
// base64url(SHA-256(canonical JSON {"crv":"P-256","kty":"EC","x":...,"y":...})) —
// using go-jose's JSONWebKey.Thumbprint, which implements exactly this
// canonicalization.
func JWKThumbprint(pub *ecdsa.PublicKey) (string, error) {
	if pub.Curve != elliptic.P256() {
		return "", kmserrors.New(kmserrors.KindInvalidFormat, "public key is not on P-256")
	}
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", kmserrors.Wrap(kmserrors.KindInvalidFormat, "compute JWK thumbprint", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}
