// Package signer implements the signing engine: P-256 signing-key custody
// wired through keyhierarchy/keyprovider, compact ES256 token construction,
// and the issuance policy enforced before any token is signed.
package signer

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/lukium/kms-enclave/internal/endpoint"
	"github.com/lukium/kms-enclave/internal/keyhierarchy"
	"github.com/lukium/kms-enclave/internal/keyprovider"
	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/primitives"
	"github.com/lukium/kms-enclave/internal/storage"
)

// Algorithm is the fixed signing algorithm this engine issues tokens under.
const Algorithm = "ES256"

const (
	jtiLen = 16

	singleBaseTTL = 15 * time.Minute
	batchBaseTTL  = 100 * time.Minute
	batchStagger  = 60 * time.Minute
	maxBatchCount = 10
	maxExpHorizon = 24 * time.Hour
)

// KeyRecord is the persisted signing key record: the private key itself is
// never held here in cleartext, only its wrapped bytes and the salt/IV
// needed to re-derive the wrapping key.
type KeyRecord struct {
	KeyID             string            `json:"keyId"`
	WrappedPrivateKey []byte            `json:"wrappedPrivateKey"`
	WrapIV            []byte            `json:"wrapIv"`
	WrapSalt          []byte            `json:"wrapSalt"`
	RawPublicKey      []byte            `json:"rawPublicKey"`
	Algorithm         string            `json:"algorithm"`
	Purpose           string            `json:"purpose"`
	CreatedAt         int64             `json:"createdAt"`
	LastUsedAt        int64             `json:"lastUsedAt,omitempty"`
	Endpoint          *endpoint.Binding `json:"endpoint,omitempty"`
}

// AssociatedData is the AEAD associated-data binding a wrapped signing key
// to its own key identifier, so a ciphertext cannot be silently swapped
// onto a different key's record without breaking decryption. Exported so
// the lease manager can reuse it when unwrapping the same blob ahead of a
// lease-scoped rewrap.
func AssociatedData(keyID string) []byte {
	return []byte("signing-key:" + keyID)
}

// Generate creates a fresh P-256 signing keypair, wraps its private scalar
// under ms's direct-use KEK (a fresh random salt), and returns the
// persistable record plus an already-usable non-extractable handle. The
// one-time raw export is zeroized before returning.
func Generate(provider *keyprovider.Provider, ms *keyhierarchy.MS, purpose string, now time.Time) (*KeyRecord, *keyprovider.Handle, error) {
	gen, err := provider.Generate()
	if err != nil {
		return nil, nil, err
	}
	defer keyprovider.ZeroBytes(gen.RawPrivate)

	keyID, err := keyprovider.Thumbprint(gen.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	rawPub, err := primitives.EncodeRawPublicKey(gen.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	salt, err := keyhierarchy.RandomSalt(keyhierarchy.SaltSize)
	if err != nil {
		return nil, nil, err
	}

	var record *KeyRecord
	err = keyhierarchy.WithUnlock(ms, func(raw []byte) error {
		kek, err := DeriveDirectKEK(raw, salt)
		if err != nil {
			return err
		}
		ciphertext, iv, err := keyhierarchy.WrapAESGCM(kek, gen.RawPrivate, AssociatedData(keyID))
		if err != nil {
			return err
		}
		record = &KeyRecord{
			KeyID:             keyID,
			WrappedPrivateKey: ciphertext,
			WrapIV:            iv,
			WrapSalt:          salt,
			RawPublicKey:      rawPub,
			Algorithm:         Algorithm,
			Purpose:           purpose,
			CreatedAt:         now.Unix(),
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return record, gen.Handle, nil
}

// DeriveDirectKEK derives the direct-use KEK for a signing key's wrap salt
// from already-opened Master Secret bytes. Exposed at this granularity so
// the lease manager can unwrap a signing key and derive its own Session
// KEK inside a single WithUnlock scope.
func DeriveDirectKEK(msRaw, salt []byte) ([]byte, error) {
	return keyhierarchy.DeriveKEK(msRaw, salt, keyhierarchy.DirectKEKInfo)
}

// UnwrapPrivateKeyRaw recovers record's plaintext private scalar given
// already-opened Master Secret bytes. The caller owns the returned slice
// and must zeroize it (via keyprovider.ZeroBytes) as soon as it has been
// consumed — either imported into a handle or rewrapped under another KEK.
func UnwrapPrivateKeyRaw(msRaw []byte, record *KeyRecord) ([]byte, error) {
	kek, err := DeriveDirectKEK(msRaw, record.WrapSalt)
	if err != nil {
		return nil, err
	}
	return keyhierarchy.UnwrapAESGCM(kek, record.WrappedPrivateKey, record.WrapIV, AssociatedData(record.KeyID))
}

// LoadHandle unwraps record's private key under ms's direct-use KEK and
// imports it into a fresh non-extractable handle.
func LoadHandle(provider *keyprovider.Provider, ms *keyhierarchy.MS, record *KeyRecord) (*keyprovider.Handle, error) {
	var handle *keyprovider.Handle
	err := keyhierarchy.WithUnlock(ms, func(raw []byte) error {
		plaintext, err := UnwrapPrivateKeyRaw(raw, record)
		if err != nil {
			return err
		}
		defer keyprovider.ZeroBytes(plaintext)
		h, err := provider.Import(plaintext)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// header is the fixed JWT header every token carries: `{"typ":"JWT","alg":"ES256"}`.
type header struct {
	Typ string `json:"typ"`
	Alg string `json:"alg"`
}

var fixedHeader = header{Typ: "JWT", Alg: Algorithm}

// Claims is the token payload: exactly aud, sub, exp, jti, nothing more.
type Claims struct {
	Aud string `json:"aud"`
	Sub string `json:"sub"`
	Exp int64  `json:"exp"`
	Jti string `json:"jti"`
}

// ValidatePolicy enforces the token issuance policy before any signing
// occurs: exp within (now, now+24h]; aud an https URL; sub prefixed
// mailto: or https:; and, when the signing key has a bound endpoint, aud
// must resolve to that endpoint's hostname.
func ValidatePolicy(c Claims, binding *endpoint.Binding, now time.Time) error {
	if c.Exp <= now.Unix() {
		return kmserrors.New(kmserrors.KindPolicyViolation, "token exp must be in the future")
	}
	if c.Exp > now.Add(maxExpHorizon).Unix() {
		return kmserrors.New(kmserrors.KindPolicyViolation, "token exp exceeds the 24-hour ceiling")
	}
	u, err := url.Parse(c.Aud)
	if err != nil || u.Scheme != "https" {
		return kmserrors.New(kmserrors.KindPolicyViolation, "aud must be an https URL")
	}
	if !strings.HasPrefix(c.Sub, "mailto:") && !strings.HasPrefix(c.Sub, "https:") {
		return kmserrors.New(kmserrors.KindPolicyViolation, "sub must begin with mailto: or https:")
	}
	if binding != nil {
		boundHost, err := binding.Hostname()
		if err != nil {
			return err
		}
		if !strings.EqualFold(u.Hostname(), boundHost) {
			return kmserrors.New(kmserrors.KindPolicyViolation, "aud does not match the signing key's bound endpoint")
		}
	}
	return nil
}

func newJTI() (string, error) {
	b := make([]byte, jtiLen)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", kmserrors.Wrap(kmserrors.KindInternal, "generate jti", err)
	}
	return primitives.B64URLEncode(b), nil
}

// Build constructs and signs one compact three-part token over claims
// using handle. It does not itself validate policy; callers must run
// ValidatePolicy first.
func Build(handle *keyprovider.Handle, claims Claims) (string, error) {
	headerJSON, err := json.Marshal(fixedHeader)
	if err != nil {
		return "", kmserrors.Wrap(kmserrors.KindInternal, "marshal token header", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", kmserrors.Wrap(kmserrors.KindInternal, "marshal token payload", err)
	}
	signingInput := primitives.B64URLEncode(headerJSON) + "." + primitives.B64URLEncode(payloadJSON)

	digest := sha256.Sum256([]byte(signingInput))
	der, err := handle.Sign(digest[:])
	if err != nil {
		return "", err
	}
	raw64, err := primitives.DERToRaw64(der)
	if err != nil {
		return "", err
	}
	return signingInput + "." + primitives.B64URLEncode(raw64), nil
}

// Issue constructs a single token with a 15-minute single-issuance TTL.
func Issue(handle *keyprovider.Handle, aud, sub string, binding *endpoint.Binding, now time.Time) (string, error) {
	jti, err := newJTI()
	if err != nil {
		return "", err
	}
	claims := Claims{Aud: aud, Sub: sub, Exp: now.Add(singleBaseTTL).Unix(), Jti: jti}
	if err := ValidatePolicy(claims, binding, now); err != nil {
		return "", err
	}
	return Build(handle, claims)
}

// IssueBatch constructs count (1..10) tokens with staggered expirations:
// the k-th token (0-indexed) expires at now + 100min + k*60min. Quota
// debit of size count is the caller's
// responsibility (the lease manager), performed atomically alongside this
// call.
func IssueBatch(handle *keyprovider.Handle, aud, sub string, binding *endpoint.Binding, count int, now time.Time) ([]string, error) {
	if count < 1 || count > maxBatchCount {
		return nil, kmserrors.New(kmserrors.KindInvalidParam, "batch count must be between 1 and 10")
	}
	tokens := make([]string, count)
	for k := 0; k < count; k++ {
		jti, err := newJTI()
		if err != nil {
			return nil, err
		}
		exp := now.Add(batchBaseTTL + time.Duration(k)*batchStagger).Unix()
		claims := Claims{Aud: aud, Sub: sub, Exp: exp, Jti: jti}
		if err := ValidatePolicy(claims, binding, now); err != nil {
			return nil, err
		}
		tok, err := Build(handle, claims)
		if err != nil {
			return nil, err
		}
		tokens[k] = tok
	}
	return tokens, nil
}

// signingKeyKey namespaces a SigningKeyRecord by owner, enforcing "at most
// one SigningKeyRecord per userId at a time" by construction: there is
// exactly one storage slot per user.
func signingKeyKey(userID string) string {
	return fmt.Sprintf("signing-key:%s", userID)
}

// Load fetches userID's current SigningKeyRecord.
func Load(ctx context.Context, db *storage.DB, userID string) (*KeyRecord, error) {
	raw, err := db.Get(ctx, storage.StoreKeys, signingKeyKey(userID))
	if err != nil {
		if kmserrors.KindOf(err) == kmserrors.KindNotFound {
			return nil, kmserrors.New(kmserrors.KindNotSetup, "no signing key for user")
		}
		return nil, err
	}
	var rec KeyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInvalidFormat, "decode signing key record", err)
	}
	return &rec, nil
}

// Save persists record as userID's current SigningKeyRecord, replacing any
// prior one.
func Save(ctx context.Context, db *storage.DB, userID string, record *KeyRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return kmserrors.Wrap(kmserrors.KindInternal, "encode signing key record", err)
	}
	return db.Put(ctx, storage.StoreKeys, signingKeyKey(userID), raw)
}

// SaveTx is Save's transaction-scoped counterpart, for callers persisting
// a freshly generated key inside the same transaction as its triggering
// audit entry.
func SaveTx(tx *storage.Tx, userID string, record *KeyRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return kmserrors.Wrap(kmserrors.KindInternal, "encode signing key record", err)
	}
	return tx.Put(storage.StoreKeys, signingKeyKey(userID), raw)
}

// Delete removes userID's current SigningKeyRecord. Any lease that
// referenced its key identifier is left in place but becomes unusable —
// kid-mismatch detection at verify/sign time invalidates it without this
// function ever touching the lease store.
func Delete(ctx context.Context, db *storage.DB, userID string) error {
	return db.Delete(ctx, storage.StoreKeys, signingKeyKey(userID))
}

// FindByKeyID scans every persisted SigningKeyRecord for one whose key
// identifier matches kid — for callers that only have a key identifier,
// not its owner. The keys store is small — at most one signing-key record
// per user, next to the audit key seeds that the prefix check skips — so a
// linear scan is the simplest correct implementation.
func FindByKeyID(ctx context.Context, db *storage.DB, kid string) (*KeyRecord, error) {
	values, err := db.ListValues(ctx, storage.StoreKeys)
	if err != nil {
		return nil, err
	}
	for key, raw := range values {
		if !strings.HasPrefix(key, "signing-key:") {
			continue
		}
		var rec KeyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.KeyID == kid {
			return &rec, nil
		}
	}
	return nil, kmserrors.New(kmserrors.KindNotFound, "no signing key with that identifier")
}
