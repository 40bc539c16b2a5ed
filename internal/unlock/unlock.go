// Package unlock implements the Unlock Manager: enrollment of
// authentication methods and recovery of the Master Secret from
// credentials, namespaced per userId. It never stores MS in cleartext; the
// wrapping/unwrapping primitives themselves live in keyhierarchy, and the
// decision of which key each method derives lives here.
package unlock

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/lukium/kms-enclave/internal/keyhierarchy"
	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/storage"
)

// Method is the closed set of enrollment/unlock protocols.
type Method string

const (
	MethodPassphrase           Method = "passphrase"
	MethodAuthenticatorDerived Method = "authenticator-derived"
	MethodAuthenticatorGate    Method = "authenticator-gate"
)

// authenticatorKEKInfo is the HKDF info string used for authenticator-derived
// key derivation; authenticator-gate reuses it since it has no distinct
// derivation of its own — the authenticator only gates access there, it
// doesn't contribute entropy.
const authenticatorKEKInfo = "KEK-wrap/v1"

const (
	minPassphraseLen  = 8
	passphraseSaltLen = 16
	appSaltLen        = 32
	authOutputLen     = 32
)

// EnrollmentRecord is the persisted shape for one userId/method pair.
// Fields not meaningful for a given method are left zero.
type EnrollmentRecord struct {
	Method Method `json:"method"`
	UserID string `json:"userId"`

	// passphrase
	Salt             []byte `json:"salt,omitempty"`
	IterationCount   int    `json:"iterationCount,omitempty"`
	VerificationHash []byte `json:"verificationHash,omitempty"`

	// authenticator-derived / authenticator-gate
	CredentialID string `json:"credentialId,omitempty"`
	AppSalt      []byte `json:"appSalt,omitempty"`

	WrappedMS []byte `json:"wrappedMs"`
	WrapIV    []byte `json:"wrapIv"`
}

// Credentials is the discriminated union the dispatcher's validators
// produce for any operation requiring unlock. Exactly the fields for
// Method are meaningful.
type Credentials struct {
	Method Method
	UserID string

	Passphrase string

	AuthenticatorOutput []byte
	CredentialID        string

	// AppSalt is only supplied on first setup of authenticator-derived;
	// subsequent unlocks read it back from the stored enrollment record.
	AppSalt []byte
}

// Manager is the Unlock Manager. PBKDF2Iterations is configuration-driven
// so a deployment can raise it over time without a code change.
type Manager struct {
	DB               *storage.DB
	PBKDF2Iterations int
}

// NewManager constructs a Manager. iterations must be positive; callers
// pass the configured PBKDF2 iteration count.
func NewManager(db *storage.DB, iterations int) *Manager {
	return &Manager{DB: db, PBKDF2Iterations: iterations}
}

func enrollmentKey(method Method, userID string) string {
	return fmt.Sprintf("enrollment:%s:%s", method, userID)
}

func parseEnrollmentKey(key string) (Method, string, bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] != "enrollment" {
		return "", "", false
	}
	return Method(parts[1]), parts[2], true
}

func (m *Manager) loadRecord(ctx context.Context, method Method, userID string) (*EnrollmentRecord, error) {
	raw, err := m.DB.Get(ctx, storage.StoreMeta, enrollmentKey(method, userID))
	if err != nil {
		if kmserrors.KindOf(err) == kmserrors.KindNotFound {
			return nil, kmserrors.New(kmserrors.KindNotSetup, fmt.Sprintf("%s not set up for user", method))
		}
		return nil, err
	}
	var rec EnrollmentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInvalidFormat, "decode enrollment record", err)
	}
	return &rec, nil
}

func (m *Manager) storeRecord(ctx context.Context, rec *EnrollmentRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return kmserrors.Wrap(kmserrors.KindInternal, "encode enrollment record", err)
	}
	return m.DB.Put(ctx, storage.StoreMeta, enrollmentKey(rec.Method, rec.UserID), raw)
}

// listAllKeys returns every (method, userId) enrollment key stored,
// regardless of owner — callers filter by userId.
func (m *Manager) listAllKeys(ctx context.Context) ([]string, error) {
	keys, err := m.DB.List(ctx, storage.StoreMeta)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, "enrollment:") {
			out = append(out, k)
		}
	}
	return out, nil
}

// GetEnrollments returns the methods userID has enrolled, in no particular
// order, with no secret material.
func (m *Manager) GetEnrollments(ctx context.Context, userID string) ([]Method, error) {
	keys, err := m.listAllKeys(ctx)
	if err != nil {
		return nil, err
	}
	var out []Method
	for _, k := range keys {
		method, uid, ok := parseEnrollmentKey(k)
		if ok && uid == userID {
			out = append(out, method)
		}
	}
	return out, nil
}

// IsSetup reports whether userID has at least one enrollment.
func (m *Manager) IsSetup(ctx context.Context, userID string) (bool, error) {
	methods, err := m.GetEnrollments(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(methods) > 0, nil
}

// deriveWrappingKey computes the method-specific AES-GCM key from creds
// and (for unlock) the stored record's salts.
func deriveWrappingKey(creds Credentials, rec *EnrollmentRecord) ([]byte, error) {
	switch creds.Method {
	case MethodPassphrase:
		if len(creds.Passphrase) < minPassphraseLen {
			return nil, kmserrors.New(kmserrors.KindPassphraseTooShort, "passphrase must be at least 8 characters")
		}
		derived := pbkdf2.Key([]byte(creds.Passphrase), rec.Salt, rec.IterationCount, 64, sha256.New)
		return derived[:32], nil
	case MethodAuthenticatorDerived:
		if len(creds.AuthenticatorOutput) != authOutputLen {
			return nil, kmserrors.New(kmserrors.KindInvalidParam, "authenticator output must be 32 bytes")
		}
		return hkdfKey(creds.AuthenticatorOutput, rec.AppSalt, authenticatorKEKInfo)
	case MethodAuthenticatorGate:
		salt := sha256.Sum256([]byte(rec.CredentialID))
		return hkdfKey(salt[:], salt[:], authenticatorKEKInfo)
	default:
		return nil, kmserrors.New(kmserrors.KindInvalidParam, "unknown enrollment method")
	}
}

func hkdfKey(secret, salt []byte, info string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInternal, "derive authenticator wrapping key", err)
	}
	return key, nil
}

func passphraseVerificationHash(passphrase string, salt []byte, iterations int) []byte {
	derived := pbkdf2.Key([]byte(passphrase), salt, iterations, 64, sha256.New)
	sum := sha256.Sum256(derived)
	return sum[:]
}

// setup creates rec for (method, userID) wrapping ms under the
// method-specific key derived from setupCreds, and persists it. Used by
// both first-time Setup* calls and AddEnrollment.
func (m *Manager) setup(ctx context.Context, ms *keyhierarchy.MS, setupCreds Credentials) error {
	rec := &EnrollmentRecord{Method: setupCreds.Method, UserID: setupCreds.UserID}

	var wrapKey []byte
	switch setupCreds.Method {
	case MethodPassphrase:
		if len(setupCreds.Passphrase) < minPassphraseLen {
			return kmserrors.New(kmserrors.KindPassphraseTooShort, "passphrase must be at least 8 characters")
		}
		salt, err := keyhierarchy.RandomSalt(passphraseSaltLen)
		if err != nil {
			return err
		}
		rec.Salt = salt
		rec.IterationCount = m.PBKDF2Iterations
		rec.VerificationHash = passphraseVerificationHash(setupCreds.Passphrase, salt, m.PBKDF2Iterations)
		derived := pbkdf2.Key([]byte(setupCreds.Passphrase), salt, m.PBKDF2Iterations, 64, sha256.New)
		wrapKey = derived[:32]
	case MethodAuthenticatorDerived:
		if len(setupCreds.AuthenticatorOutput) != authOutputLen {
			return kmserrors.New(kmserrors.KindInvalidParam, "authenticator output must be 32 bytes")
		}
		if len(setupCreds.AppSalt) != appSaltLen {
			return kmserrors.New(kmserrors.KindInvalidParam, "app salt must be 32 bytes")
		}
		rec.CredentialID = setupCreds.CredentialID
		rec.AppSalt = setupCreds.AppSalt
		key, err := hkdfKey(setupCreds.AuthenticatorOutput, setupCreds.AppSalt, authenticatorKEKInfo)
		if err != nil {
			return err
		}
		wrapKey = key
	case MethodAuthenticatorGate:
		if setupCreds.CredentialID == "" {
			return kmserrors.New(kmserrors.KindInvalidParam, "credential identifier is required")
		}
		rec.CredentialID = setupCreds.CredentialID
		salt := sha256.Sum256([]byte(setupCreds.CredentialID))
		key, err := hkdfKey(salt[:], salt[:], authenticatorKEKInfo)
		if err != nil {
			return err
		}
		wrapKey = key
	default:
		return kmserrors.New(kmserrors.KindInvalidParam, "unknown enrollment method")
	}

	ad := []byte(enrollmentKey(rec.Method, rec.UserID))
	var wrapErr error
	err := keyhierarchy.WithUnlock(ms, func(raw []byte) error {
		ciphertext, iv, err := keyhierarchy.WrapAESGCM(wrapKey, raw, ad)
		if err != nil {
			wrapErr = err
			return err
		}
		rec.WrappedMS = ciphertext
		rec.WrapIV = iv
		return nil
	})
	if err != nil {
		return err
	}
	if wrapErr != nil {
		return wrapErr
	}
	return m.storeRecord(ctx, rec)
}

// Setup performs first-time enrollment for userID: there must be no
// existing enrollment of any method for this user. It generates a fresh
// Master Secret and returns it sealed, ready for immediate use (e.g. by
// generateSigningKey in the same composite call).
func (m *Manager) Setup(ctx context.Context, creds Credentials) (*keyhierarchy.MS, error) {
	existing, err := m.GetEnrollments(ctx, creds.UserID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, kmserrors.New(kmserrors.KindAlreadySetup, fmt.Sprintf("user %s already has enrollments; use addEnrollment", creds.UserID))
	}

	ms, err := keyhierarchy.GenerateMS()
	if err != nil {
		return nil, err
	}
	if err := m.setup(ctx, ms, creds); err != nil {
		ms.Destroy()
		return nil, err
	}
	return ms, nil
}

// AddEnrollment recovers MS via existingCreds and wraps it under
// newMethodCreds, adding a new enrollment for the same user (spec: "On
// subsequent addEnrollment, recover MS via an existing enrollment, then
// wrap it under the new method's wrapping key").
func (m *Manager) AddEnrollment(ctx context.Context, existingCreds, newMethodCreds Credentials) (*keyhierarchy.MS, error) {
	if existingCreds.UserID != newMethodCreds.UserID {
		return nil, kmserrors.New(kmserrors.KindInvalidParam, "enrollment methods must share the same userId")
	}
	if _, err := m.loadRecord(ctx, newMethodCreds.Method, newMethodCreds.UserID); err == nil {
		return nil, kmserrors.New(kmserrors.KindAlreadySetup, fmt.Sprintf("%s already set up for user", newMethodCreds.Method))
	} else if kmserrors.KindOf(err) != kmserrors.KindNotSetup {
		return nil, err
	}

	ms, err := m.Unlock(ctx, existingCreds)
	if err != nil {
		return nil, err
	}
	if err := m.setup(ctx, ms, newMethodCreds); err != nil {
		return nil, err
	}
	return ms, nil
}

// Unlock recovers the Master Secret for creds.UserID via creds.Method,
// failing with incorrect-credential on any wrong secret (passphrase
// mismatch or authenticator-output mismatch), and not-setup if the method
// was never enrolled for this user. Namespace isolation falls out
// naturally: a credential for user "b" simply cannot name user "a"'s
// enrollment record.
func (m *Manager) Unlock(ctx context.Context, creds Credentials) (*keyhierarchy.MS, error) {
	rec, err := m.loadRecord(ctx, creds.Method, creds.UserID)
	if err != nil {
		return nil, err
	}

	if creds.Method == MethodPassphrase {
		if len(creds.Passphrase) < minPassphraseLen {
			return nil, kmserrors.New(kmserrors.KindPassphraseTooShort, "passphrase must be at least 8 characters")
		}
		gotHash := passphraseVerificationHash(creds.Passphrase, rec.Salt, rec.IterationCount)
		if subtle.ConstantTimeCompare(gotHash, rec.VerificationHash) != 1 {
			return nil, kmserrors.New(kmserrors.KindIncorrectCredential, "incorrect passphrase")
		}
	}

	wrapKey, err := deriveWrappingKey(creds, rec)
	if err != nil {
		return nil, err
	}

	ad := []byte(enrollmentKey(rec.Method, rec.UserID))
	raw, err := keyhierarchy.UnwrapAESGCM(wrapKey, rec.WrappedMS, rec.WrapIV, ad)
	if err != nil {
		return nil, kmserrors.New(kmserrors.KindIncorrectCredential, "credentials did not unwrap master secret")
	}
	return keyhierarchy.NewMS(raw)
}

// RemoveEnrollment deletes the (method, userID) enrollment after verifying
// creds unlock some enrollment belonging to userID. Fails with
// cannot-remove-last if this is the user's only enrollment.
func (m *Manager) RemoveEnrollment(ctx context.Context, method Method, creds Credentials) error {
	if creds.UserID == "" {
		return kmserrors.New(kmserrors.KindInvalidParam, "userId is required")
	}
	existing, err := m.GetEnrollments(ctx, creds.UserID)
	if err != nil {
		return err
	}
	if len(existing) <= 1 {
		return kmserrors.New(kmserrors.KindCannotRemoveLast, "cannot remove the last remaining enrollment")
	}

	ms, err := m.Unlock(ctx, creds)
	if err != nil {
		return err
	}
	ms.Destroy()

	if _, err := m.loadRecord(ctx, method, creds.UserID); err != nil {
		return err
	}
	return m.DB.Delete(ctx, storage.StoreMeta, enrollmentKey(method, creds.UserID))
}
