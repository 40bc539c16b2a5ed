// Package audit implements the tamper-evident, hash-chained audit log:
// canonical entry serialization, a three-tier Ed25519 signer hierarchy
// (system / user / lease) connected by delegation certificates,
// transactional gap-free appends, and full-chain verification.
package audit

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/hdevalence/ed25519consensus"

	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/primitives"
	"github.com/lukium/kms-enclave/internal/storage"
)

// Role is the closed set of audit signer tiers.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleLease  Role = "lease"
)

// userDelegationValidity bounds how long a user delegation certificate is
// considered current; it is a generous default that outlives any realistic
// lease (the longest lease TTL allowed is 720h).
const (
	userDelegationValidity = 10 * 365 * 24 * time.Hour
	// AutoExtendWindow is the window granted on each lease extension: the
	// lease manager sets an extended lease's expiry to now plus this
	// window, for auto-extend and authenticated extensions alike.
	AutoExtendWindow = 30 * 24 * time.Hour
)

const (
	systemSeedKey       = "audit-system-private"
	userSeedKeyPrefix   = "audit-user-private:"
	leaseSeedKeyPrefix  = "audit-lease-private:"
	systemPubMetaKey    = "audit.system.publicKey"
	userPubMetaKeyFmt   = "audit.user.%s.publicKey"
)

func userSeedKey(userID string) string  { return userSeedKeyPrefix + userID }
func leaseSeedKey(leaseID string) string { return leaseSeedKeyPrefix + leaseID }
func userPubMetaKey(userID string) string { return fmt.Sprintf(userPubMetaKeyFmt, userID) }

// Entry is the persisted and canonically-hashed shape of one audit record.
type Entry struct {
	Seq          int64                  `json:"seq"`
	Op           string                 `json:"op"`
	Role         Role                   `json:"role"`
	SignerKeyID  string                 `json:"signerKeyId"`
	PreviousHash string                 `json:"previousHash"`
	ChainHash    string                 `json:"chainHash"`
	Signature    string                 `json:"signature"`
	Timestamp    int64                  `json:"timestamp"`
	RequestID    string                 `json:"requestId"`
	UserID       string                 `json:"userId,omitempty"`
	KeyID        string                 `json:"keyId,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// canonicalMap builds the field set that is hashed: everything except
// chain-hash and signature themselves, since the hash cannot be an input
// to its own computation. encoding/json sorts map keys alphabetically and
// emits no whitespace, giving a fixed, whitespace-free field order any
// external verifier can reproduce independently.
func canonicalMap(e *Entry) map[string]interface{} {
	m := map[string]interface{}{
		"seq":          e.Seq,
		"op":           e.Op,
		"role":         string(e.Role),
		"signerKeyId":  e.SignerKeyID,
		"previousHash": e.PreviousHash,
		"timestamp":    e.Timestamp,
		"requestId":    e.RequestID,
	}
	if e.UserID != "" {
		m["userId"] = e.UserID
	}
	if e.KeyID != "" {
		m["keyId"] = e.KeyID
	}
	if len(e.Details) > 0 {
		m["details"] = e.Details
	}
	return m
}

func canonicalBytes(e *Entry) ([]byte, error) {
	b, err := json.Marshal(canonicalMap(e))
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInternal, "canonicalize audit entry", err)
	}
	return b, nil
}

func computeChainHash(e *Entry) (string, error) {
	b, err := canonicalBytes(e)
	if err != nil {
		return "", err
	}
	return hashToB64(b), nil
}

// signingHandle is a memguard-sealed Ed25519 private key, mirroring
// keyprovider's non-extractability discipline for the P-256 signing key:
// the seed exists in cleartext only for the duration of a sign operation.
type signingHandle struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
}

func newSigningHandle(seed []byte) *signingHandle {
	buf := memguard.NewBufferFromBytes(append([]byte(nil), seed...))
	return &signingHandle{enclave: buf.Seal()}
}

func generateSigningHandle() (*signingHandle, ed25519.PublicKey, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, kmserrors.Wrap(kmserrors.KindInternal, "generate ed25519 audit key", err)
	}
	seed := priv.Seed()
	h := newSigningHandle(seed)
	seedCopy := append([]byte(nil), seed...)
	return h, pub, seedCopy, nil
}

func (h *signingHandle) sign(message []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, err := h.enclave.Open()
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInternal, "open audit signing enclave", err)
	}
	defer buf.Destroy()
	priv := ed25519.NewKeyFromSeed(buf.Bytes())
	return ed25519.Sign(priv, message), nil
}

// auditKeyID is the identifier embedded in Entry.SignerKeyID: the raw
// Ed25519 public key, base64url-encoded. It doubles as the lookup key for
// delegation bookkeeping during verification.
func auditKeyID(pub ed25519.PublicKey) string {
	return primitives.B64URLEncode(pub)
}

// Log is the Audit Log manager. It owns the system audit key for the
// process lifetime and lazily loads/caches user and lease audit keys.
type Log struct {
	db *storage.DB

	mu        sync.Mutex
	system    *signingHandle
	systemPub ed25519.PublicKey

	users    map[string]*signingHandle
	usersPub map[string]ed25519.PublicKey

	leases    map[string]*signingHandle
	leasesPub map[string]ed25519.PublicKey
}

// Open loads the existing system audit key, or bootstraps one plus the
// anchor seq-1 `init` entry if the audit log is empty. That first entry's
// existence, together with the system public key stored alongside it,
// anchors the whole chain — every later entry's PreviousHash traces back
// to it.
func Open(ctx context.Context, db *storage.DB) (*Log, error) {
	l := &Log{
		db:        db,
		users:     map[string]*signingHandle{},
		usersPub:  map[string]ed25519.PublicKey{},
		leases:    map[string]*signingHandle{},
		leasesPub: map[string]ed25519.PublicKey{},
	}

	seed, err := db.Get(ctx, storage.StoreKeys, systemSeedKey)
	if err != nil {
		if kmserrors.KindOf(err) != kmserrors.KindNotFound {
			return nil, err
		}
		if err := l.bootstrap(ctx); err != nil {
			return nil, err
		}
		return l, nil
	}
	if len(seed) != ed25519.SeedSize {
		return nil, kmserrors.New(kmserrors.KindInvalidFormat, "stored system audit seed has wrong length")
	}
	l.system = newSigningHandle(seed)
	l.systemPub = ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	return l, nil
}

func (l *Log) bootstrap(ctx context.Context) error {
	handle, pub, seed, err := generateSigningHandle()
	if err != nil {
		return err
	}
	if err := l.db.Put(ctx, storage.StoreKeys, systemSeedKey, seed); err != nil {
		return err
	}
	if err := l.db.Put(ctx, storage.StoreMeta, systemPubMetaKey, []byte(pub)); err != nil {
		return err
	}
	l.system = handle
	l.systemPub = pub

	_, err = l.append(ctx, RoleSystem, handle, pub, "init", "", "", "init", nil, nil)
	return err
}

// append is the single chokepoint every public Append* method funnels
// through: it reads the tail under a lock, builds the canonical entry for
// the freshly-assigned sequence number, signs its chain-hash, and commits
// it transactionally alongside mutate's triggering write.
func (l *Log) append(ctx context.Context, role Role, signer *signingHandle, signerPub ed25519.PublicKey, op, userID, keyID, requestID string, details map[string]interface{}, mutate func(tx *storage.Tx, seq int64) error) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := ""
	maxSeq, err := l.db.MaxAuditSeq(ctx)
	if err != nil {
		return nil, err
	}
	if maxSeq > 0 {
		prevRaw, err := l.db.GetAudit(ctx, maxSeq)
		if err != nil {
			return nil, err
		}
		var prev Entry
		if err := json.Unmarshal(prevRaw, &prev); err != nil {
			return nil, kmserrors.Wrap(kmserrors.KindInvalidFormat, "decode previous audit entry", err)
		}
		prevHash = prev.ChainHash
	}

	var entry *Entry
	_, err = l.db.AppendAudit(ctx, func(seq int64) ([]byte, error) {
		e := &Entry{
			Seq:          seq,
			Op:           op,
			Role:         role,
			SignerKeyID:  auditKeyID(signerPub),
			PreviousHash: prevHash,
			Timestamp:    time.Now().Unix(),
			RequestID:    requestID,
			UserID:       userID,
			KeyID:        keyID,
			Details:      details,
		}
		chainHash, err := computeChainHash(e)
		if err != nil {
			return nil, err
		}
		e.ChainHash = chainHash
		sig, err := signer.sign([]byte(chainHash))
		if err != nil {
			return nil, err
		}
		e.Signature = primitives.B64URLEncode(sig)
		entry = e
		return json.Marshal(e)
	}, mutate)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// AppendSystem records an entry signed by the system audit key.
func (l *Log) AppendSystem(ctx context.Context, op, userID, keyID, requestID string, details map[string]interface{}, mutate func(tx *storage.Tx, seq int64) error) (*Entry, error) {
	return l.append(ctx, RoleSystem, l.system, l.systemPub, op, userID, keyID, requestID, details, mutate)
}

// EnrollUserAuditKey generates (or, if already present, reuses) userID's
// Ed25519 user audit key, records a system-signed delegation entry, and
// returns the resulting public key. Idempotent so composite flows like
// fullSetup can call it unconditionally.
func (l *Log) EnrollUserAuditKey(ctx context.Context, userID, requestID string) (ed25519.PublicKey, error) {
	if pub, err := l.loadUserPublicKey(ctx, userID); err == nil {
		return pub, nil
	} else if kmserrors.KindOf(err) != kmserrors.KindNotFound {
		return nil, err
	}

	handle, pub, seed, err := generateSigningHandle()
	if err != nil {
		return nil, err
	}

	notBefore := time.Now().Unix()
	notAfter := time.Now().Add(userDelegationValidity).Unix()
	certBytes, err := json.Marshal(map[string]interface{}{
		"notAfter":            notAfter,
		"notBefore":           notBefore,
		"userAuditPublicKey":  primitives.B64URLEncode(pub),
	})
	if err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInternal, "canonicalize user delegation certificate", err)
	}
	sig, err := l.system.sign(certBytes)
	if err != nil {
		return nil, err
	}

	if err := l.db.Put(ctx, storage.StoreKeys, userSeedKey(userID), seed); err != nil {
		return nil, err
	}
	if err := l.db.Put(ctx, storage.StoreMeta, userPubMetaKey(userID), []byte(pub)); err != nil {
		return nil, err
	}

	details := map[string]interface{}{
		"userAuditPublicKey": primitives.B64URLEncode(pub),
		"notBefore":          notBefore,
		"notAfter":           notAfter,
		"certificate":        primitives.B64URLEncode(sig),
	}
	if _, err := l.AppendSystem(ctx, "enroll-user-audit-key", userID, "", requestID, details, nil); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.users[userID] = handle
	l.usersPub[userID] = pub
	l.mu.Unlock()
	return pub, nil
}

func (l *Log) loadUserPublicKey(ctx context.Context, userID string) (ed25519.PublicKey, error) {
	l.mu.Lock()
	if pub, ok := l.usersPub[userID]; ok {
		l.mu.Unlock()
		return pub, nil
	}
	l.mu.Unlock()

	raw, err := l.db.Get(ctx, storage.StoreMeta, userPubMetaKey(userID))
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

func (l *Log) loadUserHandle(ctx context.Context, userID string) (*signingHandle, ed25519.PublicKey, error) {
	l.mu.Lock()
	if h, ok := l.users[userID]; ok {
		pub := l.usersPub[userID]
		l.mu.Unlock()
		return h, pub, nil
	}
	l.mu.Unlock()

	seed, err := l.db.Get(ctx, storage.StoreKeys, userSeedKey(userID))
	if err != nil {
		if kmserrors.KindOf(err) == kmserrors.KindNotFound {
			return nil, nil, kmserrors.New(kmserrors.KindNotSetup, "no user audit key for user")
		}
		return nil, nil, err
	}
	pub, err := l.loadUserPublicKey(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	h := newSigningHandle(seed)

	l.mu.Lock()
	l.users[userID] = h
	l.usersPub[userID] = pub
	l.mu.Unlock()
	return h, pub, nil
}

// AppendUser records an entry signed by userID's user audit key (spec:
// role=user entries — e.g. non-auto-extend lease extension, revocation).
func (l *Log) AppendUser(ctx context.Context, userID, op, keyID, requestID string, details map[string]interface{}, mutate func(tx *storage.Tx, seq int64) error) (*Entry, error) {
	handle, pub, err := l.loadUserHandle(ctx, userID)
	if err != nil {
		return nil, err
	}
	return l.append(ctx, RoleUser, handle, pub, op, userID, keyID, requestID, details, mutate)
}

// IssueLeaseAuditKey generates a lease audit key, delegates it via userID's
// user audit key, persists its seed, and records the delegating
// `issueLease` entry under the user signer role.
func (l *Log) IssueLeaseAuditKey(ctx context.Context, userID, leaseID, keyID, requestID string, issuedAt, expiresAt int64, mutate func(tx *storage.Tx, seq int64) error) (ed25519.PublicKey, *Entry, error) {
	userHandle, _, err := l.loadUserHandle(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	handle, pub, seed, err := generateSigningHandle()
	if err != nil {
		return nil, nil, err
	}
	certBytes, err := json.Marshal(map[string]interface{}{
		"expiresAt":           expiresAt,
		"issuedAt":            issuedAt,
		"keyId":               keyID,
		"leaseAuditPublicKey": primitives.B64URLEncode(pub),
		"leaseId":             leaseID,
	})
	if err != nil {
		return nil, nil, kmserrors.Wrap(kmserrors.KindInternal, "canonicalize lease delegation certificate", err)
	}
	sig, err := userHandle.sign(certBytes)
	if err != nil {
		return nil, nil, err
	}

	if err := l.db.Put(ctx, storage.StoreKeys, leaseSeedKey(leaseID), seed); err != nil {
		return nil, nil, err
	}

	details := map[string]interface{}{
		"leaseId":             leaseID,
		"keyId":               keyID,
		"leaseAuditPublicKey": primitives.B64URLEncode(pub),
		"issuedAt":            issuedAt,
		"expiresAt":           expiresAt,
		"certificate":         primitives.B64URLEncode(sig),
	}
	entry, err := l.AppendUser(ctx, userID, "issueLease", keyID, requestID, details, mutate)
	if err != nil {
		return nil, nil, err
	}

	l.mu.Lock()
	l.leases[leaseID] = handle
	l.leasesPub[leaseID] = pub
	l.mu.Unlock()
	return pub, entry, nil
}

func (l *Log) loadLeaseHandle(ctx context.Context, leaseID string) (*signingHandle, ed25519.PublicKey, error) {
	l.mu.Lock()
	if h, ok := l.leases[leaseID]; ok {
		pub := l.leasesPub[leaseID]
		l.mu.Unlock()
		return h, pub, nil
	}
	l.mu.Unlock()

	seed, err := l.db.Get(ctx, storage.StoreKeys, leaseSeedKey(leaseID))
	if err != nil {
		if kmserrors.KindOf(err) == kmserrors.KindNotFound {
			return nil, nil, kmserrors.New(kmserrors.KindNotSetup, "no lease audit key for lease")
		}
		return nil, nil, err
	}
	h := newSigningHandle(seed)
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)

	l.mu.Lock()
	l.leases[leaseID] = h
	l.leasesPub[leaseID] = pub
	l.mu.Unlock()
	return h, pub, nil
}

// AppendLease records an entry signed by leaseID's lease audit key (spec:
// role=lease — offline `sign` ops, auto-extend `extendLease`).
func (l *Log) AppendLease(ctx context.Context, leaseID, op, userID, keyID, requestID string, details map[string]interface{}, mutate func(tx *storage.Tx, seq int64) error) (*Entry, error) {
	handle, pub, err := l.loadLeaseHandle(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	return l.append(ctx, RoleLease, handle, pub, op, userID, keyID, requestID, details, mutate)
}

// DropLeaseKey forgets a revoked lease's cached audit key. The persisted
// seed is left untouched. Verifying the lease's past chain entries does not
// need it: VerifyChain reads each entry's public key from its SignerKeyID.
func (l *Log) DropLeaseKey(leaseID string) {
	l.mu.Lock()
	delete(l.leases, leaseID)
	delete(l.leasesPub, leaseID)
	l.mu.Unlock()
}

// SystemPublicKey returns the process's system audit public key.
func (l *Log) SystemPublicKey() ed25519.PublicKey {
	return l.systemPub
}

// Entries returns every audit entry currently present, in ascending
// sequence order. Gaps left by a deleted entry (tamper scenarios) are
// simply absent from the result; VerifyChain, not Entries, is what detects
// them.
func (l *Log) Entries(ctx context.Context) ([]*Entry, error) {
	seqs, err := l.db.ListAuditSeqs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(seqs))
	for _, seq := range seqs {
		raw, err := l.db.GetAudit(ctx, seq)
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, kmserrors.Wrap(kmserrors.KindInvalidFormat, "decode audit entry", err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// hashToB64 is the one place that names the hash algorithm backing
// chain-hash, so swapping it remains a one-line change.
func hashToB64(b []byte) string {
	sum := sha256.Sum256(b)
	return primitives.B64URLEncode(sum[:])
}
