// Package lease implements the lease manager: bounded offline-signing
// grants with their own Session KEK, delegated audit key, in-memory quota
// enforcement, and auto-extend / authenticated extension semantics.
package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lukium/kms-enclave/internal/audit"
	"github.com/lukium/kms-enclave/internal/clock"
	"github.com/lukium/kms-enclave/internal/endpoint"
	"github.com/lukium/kms-enclave/internal/keyhierarchy"
	"github.com/lukium/kms-enclave/internal/keyprovider"
	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/signer"
	"github.com/lukium/kms-enclave/internal/storage"
	"github.com/lukium/kms-enclave/internal/unlock"
)

const (
	minTTLHours = 1
	maxTTLHours = 720

	tokensPerHour          = 100
	burstCapacity          = 20.0
	sendsPerMinuteSustained = 10.0
	endpointSendsPerMinute = 5
)

// endpointWindow is a fixed one-minute counter for one endpoint
// identifier, capping sends to that endpoint regardless of the lease's
// overall hourly quota.
type endpointWindow struct {
	Count   int64 `json:"count"`
	ResetAt int64 `json:"resetAt"`
}

// QuotaState is the persisted in-memory-enforced quota bookkeeping.
// BurstRemaining is a token bucket: capacity 20, refilled
// at a sustained rate of 10 per minute, modeling both "10 sends per
// rolling minute sustained" and "burst bucket of size 20" as one
// mechanism.
type QuotaState struct {
	TokensIssuedThisHour int64                      `json:"tokensIssuedThisHour"`
	HourResetAt          int64                      `json:"hourResetAt"`
	BurstRemaining       float64                    `json:"burstRemaining"`
	LastRefillAt         int64                      `json:"lastRefillAt"`
	PerEndpoint          map[string]*endpointWindow `json:"perEndpoint,omitempty"`
}

// Record is the persisted Lease; the Session KEK is deliberately excluded
// and lives only in Manager's in-memory cache.
type Record struct {
	LeaseID    string     `json:"leaseId"`
	UserID     string     `json:"userId"`
	TTLHours   int        `json:"ttlHours"`
	CreatedAt  int64      `json:"createdAt"`
	ExpiresAt  int64      `json:"expiresAt"`
	WrappedKey []byte     `json:"wrappedKey"`
	WrapIV     []byte     `json:"wrapIv"`
	LeaseSalt  []byte     `json:"leaseSalt"`
	KeyID      string     `json:"keyId"`
	AutoExtend bool       `json:"autoExtend"`
	Quota      QuotaState `json:"quota"`
}

// Manager is the Lease Manager. It depends on unlock (to recover MS during
// issuance and authenticated extension), audit (delegated lease audit
// keys, role=lease/role=user entries), and the keyprovider used to
// re-import a lease-scoped private key for offline signing.
type Manager struct {
	db       *storage.DB
	unlock   *unlock.Manager
	audit    *audit.Log
	provider *keyprovider.Provider
	clock    clock.Clock

	mu         sync.Mutex
	sessionKEK map[string][]byte
	leaseLocks map[string]*sync.Mutex
}

// NewManager constructs a Manager.
func NewManager(db *storage.DB, unlockMgr *unlock.Manager, auditLog *audit.Log, provider *keyprovider.Provider, clk clock.Clock) *Manager {
	return &Manager{
		db:         db,
		unlock:     unlockMgr,
		audit:      auditLog,
		provider:   provider,
		clock:      clk,
		sessionKEK: map[string][]byte{},
		leaseLocks: map[string]*sync.Mutex{},
	}
}

func leaseKey(leaseID string) string { return "lease:" + leaseID }

func leaseAssociatedData(leaseID string) []byte { return []byte("lease:" + leaseID) }

func (m *Manager) lockFor(leaseID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.leaseLocks[leaseID]
	if !ok {
		mu = &sync.Mutex{}
		m.leaseLocks[leaseID] = mu
	}
	return mu
}

func (m *Manager) loadRecord(ctx context.Context, leaseID string) (*Record, error) {
	raw, err := m.db.Get(ctx, storage.StoreLeases, leaseKey(leaseID))
	if err != nil {
		if kmserrors.KindOf(err) == kmserrors.KindNotFound {
			return nil, kmserrors.New(kmserrors.KindNotFound, "lease does not exist")
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindInvalidFormat, "decode lease record", err)
	}
	return &rec, nil
}

func saveRecordTx(tx *storage.Tx, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return kmserrors.Wrap(kmserrors.KindInternal, "encode lease record", err)
	}
	return tx.Put(storage.StoreLeases, leaseKey(rec.LeaseID), raw)
}

// Issue runs the four-step issuance sequence: recover MS under withUnlock,
// derive a Session KEK and rewrap the user's current signing key under it,
// mint a delegated lease audit key, then persist the lease record
// (excluding the Session KEK, which is cached in memory) and record the
// delegating audit entry.
func (m *Manager) Issue(ctx context.Context, creds unlock.Credentials, ttlHours int, autoExtend bool, requestID string) (*Record, error) {
	if ttlHours < minTTLHours || ttlHours > maxTTLHours {
		return nil, kmserrors.New(kmserrors.KindInvalidParam, fmt.Sprintf("ttlHours must be between %d and %d", minTTLHours, maxTTLHours))
	}

	keyRecord, err := signer.Load(ctx, m.db, creds.UserID)
	if err != nil {
		return nil, err
	}

	ms, err := m.unlock.Unlock(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer ms.Destroy()

	leaseSalt, err := keyhierarchy.RandomSalt(keyhierarchy.SaltSize)
	if err != nil {
		return nil, err
	}
	leaseID := uuid.NewString()

	var sessionKEK, wrappedKey, wrapIV []byte
	err = keyhierarchy.WithUnlock(ms, func(raw []byte) error {
		kek, err := keyhierarchy.DeriveKEK(raw, leaseSalt, keyhierarchy.SessionKEKInfo)
		if err != nil {
			return err
		}
		plaintext, err := signer.UnwrapPrivateKeyRaw(raw, keyRecord)
		if err != nil {
			return err
		}
		defer keyprovider.ZeroBytes(plaintext)
		ciphertext, iv, err := keyhierarchy.WrapAESGCM(kek, plaintext, leaseAssociatedData(leaseID))
		if err != nil {
			return err
		}
		sessionKEK, wrappedKey, wrapIV = kek, ciphertext, iv
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := m.audit.EnrollUserAuditKey(ctx, creds.UserID, requestID); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	createdAt := now.Unix()
	expiresAt := now.Add(time.Duration(ttlHours) * time.Hour).Unix()

	rec := &Record{
		LeaseID:    leaseID,
		UserID:     creds.UserID,
		TTLHours:   ttlHours,
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
		WrappedKey: wrappedKey,
		WrapIV:     wrapIV,
		LeaseSalt:  leaseSalt,
		KeyID:      keyRecord.KeyID,
		AutoExtend: autoExtend,
		Quota: QuotaState{
			HourResetAt:    now.Add(time.Hour).Unix(),
			BurstRemaining: burstCapacity,
			LastRefillAt:   now.Unix(),
		},
	}

	if _, _, err := m.audit.IssueLeaseAuditKey(ctx, creds.UserID, leaseID, keyRecord.KeyID, requestID, createdAt, expiresAt, func(tx *storage.Tx, seq int64) error {
		return saveRecordTx(tx, rec)
	}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessionKEK[leaseID] = sessionKEK
	m.mu.Unlock()

	return rec, nil
}

// debitQuota validates all three counters against state as of now, and
// only mutates state once every check has passed (spec: "Debits are
// checked then applied atomically"). endpointID may be empty when the
// caller has no endpoint to attribute the send to.
func debitQuota(state *QuotaState, now time.Time, tokenCount int, endpointID string) error {
	hourReset := state.HourResetAt
	tokensThisHour := state.TokensIssuedThisHour
	if hourReset == 0 || now.Unix() >= hourReset {
		tokensThisHour = 0
		hourReset = now.Add(time.Hour).Unix()
	}
	if tokensThisHour+int64(tokenCount) > tokensPerHour {
		return kmserrors.New(kmserrors.KindQuotaExceeded, "rolling-hour token quota exceeded")
	}
	tokensThisHour += int64(tokenCount)

	lastRefill := state.LastRefillAt
	if lastRefill == 0 {
		lastRefill = now.Unix()
	}
	burst := state.BurstRemaining
	if elapsed := now.Sub(time.Unix(lastRefill, 0)); elapsed > 0 {
		burst += elapsed.Minutes() * sendsPerMinuteSustained
		if burst > burstCapacity {
			burst = burstCapacity
		}
	}
	if burst < 1 {
		return kmserrors.New(kmserrors.KindQuotaExceeded, "send rate limit exceeded")
	}
	burst--

	var endpointCount, endpointReset int64
	if endpointID != "" {
		endpointReset = now.Add(time.Minute).Unix()
		if pe, ok := state.PerEndpoint[endpointID]; ok {
			endpointCount, endpointReset = pe.Count, pe.ResetAt
			if now.Unix() >= endpointReset {
				endpointCount = 0
				endpointReset = now.Add(time.Minute).Unix()
			}
		}
		if endpointCount+1 > endpointSendsPerMinute {
			return kmserrors.New(kmserrors.KindQuotaExceeded, "per-endpoint send rate limit exceeded")
		}
		endpointCount++
	}

	state.TokensIssuedThisHour = tokensThisHour
	state.HourResetAt = hourReset
	state.BurstRemaining = burst
	state.LastRefillAt = now.Unix()
	if endpointID != "" {
		if state.PerEndpoint == nil {
			state.PerEndpoint = map[string]*endpointWindow{}
		}
		state.PerEndpoint[endpointID] = &endpointWindow{Count: endpointCount, ResetAt: endpointReset}
	}
	return nil
}

// prepareSign loads the lease and its cached Session KEK, verifying expiry
// and key-identifier match before any signing occurs.
func (m *Manager) prepareSign(ctx context.Context, leaseID string, now time.Time) (*Record, []byte, error) {
	rec, err := m.loadRecord(ctx, leaseID)
	if err != nil {
		return nil, nil, err
	}
	if now.Unix() >= rec.ExpiresAt {
		return nil, nil, kmserrors.New(kmserrors.KindExpired, "lease has expired")
	}

	currentKey, err := signer.Load(ctx, m.db, rec.UserID)
	if err != nil {
		return nil, nil, err
	}
	if currentKey.KeyID != rec.KeyID {
		return nil, nil, kmserrors.New(kmserrors.KindWrongKey, "lease was issued against a signing key that no longer exists")
	}

	m.mu.Lock()
	kek, ok := m.sessionKEK[leaseID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, kmserrors.New(kmserrors.KindNotSetup, "lease's Session KEK is not cached; a fresh unlock is required")
	}
	return rec, kek, nil
}

func (m *Manager) handleForLease(rec *Record, kek []byte) (*keyprovider.Handle, error) {
	plaintext, err := keyhierarchy.UnwrapAESGCM(kek, rec.WrappedKey, rec.WrapIV, leaseAssociatedData(rec.LeaseID))
	if err != nil {
		return nil, err
	}
	defer keyprovider.ZeroBytes(plaintext)
	return m.provider.Import(plaintext)
}

// Sign issues a single token from leaseID's offline-signing material (spec
// §4.7 "Offline signing" + §4.6 "Single issuance").
func (m *Manager) Sign(ctx context.Context, leaseID, aud, sub, endpointID, requestID string, binding *endpoint.Binding) (string, error) {
	lock := m.lockFor(leaseID)
	lock.Lock()
	defer lock.Unlock()

	now := m.clock.Now()
	rec, kek, err := m.prepareSign(ctx, leaseID, now)
	if err != nil {
		return "", err
	}
	if err := debitQuota(&rec.Quota, now, 1, endpointID); err != nil {
		return "", err
	}

	handle, err := m.handleForLease(rec, kek)
	if err != nil {
		return "", err
	}
	tok, err := signer.Issue(handle, aud, sub, binding, now)
	if err != nil {
		return "", err
	}

	if _, err := m.audit.AppendLease(ctx, leaseID, "sign", rec.UserID, rec.KeyID, requestID, map[string]interface{}{"aud": aud, "sub": sub}, func(tx *storage.Tx, seq int64) error {
		return saveRecordTx(tx, rec)
	}); err != nil {
		return "", err
	}
	return tok, nil
}

// SignBatch issues count (1..10) staggered tokens, debiting the quota by
// count atomically.
func (m *Manager) SignBatch(ctx context.Context, leaseID, aud, sub, endpointID string, count int, requestID string, binding *endpoint.Binding) ([]string, error) {
	lock := m.lockFor(leaseID)
	lock.Lock()
	defer lock.Unlock()

	now := m.clock.Now()
	rec, kek, err := m.prepareSign(ctx, leaseID, now)
	if err != nil {
		return nil, err
	}
	if err := debitQuota(&rec.Quota, now, count, endpointID); err != nil {
		return nil, err
	}

	handle, err := m.handleForLease(rec, kek)
	if err != nil {
		return nil, err
	}
	tokens, err := signer.IssueBatch(handle, aud, sub, binding, count, now)
	if err != nil {
		return nil, err
	}

	if _, err := m.audit.AppendLease(ctx, leaseID, "sign", rec.UserID, rec.KeyID, requestID, map[string]interface{}{"aud": aud, "sub": sub, "count": count}, func(tx *storage.Tx, seq int64) error {
		return saveRecordTx(tx, rec)
	}); err != nil {
		return nil, err
	}
	return tokens, nil
}

// Extend adds a validity window to leaseID. For an auto-extendable lease,
// creds is ignored and no authentication occurs; the audit entry is
// role=lease. For a non-extendable lease, creds must unlock
// the lease's owner; the audit entry is role=user. A successful
// authenticated extension also re-derives and re-caches the Session KEK if
// it had been lost (e.g. after a process restart).
func (m *Manager) Extend(ctx context.Context, leaseID string, creds *unlock.Credentials, requestID string) (*Record, error) {
	rec, err := m.loadRecord(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	newExpiry := now.Add(audit.AutoExtendWindow).Unix()

	if rec.AutoExtend {
		rec.ExpiresAt = newExpiry
		if _, err := m.audit.AppendLease(ctx, leaseID, "extendLease", rec.UserID, rec.KeyID, requestID, map[string]interface{}{"expiresAt": newExpiry}, func(tx *storage.Tx, seq int64) error {
			return saveRecordTx(tx, rec)
		}); err != nil {
			return nil, err
		}
		return rec, nil
	}

	if creds == nil {
		return nil, kmserrors.New(kmserrors.KindIncorrectCredential, "non-extendable lease requires credentials to extend")
	}
	ms, err := m.unlock.Unlock(ctx, *creds)
	if err != nil {
		return nil, err
	}
	defer ms.Destroy()

	m.mu.Lock()
	_, cached := m.sessionKEK[leaseID]
	m.mu.Unlock()
	if !cached {
		if err := keyhierarchy.WithUnlock(ms, func(raw []byte) error {
			kek, err := keyhierarchy.DeriveKEK(raw, rec.LeaseSalt, keyhierarchy.SessionKEKInfo)
			if err != nil {
				return err
			}
			m.mu.Lock()
			m.sessionKEK[leaseID] = kek
			m.mu.Unlock()
			return nil
		}); err != nil {
			return nil, err
		}
	}

	rec.ExpiresAt = newExpiry
	if _, err := m.audit.AppendUser(ctx, rec.UserID, "extendLease", rec.KeyID, requestID, map[string]interface{}{"leaseId": leaseID, "expiresAt": newExpiry}, func(tx *storage.Tx, seq int64) error {
		return saveRecordTx(tx, rec)
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// ExtendOutcome is the per-lease result of ExtendBatch.
type ExtendOutcome string

const (
	ExtendOutcomeExtended ExtendOutcome = "extended"
	ExtendOutcomeSkipped  ExtendOutcome = "skipped"
	ExtendOutcomeFailed   ExtendOutcome = "failed"
)

// ExtendResult reports what happened to one lease in an ExtendBatch call.
type ExtendResult struct {
	LeaseID string
	Outcome ExtendOutcome
	Err     error
}

// ExtendBatch extends every lease in leaseIDs independently. When
// requestAuth is false, any non-extendable lease is skipped rather than
// failing the whole batch; when true, creds must unlock every
// non-extendable lease's owner.
func (m *Manager) ExtendBatch(ctx context.Context, leaseIDs []string, requestAuth bool, creds *unlock.Credentials, requestID string) []ExtendResult {
	results := make([]ExtendResult, 0, len(leaseIDs))
	for _, id := range leaseIDs {
		rec, err := m.loadRecord(ctx, id)
		if err != nil {
			results = append(results, ExtendResult{LeaseID: id, Outcome: ExtendOutcomeFailed, Err: err})
			continue
		}
		if !rec.AutoExtend && !requestAuth {
			results = append(results, ExtendResult{LeaseID: id, Outcome: ExtendOutcomeSkipped})
			continue
		}
		if _, err := m.Extend(ctx, id, creds, requestID); err != nil {
			results = append(results, ExtendResult{LeaseID: id, Outcome: ExtendOutcomeFailed, Err: err})
			continue
		}
		results = append(results, ExtendResult{LeaseID: id, Outcome: ExtendOutcomeExtended})
	}
	return results
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	Valid    bool
	WrongKey bool
	Expired  bool
	Cached   bool
	Reason   string
}

// Verify reports whether leaseID is currently valid: it exists, is not
// expired, its key identifier matches the user's current signing key, and
// its Session KEK is present in memory (spec: "or can be re-derived on a
// fresh unlock", which Verify itself cannot do without credentials).
func (m *Manager) Verify(ctx context.Context, leaseID string) (*VerifyResult, error) {
	rec, err := m.loadRecord(ctx, leaseID)
	if err != nil {
		if kmserrors.KindOf(err) == kmserrors.KindNotFound {
			return &VerifyResult{Valid: false, Reason: "lease does not exist"}, nil
		}
		return nil, err
	}

	now := m.clock.Now()
	if now.Unix() >= rec.ExpiresAt {
		return &VerifyResult{Valid: false, Expired: true, Reason: "lease has expired"}, nil
	}

	currentKey, err := signer.Load(ctx, m.db, rec.UserID)
	if err != nil {
		return nil, err
	}
	if currentKey.KeyID != rec.KeyID {
		return &VerifyResult{Valid: false, WrongKey: true, Reason: "wrong-key"}, nil
	}

	m.mu.Lock()
	_, cached := m.sessionKEK[leaseID]
	m.mu.Unlock()

	return &VerifyResult{Valid: true, Cached: cached}, nil
}

// Revoke explicitly deletes leaseID and appends the revocation audit
// entry.
func (m *Manager) Revoke(ctx context.Context, leaseID, userID, requestID string) error {
	if _, err := m.audit.AppendUser(ctx, userID, "revokeLease", "", requestID, map[string]interface{}{"leaseId": leaseID}, func(tx *storage.Tx, seq int64) error {
		return tx.Delete(storage.StoreLeases, leaseKey(leaseID))
	}); err != nil {
		return err
	}
	m.audit.DropLeaseKey(leaseID)
	m.mu.Lock()
	delete(m.sessionKEK, leaseID)
	delete(m.leaseLocks, leaseID)
	m.mu.Unlock()
	return nil
}

// Owner returns the userId that owns leaseID, for callers (the dispatcher)
// that need to attribute an action to a lease's owner without the rest of
// the record.
func (m *Manager) Owner(ctx context.Context, leaseID string) (string, error) {
	rec, err := m.loadRecord(ctx, leaseID)
	if err != nil {
		return "", err
	}
	return rec.UserID, nil
}

// ListForUser returns every lease record belonging to userID.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]*Record, error) {
	values, err := m.db.ListValues(ctx, storage.StoreLeases)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, raw := range values {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.UserID == userID {
			out = append(out, &rec)
		}
	}
	return out, nil
}

// ClearInvalid revokes every lease belonging to userID whose key
// identifier no longer matches the user's current signing key (spec:
// "clearInvalid removes them in bulk").
func (m *Manager) ClearInvalid(ctx context.Context, userID, requestID string) ([]string, error) {
	currentKey, err := signer.Load(ctx, m.db, userID)
	if err != nil {
		return nil, err
	}

	values, err := m.db.ListValues(ctx, storage.StoreLeases)
	if err != nil {
		return nil, err
	}

	var cleared []string
	for key, raw := range values {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.UserID != userID || rec.KeyID == currentKey.KeyID {
			continue
		}
		if err := m.Revoke(ctx, rec.LeaseID, userID, requestID); err != nil {
			return cleared, err
		}
		cleared = append(cleared, key)
	}
	return cleared, nil
}
