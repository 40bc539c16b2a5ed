package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/lukium/kms-enclave/internal/audit"
	"github.com/lukium/kms-enclave/internal/clock"
	"github.com/lukium/kms-enclave/internal/keyprovider"
	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/lease"
	"github.com/lukium/kms-enclave/internal/signer"
	"github.com/lukium/kms-enclave/internal/storage"
	"github.com/lukium/kms-enclave/internal/unlock"
)

type harness struct {
	db      *storage.DB
	unlock  *unlock.Manager
	audit   *audit.Log
	leases  *lease.Manager
	clock   *clock.Fake
	userID  string
	keyID   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	unlockMgr := unlock.NewManager(db, 600_000)
	auditLog, err := audit.Open(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	provider := keyprovider.New()
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	leaseMgr := lease.NewManager(db, unlockMgr, auditLog, provider, fake)

	userID := "user-1"
	ms, err := unlockMgr.Setup(ctx, unlock.Credentials{Method: unlock.MethodPassphrase, UserID: userID, Passphrase: "correct horse battery staple"})
	if err != nil {
		t.Fatal(err)
	}
	defer ms.Destroy()

	record, _, err := signer.Generate(provider, ms, "push-notifications", fake.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := signer.Save(ctx, db, userID, record); err != nil {
		t.Fatal(err)
	}

	return &harness{db: db, unlock: unlockMgr, audit: auditLog, leases: leaseMgr, clock: fake, userID: userID, keyID: record.KeyID}
}

func (h *harness) creds() unlock.Credentials {
	return unlock.Credentials{Method: unlock.MethodPassphrase, UserID: h.userID, Passphrase: "correct horse battery staple"}
}

func TestIssueThenSignProducesToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.leases.Issue(ctx, h.creds(), 24, true, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.KeyID != h.keyID {
		t.Fatalf("lease key id %q does not match signing key %q", rec.KeyID, h.keyID)
	}

	tok, err := h.leases.Sign(ctx, rec.LeaseID, "https://fcm.googleapis.com/x", "mailto:a@example.com", "", "req-2", nil)
	if err != nil {
		t.Fatal(err)
	}
	if tok == "" {
		t.Fatal("expected non-empty token")
	}
}

func TestSignRejectsExpiredLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.leases.Issue(ctx, h.creds(), 1, true, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(2 * time.Hour)

	_, err = h.leases.Sign(ctx, rec.LeaseID, "https://fcm.googleapis.com/x", "mailto:a@example.com", "", "req-2", nil)
	if kmserrors.KindOf(err) != kmserrors.KindExpired {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestSignEnforcesHourlyTokenQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.leases.Issue(ctx, h.creds(), 24, true, "req-1")
	if err != nil {
		t.Fatal(err)
	}

	// Drain the hourly quota via batches that stay under the send-rate
	// burst cap (20) while exceeding the 100 tokens/hour cap.
	for i := 0; i < 10; i++ {
		if _, err := h.leases.SignBatch(ctx, rec.LeaseID, "https://fcm.googleapis.com/x", "mailto:a@example.com", "", 10, "req-batch", nil); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
	}
	if _, err := h.leases.Sign(ctx, rec.LeaseID, "https://fcm.googleapis.com/x", "mailto:a@example.com", "", "req-over", nil); kmserrors.KindOf(err) != kmserrors.KindQuotaExceeded {
		t.Fatalf("expected quota-exceeded after draining hourly quota, got %v", err)
	}
}

func TestSignEnforcesBurstSendQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.leases.Issue(ctx, h.creds(), 24, true, "req-1")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		if _, err := h.leases.Sign(ctx, rec.LeaseID, "https://fcm.googleapis.com/x", "mailto:a@example.com", "", "req-burst", nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if _, err := h.leases.Sign(ctx, rec.LeaseID, "https://fcm.googleapis.com/x", "mailto:a@example.com", "", "req-over", nil); kmserrors.KindOf(err) != kmserrors.KindQuotaExceeded {
		t.Fatalf("expected quota-exceeded after exhausting burst, got %v", err)
	}

	h.clock.Advance(time.Minute)
	if _, err := h.leases.Sign(ctx, rec.LeaseID, "https://fcm.googleapis.com/x", "mailto:a@example.com", "", "req-refilled", nil); err != nil {
		t.Fatalf("expected a send to succeed after refill, got %v", err)
	}
}

func TestSignEnforcesPerEndpointQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.leases.Issue(ctx, h.creds(), 24, true, "req-1")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := h.leases.Sign(ctx, rec.LeaseID, "https://fcm.googleapis.com/x", "mailto:a@example.com", "ep-1", "req-ep", nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if _, err := h.leases.Sign(ctx, rec.LeaseID, "https://fcm.googleapis.com/x", "mailto:a@example.com", "ep-1", "req-over", nil); kmserrors.KindOf(err) != kmserrors.KindQuotaExceeded {
		t.Fatalf("expected quota-exceeded for endpoint, got %v", err)
	}
	// A different endpoint identifier has its own counter.
	if _, err := h.leases.Sign(ctx, rec.LeaseID, "https://fcm.googleapis.com/x", "mailto:a@example.com", "ep-2", "req-other-ep", nil); err != nil {
		t.Fatalf("expected a different endpoint to have its own quota, got %v", err)
	}
}

func TestExtendAutoExtendRequiresNoCredentials(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.leases.Issue(ctx, h.creds(), 1, true, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	extended, err := h.leases.Extend(ctx, rec.LeaseID, nil, "req-2")
	if err != nil {
		t.Fatal(err)
	}
	if extended.ExpiresAt <= rec.ExpiresAt {
		t.Fatal("expected expiry to move forward")
	}
}

func TestExtendNonExtendableRequiresCredentials(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.leases.Issue(ctx, h.creds(), 1, false, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.leases.Extend(ctx, rec.LeaseID, nil, "req-2"); kmserrors.KindOf(err) != kmserrors.KindIncorrectCredential {
		t.Fatalf("expected incorrect-credential without creds, got %v", err)
	}
	creds := h.creds()
	extended, err := h.leases.Extend(ctx, rec.LeaseID, &creds, "req-3")
	if err != nil {
		t.Fatal(err)
	}
	if extended.ExpiresAt <= rec.ExpiresAt {
		t.Fatal("expected expiry to move forward")
	}
}

func TestExtendBatchSkipsNonExtendableWithoutAuth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	auto, err := h.leases.Issue(ctx, h.creds(), 1, true, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	manual, err := h.leases.Issue(ctx, h.creds(), 1, false, "req-2")
	if err != nil {
		t.Fatal(err)
	}

	results := h.leases.ExtendBatch(ctx, []string{auto.LeaseID, manual.LeaseID}, false, nil, "req-3")
	byID := map[string]lease.ExtendOutcome{}
	for _, r := range results {
		byID[r.LeaseID] = r.Outcome
	}
	if byID[auto.LeaseID] != lease.ExtendOutcomeExtended {
		t.Fatalf("expected auto-extend lease to extend, got %v", byID[auto.LeaseID])
	}
	if byID[manual.LeaseID] != lease.ExtendOutcomeSkipped {
		t.Fatalf("expected non-extendable lease to be skipped, got %v", byID[manual.LeaseID])
	}
}

func TestVerifyDetectsWrongKeyAfterRegeneration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.leases.Issue(ctx, h.creds(), 24, true, "req-1")
	if err != nil {
		t.Fatal(err)
	}

	res, err := h.leases.Verify(ctx, rec.LeaseID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatalf("expected lease to be valid before key regeneration, got %+v", res)
	}

	ms, err := h.unlock.Unlock(ctx, h.creds())
	if err != nil {
		t.Fatal(err)
	}
	newRecord, _, err := signer.Generate(keyprovider.New(), ms, "push-notifications", h.clock.Now())
	ms.Destroy()
	if err != nil {
		t.Fatal(err)
	}
	if err := signer.Save(ctx, h.db, h.userID, newRecord); err != nil {
		t.Fatal(err)
	}

	res, err = h.leases.Verify(ctx, rec.LeaseID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || !res.WrongKey {
		t.Fatalf("expected wrong-key after signing key regeneration, got %+v", res)
	}
}

func TestClearInvalidRevokesStaleLeases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale, err := h.leases.Issue(ctx, h.creds(), 24, true, "req-1")
	if err != nil {
		t.Fatal(err)
	}

	ms, err := h.unlock.Unlock(ctx, h.creds())
	if err != nil {
		t.Fatal(err)
	}
	newRecord, _, err := signer.Generate(keyprovider.New(), ms, "push-notifications", h.clock.Now())
	ms.Destroy()
	if err != nil {
		t.Fatal(err)
	}
	if err := signer.Save(ctx, h.db, h.userID, newRecord); err != nil {
		t.Fatal(err)
	}

	fresh, err := h.leases.Issue(ctx, h.creds(), 24, true, "req-2")
	if err != nil {
		t.Fatal(err)
	}

	cleared, err := h.leases.ClearInvalid(ctx, h.userID, "req-3")
	if err != nil {
		t.Fatal(err)
	}
	if len(cleared) != 1 {
		t.Fatalf("expected exactly one lease cleared, got %d", len(cleared))
	}

	staleRes, err := h.leases.Verify(ctx, stale.LeaseID)
	if err != nil {
		t.Fatal(err)
	}
	if staleRes.Valid {
		t.Fatal("expected stale lease to be gone after ClearInvalid")
	}
	freshRes, err := h.leases.Verify(ctx, fresh.LeaseID)
	if err != nil {
		t.Fatal(err)
	}
	if !freshRes.Valid {
		t.Fatalf("expected fresh lease to remain valid, got %+v", freshRes)
	}
}

func TestRevokeDeletesLeaseAndAppendsAuditEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.leases.Issue(ctx, h.creds(), 24, true, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.leases.Revoke(ctx, rec.LeaseID, h.userID, "req-2"); err != nil {
		t.Fatal(err)
	}

	res, err := h.leases.Verify(ctx, rec.LeaseID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Fatal("expected lease to be invalid after revoke")
	}

	chain, err := h.audit.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !chain.Valid {
		t.Fatalf("expected valid audit chain after revoke, got %+v", chain)
	}
}
