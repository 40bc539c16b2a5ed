package signer_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/lukium/kms-enclave/internal/endpoint"
	"github.com/lukium/kms-enclave/internal/keyhierarchy"
	"github.com/lukium/kms-enclave/internal/keyprovider"
	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/primitives"
	"github.com/lukium/kms-enclave/internal/signer"
)

func newMS(t *testing.T) *keyhierarchy.MS {
	t.Helper()
	ms, err := keyhierarchy.GenerateMS()
	if err != nil {
		t.Fatal(err)
	}
	return ms
}

func TestGenerateThenLoadHandleProducesWorkingSigner(t *testing.T) {
	provider := keyprovider.New()
	ms := newMS(t)
	now := time.Unix(1_700_000_000, 0)

	record, handle, err := signer.Generate(provider, ms, "push-notifications", now)
	if err != nil {
		t.Fatal(err)
	}
	if record.Algorithm != signer.Algorithm {
		t.Fatalf("unexpected algorithm: %q", record.Algorithm)
	}

	tok1, err := signer.Build(handle, signer.Claims{Aud: "https://fcm.googleapis.com/x", Sub: "mailto:a@example.com", Exp: now.Add(time.Minute).Unix(), Jti: "a"})
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := signer.LoadHandle(provider, ms, record)
	if err != nil {
		t.Fatal(err)
	}
	tok2, err := signer.Build(loaded, signer.Claims{Aud: "https://fcm.googleapis.com/x", Sub: "mailto:a@example.com", Exp: now.Add(time.Minute).Unix(), Jti: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if tok1 == tok2 {
		t.Fatal("ECDSA signatures are randomized; two signs over identical input should not be byte-identical")
	}
}

func TestBuildProducesThreePartCompactToken(t *testing.T) {
	provider := keyprovider.New()
	ms := newMS(t)
	now := time.Unix(1_700_000_000, 0)
	_, handle, err := signer.Generate(provider, ms, "push-notifications", now)
	if err != nil {
		t.Fatal(err)
	}

	tok, err := signer.Build(handle, signer.Claims{Aud: "https://fcm.googleapis.com/x", Sub: "mailto:a@example.com", Exp: now.Add(time.Minute).Unix(), Jti: "jti-1"})
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("expected 3 compact parts, got %d", len(parts))
	}

	headerJSON, err := decodeSegment(parts[0])
	if err != nil {
		t.Fatal(err)
	}
	var h struct {
		Typ string `json:"typ"`
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		t.Fatal(err)
	}
	if h.Typ != "JWT" || h.Alg != "ES256" {
		t.Fatalf("unexpected header: %+v", h)
	}

	sig, err := decodeSegment(parts[2])
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != 64 {
		t.Fatalf("expected 64-byte raw signature, got %d", len(sig))
	}
}

func decodeSegment(s string) ([]byte, error) {
	return primitives.B64URLDecode(s)
}

func TestIssueUsesFifteenMinuteTTL(t *testing.T) {
	provider := keyprovider.New()
	ms := newMS(t)
	now := time.Unix(1_700_000_000, 0)
	_, handle, err := signer.Generate(provider, ms, "push-notifications", now)
	if err != nil {
		t.Fatal(err)
	}

	tok, err := signer.Issue(handle, "https://fcm.googleapis.com/x", "mailto:a@example.com", nil, now)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(tok, ".")
	payload, err := decodeSegment(parts[1])
	if err != nil {
		t.Fatal(err)
	}
	var c signer.Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		t.Fatal(err)
	}
	wantExp := now.Add(15 * time.Minute).Unix()
	if c.Exp != wantExp {
		t.Fatalf("expected exp %d, got %d", wantExp, c.Exp)
	}
}

func TestIssueBatchStaggersExpirations(t *testing.T) {
	provider := keyprovider.New()
	ms := newMS(t)
	now := time.Unix(1_700_000_000, 0)
	_, handle, err := signer.Generate(provider, ms, "push-notifications", now)
	if err != nil {
		t.Fatal(err)
	}

	tokens, err := signer.IssueBatch(handle, "https://fcm.googleapis.com/x", "mailto:a@example.com", nil, 5, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 5 {
		t.Fatalf("expected 5 tokens, got %d", len(tokens))
	}

	jtis := map[string]bool{}
	for k, tok := range tokens {
		parts := strings.Split(tok, ".")
		payload, err := decodeSegment(parts[1])
		if err != nil {
			t.Fatal(err)
		}
		var c signer.Claims
		if err := json.Unmarshal(payload, &c); err != nil {
			t.Fatal(err)
		}
		wantExp := now.Add(100*time.Minute + time.Duration(k)*60*time.Minute).Unix()
		if c.Exp != wantExp {
			t.Fatalf("token %d: expected exp %d, got %d", k, wantExp, c.Exp)
		}
		if jtis[c.Jti] {
			t.Fatalf("duplicate jti %q across batch", c.Jti)
		}
		jtis[c.Jti] = true
	}
}

func TestIssueBatchRejectsOutOfRangeCount(t *testing.T) {
	provider := keyprovider.New()
	ms := newMS(t)
	now := time.Unix(1_700_000_000, 0)
	_, handle, err := signer.Generate(provider, ms, "push-notifications", now)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := signer.IssueBatch(handle, "https://fcm.googleapis.com/x", "mailto:a@example.com", nil, 0, now); kmserrors.KindOf(err) != kmserrors.KindInvalidParam {
		t.Fatalf("expected invalid-param for count=0, got %v", err)
	}
	if _, err := signer.IssueBatch(handle, "https://fcm.googleapis.com/x", "mailto:a@example.com", nil, 11, now); kmserrors.KindOf(err) != kmserrors.KindInvalidParam {
		t.Fatalf("expected invalid-param for count=11, got %v", err)
	}
}

func TestValidatePolicyRejectsExpiredAndTooFarClaims(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	base := signer.Claims{Aud: "https://fcm.googleapis.com/x", Sub: "mailto:a@example.com"}

	expired := base
	expired.Exp = now.Unix()
	if err := signer.ValidatePolicy(expired, nil, now); kmserrors.KindOf(err) != kmserrors.KindPolicyViolation {
		t.Fatalf("expected policy-violation for non-future exp, got %v", err)
	}

	tooFar := base
	tooFar.Exp = now.Add(25 * time.Hour).Unix()
	if err := signer.ValidatePolicy(tooFar, nil, now); kmserrors.KindOf(err) != kmserrors.KindPolicyViolation {
		t.Fatalf("expected policy-violation for exp beyond 24h, got %v", err)
	}
}

func TestValidatePolicyRejectsNonHTTPSAud(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := signer.Claims{Aud: "http://fcm.googleapis.com/x", Sub: "mailto:a@example.com", Exp: now.Add(time.Minute).Unix()}
	if err := signer.ValidatePolicy(c, nil, now); kmserrors.KindOf(err) != kmserrors.KindPolicyViolation {
		t.Fatalf("expected policy-violation for non-https aud, got %v", err)
	}
}

func TestValidatePolicyRejectsBadSubPrefix(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := signer.Claims{Aud: "https://fcm.googleapis.com/x", Sub: "bob@example.com", Exp: now.Add(time.Minute).Unix()}
	if err := signer.ValidatePolicy(c, nil, now); kmserrors.KindOf(err) != kmserrors.KindPolicyViolation {
		t.Fatalf("expected policy-violation for bad sub prefix, got %v", err)
	}
}

func TestValidatePolicyEnforcesBoundEndpointHostname(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	binding := &endpoint.Binding{URL: "https://fcm.googleapis.com/send/abc"}

	matching := signer.Claims{Aud: "https://fcm.googleapis.com/send/abc", Sub: "mailto:a@example.com", Exp: now.Add(time.Minute).Unix()}
	if err := signer.ValidatePolicy(matching, binding, now); err != nil {
		t.Fatalf("expected matching aud/endpoint to pass, got %v", err)
	}

	mismatched := signer.Claims{Aud: "https://other.example.com/send/abc", Sub: "mailto:a@example.com", Exp: now.Add(time.Minute).Unix()}
	if err := signer.ValidatePolicy(mismatched, binding, now); kmserrors.KindOf(err) != kmserrors.KindPolicyViolation {
		t.Fatalf("expected policy-violation for mismatched endpoint, got %v", err)
	}
}
