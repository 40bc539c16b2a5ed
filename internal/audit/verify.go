package audit

import (
	"context"
	"crypto/ed25519"
	"encoding/json"

	"github.com/hdevalence/ed25519consensus"

	"github.com/lukium/kms-enclave/internal/primitives"
)

// VerifyResult is the outcome of VerifyChain.
type VerifyResult struct {
	Valid       bool
	Entries     int
	Tampered    bool
	FirstFailed int64
	Reason      string
}

type delegationWindow struct {
	notBefore, notAfter int64
}

type leaseDelegationWindow struct {
	delegationWindow
	keyID string
}

// VerifyChain walks every entry actually present in the audit log, in
// ascending sequence order, re-deriving and cross-checking: gap-free and
// strictly monotonic sequence numbers, previous-hash linkage, chain-hash
// recomputation, signature validity under the claimed signer, and that
// every user/lease signer was genuinely delegated by a prior entry before
// it signed anything.
func (l *Log) VerifyChain(ctx context.Context) (*VerifyResult, error) {
	seqs, err := l.db.ListAuditSeqs(ctx)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return &VerifyResult{Valid: true, Entries: 0}, nil
	}

	tampered := func(seq int64, reason string) *VerifyResult {
		return &VerifyResult{Valid: false, Tampered: true, FirstFailed: seq, Reason: reason, Entries: len(seqs)}
	}

	delegatedUsers := map[string]delegationWindow{}
	delegatedLeases := map[string]leaseDelegationWindow{}

	var prevSeq int64
	var prevHash string
	for i, seq := range seqs {
		if i == 0 {
			if seq != 1 {
				return tampered(seq, "audit log does not begin at sequence 1"), nil
			}
		} else if seq != prevSeq+1 {
			return tampered(seq, "sequence gap detected"), nil
		}

		raw, err := l.db.GetAudit(ctx, seq)
		if err != nil {
			return tampered(seq, "missing audit entry"), nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return tampered(seq, "audit entry is not decodable"), nil
		}
		if e.Seq != seq {
			return tampered(seq, "stored sequence number does not match its slot"), nil
		}
		if e.PreviousHash != prevHash {
			return tampered(seq, "previous-hash mismatch"), nil
		}

		recomputed, err := computeChainHash(&e)
		if err != nil {
			return nil, err
		}
		if recomputed != e.ChainHash {
			return tampered(seq, "chain-hash mismatch"), nil
		}

		pub, res := l.resolveSigner(seq, &e, delegatedUsers, delegatedLeases)
		if res != nil {
			return res, nil
		}
		sigBytes, err := primitives.B64URLDecode(e.Signature)
		if err != nil {
			return tampered(seq, "signature is not valid base64url"), nil
		}
		if !ed25519consensus.Verify(pub, []byte(e.ChainHash), sigBytes) {
			return tampered(seq, "signature does not verify"), nil
		}

		if res := l.absorbDelegations(seq, &e, delegatedUsers, delegatedLeases); res != nil {
			return res, nil
		}

		prevSeq = seq
		prevHash = e.ChainHash
	}

	return &VerifyResult{Valid: true, Entries: len(seqs)}, nil
}

// resolveSigner maps an entry's declared role + signer key identifier to
// the actual Ed25519 public key that must have signed it, failing closed
// if the role/identifier was never legitimately delegated.
func (l *Log) resolveSigner(seq int64, e *Entry, delegatedUsers map[string]delegationWindow, delegatedLeases map[string]leaseDelegationWindow) (ed25519.PublicKey, *VerifyResult) {
	switch e.Role {
	case RoleSystem:
		if e.SignerKeyID != auditKeyID(l.systemPub) {
			return nil, &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "system-role entry signed by unknown key"}
		}
		if seq == 1 && (e.Op != "init" || e.PreviousHash != "") {
			return nil, &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "chain does not anchor with a valid init entry"}
		}
		return l.systemPub, nil
	case RoleUser:
		if _, ok := delegatedUsers[e.SignerKeyID]; !ok {
			return nil, &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "user-role entry signed by an undelegated key"}
		}
		pub, err := primitives.B64URLDecode(e.SignerKeyID)
		if err != nil {
			return nil, &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "signer key identifier is not valid base64url"}
		}
		return ed25519.PublicKey(pub), nil
	case RoleLease:
		window, ok := delegatedLeases[e.SignerKeyID]
		if !ok {
			return nil, &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "lease-role entry signed by an undelegated key"}
		}
		if e.KeyID != "" && e.KeyID != window.keyID {
			return nil, &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "lease delegation does not cover the claimed key identifier"}
		}
		pub, err := primitives.B64URLDecode(e.SignerKeyID)
		if err != nil {
			return nil, &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "signer key identifier is not valid base64url"}
		}
		return ed25519.PublicKey(pub), nil
	default:
		return nil, &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "unknown signer role"}
	}
}

// absorbDelegations records any new user/lease delegation a just-verified
// entry grants, so later entries in the scan can be resolved against it.
func (l *Log) absorbDelegations(seq int64, e *Entry, delegatedUsers map[string]delegationWindow, delegatedLeases map[string]leaseDelegationWindow) *VerifyResult {
	switch {
	case e.Role == RoleSystem && e.Op == "enroll-user-audit-key":
		pubStr, _ := e.Details["userAuditPublicKey"].(string)
		certB64, _ := e.Details["certificate"].(string)
		notBefore, nbOK := asInt64(e.Details["notBefore"])
		notAfter, naOK := asInt64(e.Details["notAfter"])
		if pubStr == "" || certB64 == "" || !nbOK || !naOK {
			return &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "malformed user delegation details"}
		}
		certBytes, err := json.Marshal(map[string]interface{}{
			"notAfter":           notAfter,
			"notBefore":          notBefore,
			"userAuditPublicKey": pubStr,
		})
		if err != nil {
			return &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "could not re-canonicalize user delegation"}
		}
		sig, err := primitives.B64URLDecode(certB64)
		if err != nil {
			return &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "user delegation certificate is not valid base64url"}
		}
		if !ed25519consensus.Verify(l.systemPub, certBytes, sig) {
			return &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "user delegation certificate does not verify"}
		}
		delegatedUsers[pubStr] = delegationWindow{notBefore: notBefore, notAfter: notAfter}

	case e.Role == RoleUser && e.Op == "issueLease":
		pubStr, _ := e.Details["leaseAuditPublicKey"].(string)
		certB64, _ := e.Details["certificate"].(string)
		leaseID, _ := e.Details["leaseId"].(string)
		keyID, _ := e.Details["keyId"].(string)
		issuedAt, iaOK := asInt64(e.Details["issuedAt"])
		expiresAt, eaOK := asInt64(e.Details["expiresAt"])
		if pubStr == "" || certB64 == "" || leaseID == "" || !iaOK || !eaOK {
			return &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "malformed lease delegation details"}
		}
		certBytes, err := json.Marshal(map[string]interface{}{
			"expiresAt":           expiresAt,
			"issuedAt":            issuedAt,
			"keyId":               keyID,
			"leaseAuditPublicKey": pubStr,
			"leaseId":             leaseID,
		})
		if err != nil {
			return &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "could not re-canonicalize lease delegation"}
		}
		sig, err := primitives.B64URLDecode(certB64)
		if err != nil {
			return &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "lease delegation certificate is not valid base64url"}
		}
		userPub, err := primitives.B64URLDecode(e.SignerKeyID)
		if err != nil {
			return &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "user signer key identifier is not valid base64url"}
		}
		if !ed25519consensus.Verify(ed25519.PublicKey(userPub), certBytes, sig) {
			return &VerifyResult{Tampered: true, FirstFailed: seq, Reason: "lease delegation certificate does not verify"}
		}
		delegatedLeases[pubStr] = leaseDelegationWindow{delegationWindow: delegationWindow{notBefore: issuedAt, notAfter: expiresAt}, keyID: keyID}
	}
	return nil
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
