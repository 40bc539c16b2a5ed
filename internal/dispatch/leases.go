package dispatch

import (
	"context"
	"encoding/json"

	"github.com/lukium/kms-enclave/internal/endpoint"
	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/lease"
	"github.com/lukium/kms-enclave/internal/signer"
	"github.com/lukium/kms-enclave/internal/unlock"
)

func leaseResult(rec *lease.Record) interface{} {
	return map[string]interface{}{
		"leaseId":    rec.LeaseID,
		"userId":     rec.UserID,
		"ttlHours":   rec.TTLHours,
		"createdAt":  rec.CreatedAt,
		"expiresAt":  rec.ExpiresAt,
		"keyId":      rec.KeyID,
		"autoExtend": rec.AutoExtend,
	}
}

type createLeaseParams struct {
	UserID      string           `json:"userId"`
	TTLHours    int              `json:"ttlHours"`
	Credentials credentialsParam `json:"credentials"`
	AutoExtend  bool             `json:"autoExtend,omitempty"`
}

func handleCreateLease(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p createLeaseParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	creds, err := p.Credentials.toCredentials()
	if err != nil {
		return nil, err
	}
	if p.UserID != "" && creds.UserID != p.UserID {
		return nil, kmserrors.New(kmserrors.KindInvalidParam, "credentials.userId must match userId")
	}

	rec, err := d.leases.Issue(ctx, creds, p.TTLHours, p.AutoExtend, requestID)
	if err != nil {
		return nil, err
	}
	return leaseResult(rec), nil
}

type extendLeasesParams struct {
	LeaseIDs     []string          `json:"leaseIds"`
	UserID       string            `json:"userId"`
	RequestAuth  bool              `json:"requestAuth,omitempty"`
	Credentials  *credentialsParam `json:"credentials,omitempty"`
}

func handleExtendLeases(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p extendLeasesParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if len(p.LeaseIDs) == 0 {
		return nil, kmserrors.New(kmserrors.KindInvalidParam, "leaseIds must not be empty")
	}

	var creds *unlock.Credentials
	if p.Credentials != nil {
		c, err := p.Credentials.toCredentials()
		if err != nil {
			return nil, err
		}
		creds = &c
	}
	if p.RequestAuth && creds == nil {
		return nil, kmserrors.New(kmserrors.KindInvalidParam, "credentials are required when requestAuth is set")
	}

	results := d.leases.ExtendBatch(ctx, p.LeaseIDs, p.RequestAuth, creds, requestID)
	out := make([]map[string]interface{}, len(results))
	for i, r := range results {
		entry := map[string]interface{}{"leaseId": r.LeaseID, "outcome": string(r.Outcome)}
		if r.Err != nil {
			entry["error"] = &ErrorBody{Code: string(kmserrors.KindOf(r.Err)), Message: r.Err.Error()}
		}
		out[i] = entry
	}
	return map[string]interface{}{"results": out}, nil
}

type verifyLeaseParams struct {
	LeaseID         string `json:"leaseId"`
	DeleteIfInvalid bool   `json:"deleteIfInvalid,omitempty"`
}

func handleVerifyLease(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p verifyLeaseParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("leaseId", p.LeaseID); err != nil {
		return nil, err
	}

	result, err := d.leases.Verify(ctx, p.LeaseID)
	if err != nil {
		return nil, err
	}

	deleted := false
	if !result.Valid && p.DeleteIfInvalid && result.Reason != "lease does not exist" {
		owner, ownerErr := d.leases.Owner(ctx, p.LeaseID)
		if ownerErr == nil {
			if revokeErr := d.leases.Revoke(ctx, p.LeaseID, owner, requestID); revokeErr == nil {
				deleted = true
			}
		}
	}

	return map[string]interface{}{
		"valid":    result.Valid,
		"wrongKey": result.WrongKey,
		"expired":  result.Expired,
		"cached":   result.Cached,
		"reason":   result.Reason,
		"deleted":  deleted,
	}, nil
}

type getUserLeasesParams struct {
	UserID string `json:"userId"`
}

func handleGetUserLeases(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p getUserLeasesParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("userId", p.UserID); err != nil {
		return nil, err
	}
	recs, err := d.leases.ListForUser(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(recs))
	for i, rec := range recs {
		out[i] = leaseResult(rec)
	}
	return map[string]interface{}{"leases": out}, nil
}

type revokeLeaseParams struct {
	LeaseID string `json:"leaseId"`
}

func handleRevokeLease(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p revokeLeaseParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("leaseId", p.LeaseID); err != nil {
		return nil, err
	}
	owner, err := d.leases.Owner(ctx, p.LeaseID)
	if err != nil {
		return nil, err
	}
	if err := d.leases.Revoke(ctx, p.LeaseID, owner, requestID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"leaseId": p.LeaseID}, nil
}

// checkKid resolves leaseID's owner and, when kid is non-empty, verifies it
// names that owner's current signing key before any token is produced —
// callers pin a key id to avoid signing with a key rotated out from under
// them.
func checkKid(ctx context.Context, d *Dispatcher, leaseID, kid string) (string, *endpoint.Binding, error) {
	owner, err := d.leases.Owner(ctx, leaseID)
	if err != nil {
		return "", nil, err
	}
	current, err := signer.Load(ctx, d.db, owner)
	if err != nil {
		return "", nil, err
	}
	if kid != "" && kid != current.KeyID {
		return "", nil, kmserrors.New(kmserrors.KindWrongKey, "kid does not match the user's current signing key")
	}
	return owner, current.Endpoint, nil
}

type issueTokenParams struct {
	LeaseID    string `json:"leaseId"`
	Kid        string `json:"kid,omitempty"`
	Aud        string `json:"aud"`
	Sub        string `json:"sub"`
	EndpointID string `json:"endpointId,omitempty"`
}

func handleIssueToken(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p issueTokenParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("leaseId", p.LeaseID); err != nil {
		return nil, err
	}
	if err := requireString("aud", p.Aud); err != nil {
		return nil, err
	}
	if err := requireString("sub", p.Sub); err != nil {
		return nil, err
	}

	_, binding, err := checkKid(ctx, d, p.LeaseID, p.Kid)
	if err != nil {
		return nil, err
	}
	token, err := d.leases.Sign(ctx, p.LeaseID, p.Aud, p.Sub, p.EndpointID, requestID, binding)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"token": token}, nil
}

type issueTokensParams struct {
	LeaseID    string `json:"leaseId"`
	Count      int    `json:"count"`
	Kid        string `json:"kid,omitempty"`
	Aud        string `json:"aud"`
	Sub        string `json:"sub"`
	EndpointID string `json:"endpointId,omitempty"`
}

func handleIssueTokens(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p issueTokensParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("leaseId", p.LeaseID); err != nil {
		return nil, err
	}
	if err := requireString("aud", p.Aud); err != nil {
		return nil, err
	}
	if err := requireString("sub", p.Sub); err != nil {
		return nil, err
	}

	_, binding, err := checkKid(ctx, d, p.LeaseID, p.Kid)
	if err != nil {
		return nil, err
	}
	tokens, err := d.leases.SignBatch(ctx, p.LeaseID, p.Aud, p.Sub, p.EndpointID, p.Count, requestID, binding)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tokens": tokens}, nil
}
