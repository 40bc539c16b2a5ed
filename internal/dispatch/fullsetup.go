package dispatch

import (
	"context"
	"encoding/json"

	"github.com/lukium/kms-enclave/internal/endpoint"
	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/signer"
	"github.com/lukium/kms-enclave/internal/storage"
)

const (
	fullSetupDefaultTTLHours   = 12
	fullSetupDefaultTokenCount = 5
)

type fullSetupParams struct {
	UserID      string           `json:"userId"`
	Credentials credentialsParam `json:"credentials"`
	AutoExtend  *bool            `json:"autoExtend,omitempty"`
	TTLHours    int              `json:"ttlHours,omitempty"`
	Aud         string           `json:"aud"`
	Sub         string           `json:"sub"`
}

// handleFullSetup runs the composite onboarding flow: setup, signing-key
// generation, push subscription, endpoint binding, a
// 12-hour auto-extend lease, five staggered tokens, and a test
// notification. A failure in setup or signing-key generation aborts with
// nothing further attempted. Any later step's failure is surfaced to the
// caller as-is — whatever state the prior steps already committed is left
// in place, never rolled back. Only the final test-notification step is
// exempt: its failure does not fail the call, since a working key/lease/
// endpoint is still a successful setup even if one push round-trip did
// not go through.
func handleFullSetup(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p fullSetupParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("aud", p.Aud); err != nil {
		return nil, err
	}
	if err := requireString("sub", p.Sub); err != nil {
		return nil, err
	}
	ttlHours := p.TTLHours
	if ttlHours == 0 {
		ttlHours = fullSetupDefaultTTLHours
	}
	autoExtend := true
	if p.AutoExtend != nil {
		autoExtend = *p.AutoExtend
	}

	creds, err := p.Credentials.toCredentials()
	if err != nil {
		return nil, err
	}
	if p.UserID != "" && creds.UserID != p.UserID {
		return nil, kmserrors.New(kmserrors.KindInvalidParam, "credentials.userId must match userId")
	}

	if err := runSetup(ctx, d, creds, requestID); err != nil {
		return nil, err
	}

	ms, err := d.unlock.Unlock(ctx, creds)
	if err != nil {
		return nil, err
	}
	record, handle, err := signer.Generate(d.provider, ms, "signing", d.clock.Now())
	ms.Destroy()
	if err != nil {
		return nil, err
	}
	handle.Destroy()
	if _, err := d.audit.AppendUser(ctx, creds.UserID, "generateSigningKey", record.KeyID, requestID, map[string]interface{}{"keyId": record.KeyID}, func(tx *storage.Tx, seq int64) error {
		return signer.SaveTx(tx, creds.UserID, record)
	}); err != nil {
		return nil, err
	}

	draft, err := callWithTimeout(ctx, subscriptionTimeout, kmserrors.KindSubscriptionTimeout, "push subscription request timed out", func(cctx context.Context) (*endpoint.Binding, error) {
		return d.host.RequestPushSubscription(cctx, creds.UserID, requestID)
	})
	if err != nil {
		return nil, err
	}
	binding, err := endpoint.New(draft.EndpointID, draft.URL, draft.P256DH, draft.Auth, draft.Expiration, d.clock.Now().Unix(), d.whitelist)
	if err != nil {
		return nil, err
	}
	record.Endpoint = binding
	if _, err := d.audit.AppendUser(ctx, creds.UserID, "setEndpoint", record.KeyID, requestID, map[string]interface{}{"endpointId": binding.EndpointID}, func(tx *storage.Tx, seq int64) error {
		return signer.SaveTx(tx, creds.UserID, record)
	}); err != nil {
		return nil, err
	}

	leaseRec, err := d.leases.Issue(ctx, creds, ttlHours, autoExtend, requestID)
	if err != nil {
		return nil, err
	}

	tokens, err := d.leases.SignBatch(ctx, leaseRec.LeaseID, p.Aud, p.Sub, binding.EndpointID, fullSetupDefaultTokenCount, requestID, binding)
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{
		"userId":   creds.UserID,
		"keyId":    record.KeyID,
		"endpoint": endpointResult(binding),
		"lease":    leaseResult(leaseRec),
		"tokens":   tokens,
	}

	if _, err := callWithTimeout(ctx, notificationTimeout, kmserrors.KindNotificationTimeout, "test notification timed out", func(cctx context.Context) (struct{}, error) {
		return struct{}{}, d.host.RequestTestNotification(cctx, binding, tokens[0], requestID)
	}); err != nil {
		result["testNotificationWarning"] = err.Error()
	}

	return result, nil
}
