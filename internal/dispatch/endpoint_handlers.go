package dispatch

import (
	"context"
	"encoding/json"

	"github.com/lukium/kms-enclave/internal/endpoint"
	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/primitives"
	"github.com/lukium/kms-enclave/internal/signer"
	"github.com/lukium/kms-enclave/internal/storage"
)

func endpointResult(b *endpoint.Binding) interface{} {
	if b == nil {
		return nil
	}
	return map[string]interface{}{
		"endpointId": b.EndpointID,
		"url":        b.URL,
		"expiration": b.Expiration,
		"p256dh":     primitives.B64URLEncode(b.P256DH),
		"auth":       primitives.B64URLEncode(b.Auth),
		"createdAt":  b.CreatedAt,
	}
}

// bindingParam is the wire shape of an inbound EndpointBinding; setEndpoint
// names only `binding` in its params, so userId travels alongside it as a
// sibling field (a SigningKeyRecord, not a standalone store, is what
// actually holds the binding).
type bindingParam struct {
	EndpointID string `json:"endpointId"`
	URL        string `json:"url"`
	Expiration int64  `json:"expiration,omitempty"`
	P256DH     string `json:"p256dh"`
	Auth       string `json:"auth"`
}

type setEndpointParams struct {
	UserID  string       `json:"userId"`
	Binding bindingParam `json:"binding"`
}

func handleSetEndpoint(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p setEndpointParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("userId", p.UserID); err != nil {
		return nil, err
	}

	p256dh, err := primitives.B64URLDecode(p.Binding.P256DH)
	if err != nil {
		return nil, err
	}
	auth, err := primitives.B64URLDecode(p.Binding.Auth)
	if err != nil {
		return nil, err
	}
	binding, err := endpoint.New(p.Binding.EndpointID, p.Binding.URL, p256dh, auth, p.Binding.Expiration, d.clock.Now().Unix(), d.whitelist)
	if err != nil {
		return nil, err
	}

	record, err := signer.Load(ctx, d.db, p.UserID)
	if err != nil {
		return nil, err
	}
	record.Endpoint = binding

	if _, err := d.audit.AppendUser(ctx, p.UserID, "setEndpoint", record.KeyID, requestID, map[string]interface{}{"endpointId": binding.EndpointID}, func(tx *storage.Tx, seq int64) error {
		return signer.SaveTx(tx, p.UserID, record)
	}); err != nil {
		return nil, err
	}
	return endpointResult(binding), nil
}

type removeEndpointParams struct {
	UserID string `json:"userId"`
}

func handleRemoveEndpoint(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p removeEndpointParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("userId", p.UserID); err != nil {
		return nil, err
	}

	record, err := signer.Load(ctx, d.db, p.UserID)
	if err != nil {
		return nil, err
	}
	record.Endpoint = nil

	if _, err := d.audit.AppendUser(ctx, p.UserID, "removeEndpoint", record.KeyID, requestID, nil, func(tx *storage.Tx, seq int64) error {
		return signer.SaveTx(tx, p.UserID, record)
	}); err != nil {
		return nil, err
	}
	return map[string]interface{}{"userId": p.UserID}, nil
}

type getEndpointParams struct {
	UserID string `json:"userId"`
}

func handleGetEndpoint(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p getEndpointParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("userId", p.UserID); err != nil {
		return nil, err
	}
	record, err := signer.Load(ctx, d.db, p.UserID)
	if err != nil {
		return nil, err
	}
	if record.Endpoint == nil {
		return nil, kmserrors.New(kmserrors.KindNotFound, "no endpoint binding set for user")
	}
	return endpointResult(record.Endpoint), nil
}
