package dispatch

import (
	"context"
	"encoding/json"

	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/primitives"
	"github.com/lukium/kms-enclave/internal/signer"
	"github.com/lukium/kms-enclave/internal/storage"
)

func publicKeyResult(rec *signer.KeyRecord) interface{} {
	out := map[string]interface{}{
		"keyId":     rec.KeyID,
		"publicKey": primitives.B64URLEncode(rec.RawPublicKey),
		"algorithm": rec.Algorithm,
		"createdAt": rec.CreatedAt,
	}
	if rec.Endpoint != nil {
		out["endpoint"] = endpointResult(rec.Endpoint)
	}
	return out
}

type generateSigningKeyParams struct {
	Credentials credentialsParam `json:"credentials"`
}

func handleGenerateSigningKey(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p generateSigningKeyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	creds, err := p.Credentials.toCredentials()
	if err != nil {
		return nil, err
	}

	if _, err := signer.Load(ctx, d.db, creds.UserID); err == nil {
		return nil, kmserrors.New(kmserrors.KindAlreadySetup, "user already has a signing key; use regenerateSigningKey")
	} else if kmserrors.KindOf(err) != kmserrors.KindNotSetup {
		return nil, err
	}

	ms, err := d.unlock.Unlock(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer ms.Destroy()

	record, handle, err := signer.Generate(d.provider, ms, "signing", d.clock.Now())
	if err != nil {
		return nil, err
	}
	handle.Destroy()

	if _, err := d.audit.AppendUser(ctx, creds.UserID, "generateSigningKey", record.KeyID, requestID, map[string]interface{}{"keyId": record.KeyID}, func(tx *storage.Tx, seq int64) error {
		return signer.SaveTx(tx, creds.UserID, record)
	}); err != nil {
		return nil, err
	}
	return publicKeyResult(record), nil
}

func handleRegenerateSigningKey(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p generateSigningKeyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	creds, err := p.Credentials.toCredentials()
	if err != nil {
		return nil, err
	}

	if _, err := signer.Load(ctx, d.db, creds.UserID); err != nil {
		return nil, err
	}

	ms, err := d.unlock.Unlock(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer ms.Destroy()

	record, handle, err := signer.Generate(d.provider, ms, "signing", d.clock.Now())
	if err != nil {
		return nil, err
	}
	handle.Destroy()

	if _, err := d.audit.AppendUser(ctx, creds.UserID, "regenerateSigningKey", record.KeyID, requestID, map[string]interface{}{"keyId": record.KeyID}, func(tx *storage.Tx, seq int64) error {
		return signer.SaveTx(tx, creds.UserID, record)
	}); err != nil {
		return nil, err
	}
	return publicKeyResult(record), nil
}

type getPublicKeyParams struct {
	Kid string `json:"kid"`
}

func handleGetPublicKey(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p getPublicKeyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("kid", p.Kid); err != nil {
		return nil, err
	}
	rec, err := signer.FindByKeyID(ctx, d.db, p.Kid)
	if err != nil {
		return nil, err
	}
	return publicKeyResult(rec), nil
}

type getCurrentPublicKeyParams struct {
	UserID string `json:"userId"`
}

func handleGetCurrentPublicKey(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p getCurrentPublicKeyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("userId", p.UserID); err != nil {
		return nil, err
	}
	rec, err := signer.Load(ctx, d.db, p.UserID)
	if err != nil {
		return nil, err
	}
	return publicKeyResult(rec), nil
}
