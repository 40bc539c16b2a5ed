package dispatch

import (
	"context"
	"encoding/json"

	"github.com/lukium/kms-enclave/internal/audit"
	"github.com/lukium/kms-enclave/internal/primitives"
)

func auditEntryResult(e *audit.Entry) interface{} {
	return map[string]interface{}{
		"seq":          e.Seq,
		"op":           e.Op,
		"role":         string(e.Role),
		"signerKeyId":  e.SignerKeyID,
		"previousHash": e.PreviousHash,
		"chainHash":    e.ChainHash,
		"signature":    e.Signature,
		"timestamp":    e.Timestamp,
		"requestId":    e.RequestID,
		"userId":       e.UserID,
		"keyId":        e.KeyID,
		"details":      e.Details,
	}
}

func handleGetAuditLog(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	entries, err := d.audit.Entries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(entries))
	for i, e := range entries {
		out[i] = auditEntryResult(e)
	}
	return map[string]interface{}{"entries": out}, nil
}

func handleGetAuditPublicKey(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	pub := d.audit.SystemPublicKey()
	return map[string]interface{}{"publicKey": primitives.B64URLEncode(pub)}, nil
}

func handleVerifyAuditChain(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	result, err := d.audit.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"valid":       result.Valid,
		"entries":     result.Entries,
		"tampered":    result.Tampered,
		"firstFailed": result.FirstFailed,
		"reason":      result.Reason,
	}, nil
}

func handleResetAll(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	if err := d.db.ResetAll(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"reset": true}, nil
}
