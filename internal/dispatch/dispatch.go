// Package dispatch implements the RPC Dispatcher: a closed method registry
// gating each call by what authentication it carries, running its handler,
// and guaranteeing any audit entry is persisted before the response is
// shaped. It is the seam between the background context's message-passing
// front door and every other component.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lukium/kms-enclave/internal/audit"
	"github.com/lukium/kms-enclave/internal/clock"
	"github.com/lukium/kms-enclave/internal/endpoint"
	"github.com/lukium/kms-enclave/internal/keyprovider"
	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/lease"
	"github.com/lukium/kms-enclave/internal/storage"
	"github.com/lukium/kms-enclave/internal/unlock"
)

// Request is the single envelope shape every RPC arrives in.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// ErrorBody is the wire shape of a failed response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is either {id, result} or {id, error}, never both.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

// Gate classifies what a method requires before its handler runs. It is
// descriptive only; each handler still performs its
// own field-level validation, since the shape of "carries credentials" or
// "carries a lease id" differs per method.
type Gate string

const (
	GatePublic         Gate = "public"
	GateRequiresUnlock Gate = "requires-unlock"
	GateLeaseAuth      Gate = "lease-auth"
)

type methodFunc func(ctx context.Context, d *Dispatcher, params json.RawMessage, requestID string) (interface{}, error)

type methodEntry struct {
	gate    Gate
	handler methodFunc
}

// methods is the closed registry of every RPC this core answers; Handle
// rejects anything not in this map with method-unknown.
var methods = map[string]methodEntry{
	"setupPassphrase":           {GatePublic, handleSetupPassphrase},
	"setupAuthenticatorDerived": {GatePublic, handleSetupAuthenticatorDerived},
	"setupAuthenticatorGate":    {GatePublic, handleSetupAuthenticatorGate},
	"setupWithPopup":            {GatePublic, handleSetupWithPopup},
	"addEnrollment":             {GateRequiresUnlock, handleAddEnrollment},
	"removeEnrollment":          {GateRequiresUnlock, handleRemoveEnrollment},
	"fullSetup":                 {GatePublic, handleFullSetup},

	"generateSigningKey":   {GateRequiresUnlock, handleGenerateSigningKey},
	"regenerateSigningKey": {GateRequiresUnlock, handleRegenerateSigningKey},
	"getPublicKey":         {GatePublic, handleGetPublicKey},
	"getCurrentPublicKey":  {GatePublic, handleGetCurrentPublicKey},

	"createLease":   {GateRequiresUnlock, handleCreateLease},
	"extendLeases":  {GateLeaseAuth, handleExtendLeases},
	"verifyLease":   {GateLeaseAuth, handleVerifyLease},
	"getUserLeases": {GatePublic, handleGetUserLeases},
	"revokeLease":   {GateLeaseAuth, handleRevokeLease},

	"issueToken":  {GateLeaseAuth, handleIssueToken},
	"issueTokens": {GateLeaseAuth, handleIssueTokens},

	"setEndpoint":    {GatePublic, handleSetEndpoint},
	"removeEndpoint": {GatePublic, handleRemoveEndpoint},
	"getEndpoint":    {GatePublic, handleGetEndpoint},

	"isSetup":         {GatePublic, handleIsSetup},
	"getEnrollments":  {GatePublic, handleGetEnrollments},
	"getAuditLog":     {GatePublic, handleGetAuditLog},
	"getAuditPublicKey": {GatePublic, handleGetAuditPublicKey},
	"verifyAuditChain": {GatePublic, handleVerifyAuditChain},

	"resetAll": {GatePublic, handleResetAll},
}

// Dispatcher owns every collaborator component and the one Host used for
// background→foreground internal messages. There is exactly one instance
// per running core.
type Dispatcher struct {
	db        *storage.DB
	unlock    *unlock.Manager
	audit     *audit.Log
	provider  *keyprovider.Provider
	leases    *lease.Manager
	clock     clock.Clock
	whitelist endpoint.Whitelist
	host      Host
}

// New constructs a Dispatcher. whitelist is the configured set of
// trusted push-service hostnames; host services the three internal
// message protocols the background context hands off to the foreground.
func New(db *storage.DB, unlockMgr *unlock.Manager, auditLog *audit.Log, provider *keyprovider.Provider, leaseMgr *lease.Manager, clk clock.Clock, whitelist endpoint.Whitelist, host Host) *Dispatcher {
	return &Dispatcher{
		db:        db,
		unlock:    unlockMgr,
		audit:     auditLog,
		provider:  provider,
		leases:    leaseMgr,
		clock:     clk,
		whitelist: whitelist,
		host:      host,
	}
}

// Handle routes req to its registered handler and shapes the response.
// Any handler error — whatever component it originated in — is flattened
// to {code, message} via kmserrors.KindOf, never leaking a Go stack or
// secret material.
func (d *Dispatcher) Handle(ctx context.Context, req Request) Response {
	entry, ok := methods[req.Method]
	if !ok {
		return errorResponse(req.ID, kmserrors.New(kmserrors.KindMethodUnknown, fmt.Sprintf("unrecognized method %q", req.Method)))
	}
	result, err := entry.handler(ctx, d, req.Params, req.ID)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return Response{ID: req.ID, Result: result}
}

func errorResponse(id string, err error) Response {
	return Response{ID: id, Error: &ErrorBody{Code: string(kmserrors.KindOf(err)), Message: err.Error()}}
}

// decodeParams unmarshals raw into v, shaping any failure as invalid-format
// rather than letting a Go JSON error escape verbatim.
func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return kmserrors.New(kmserrors.KindInvalidFormat, "params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return kmserrors.Wrap(kmserrors.KindInvalidFormat, "decode params", err)
	}
	return nil
}

func requireString(name, value string) error {
	if value == "" {
		return kmserrors.New(kmserrors.KindInvalidParam, name+" is required")
	}
	return nil
}
