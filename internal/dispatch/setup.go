package dispatch

import (
	"context"
	"encoding/json"

	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/unlock"
)

// setupResult is the common shape every setup-family handler returns.
func setupResult(userID string) interface{} {
	return map[string]interface{}{"userId": userID}
}

// runSetup performs the unlock-manager setup plus the two audit entries
// spec scenario 1 names: `enroll-user-audit-key` (idempotent, system-role)
// then `setup` (user-role). Every setup* handler funnels through this so
// the audit sequence is identical regardless of which method enrolled.
func runSetup(ctx context.Context, d *Dispatcher, creds unlock.Credentials, requestID string) error {
	ms, err := d.unlock.Setup(ctx, creds)
	if err != nil {
		return err
	}
	defer ms.Destroy()

	if _, err := d.audit.EnrollUserAuditKey(ctx, creds.UserID, requestID); err != nil {
		return err
	}
	if _, err := d.audit.AppendUser(ctx, creds.UserID, "setup", "", requestID, map[string]interface{}{"method": string(creds.Method)}, nil); err != nil {
		return err
	}
	return nil
}

type setupPassphraseParams struct {
	UserID     string `json:"userId"`
	Passphrase string `json:"passphrase"`
}

func handleSetupPassphrase(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p setupPassphraseParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("userId", p.UserID); err != nil {
		return nil, err
	}
	creds := unlock.Credentials{Method: unlock.MethodPassphrase, UserID: p.UserID, Passphrase: p.Passphrase}
	if err := runSetup(ctx, d, creds, requestID); err != nil {
		return nil, err
	}
	return setupResult(p.UserID), nil
}

type setupAuthenticatorDerivedParams struct {
	UserID               string `json:"userId"`
	CredentialID         string `json:"credentialId"`
	AuthenticatorOutput  string `json:"authenticatorOutput"`
	AppSalt              string `json:"appSalt"`
}

func handleSetupAuthenticatorDerived(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p setupAuthenticatorDerivedParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("userId", p.UserID); err != nil {
		return nil, err
	}
	if err := requireString("credentialId", p.CredentialID); err != nil {
		return nil, err
	}
	cp := credentialsParam{Method: string(unlock.MethodAuthenticatorDerived), UserID: p.UserID, CredentialID: p.CredentialID, AuthenticatorOutput: p.AuthenticatorOutput, AppSalt: p.AppSalt}
	creds, err := cp.toCredentials()
	if err != nil {
		return nil, err
	}
	if err := runSetup(ctx, d, creds, requestID); err != nil {
		return nil, err
	}
	return setupResult(p.UserID), nil
}

type setupAuthenticatorGateParams struct {
	UserID       string `json:"userId"`
	CredentialID string `json:"credentialId"`
}

func handleSetupAuthenticatorGate(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p setupAuthenticatorGateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("userId", p.UserID); err != nil {
		return nil, err
	}
	if err := requireString("credentialId", p.CredentialID); err != nil {
		return nil, err
	}
	creds := unlock.Credentials{Method: unlock.MethodAuthenticatorGate, UserID: p.UserID, CredentialID: p.CredentialID}
	if err := runSetup(ctx, d, creds, requestID); err != nil {
		return nil, err
	}
	return setupResult(p.UserID), nil
}

type setupWithPopupParams struct {
	UserID string `json:"userId"`
}

func handleSetupWithPopup(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p setupWithPopupParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("userId", p.UserID); err != nil {
		return nil, err
	}
	creds, err := callWithTimeout(ctx, popupTimeout, kmserrors.KindPopupTimeout, "credential-collection popup timed out", func(cctx context.Context) (*unlock.Credentials, error) {
		return d.host.RequestCredentialPopup(cctx, p.UserID, requestID)
	})
	if err != nil {
		return nil, err
	}
	if creds == nil || creds.UserID != p.UserID {
		return nil, kmserrors.New(kmserrors.KindInvalidParam, "popup did not return credentials for the requested user")
	}
	if err := runSetup(ctx, d, *creds, requestID); err != nil {
		return nil, err
	}
	return setupResult(p.UserID), nil
}

type addEnrollmentParams struct {
	UserID                      string `json:"userId"`
	Credentials                 credentialsParam `json:"credentials"`
	NewMethod                   string `json:"newMethod"`
	NewPassphrase               string `json:"newPassphrase,omitempty"`
	NewCredentialID             string `json:"newCredentialId,omitempty"`
	NewAuthenticatorOutput      string `json:"newAuthenticatorOutput,omitempty"`
	NewAppSalt                  string `json:"newAppSalt,omitempty"`
}

func handleAddEnrollment(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p addEnrollmentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("userId", p.UserID); err != nil {
		return nil, err
	}
	existing, err := p.Credentials.toCredentials()
	if err != nil {
		return nil, err
	}
	if existing.UserID != p.UserID {
		return nil, kmserrors.New(kmserrors.KindInvalidParam, "credentials.userId must match userId")
	}

	newCP := credentialsParam{
		Method:              p.NewMethod,
		UserID:              p.UserID,
		Passphrase:          p.NewPassphrase,
		CredentialID:        p.NewCredentialID,
		AuthenticatorOutput: p.NewAuthenticatorOutput,
		AppSalt:             p.NewAppSalt,
	}
	newCreds, err := newCP.toCredentials()
	if err != nil {
		return nil, err
	}

	ms, err := d.unlock.AddEnrollment(ctx, existing, newCreds)
	if err != nil {
		return nil, err
	}
	defer ms.Destroy()

	if _, err := d.audit.AppendUser(ctx, p.UserID, "addEnrollment", "", requestID, map[string]interface{}{"method": p.NewMethod}, nil); err != nil {
		return nil, err
	}
	return setupResult(p.UserID), nil
}

type removeEnrollmentParams struct {
	EnrollmentID string           `json:"enrollmentId"`
	Credentials  credentialsParam `json:"credentials"`
}

func handleRemoveEnrollment(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p removeEnrollmentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("enrollmentId", p.EnrollmentID); err != nil {
		return nil, err
	}
	creds, err := p.Credentials.toCredentials()
	if err != nil {
		return nil, err
	}

	if err := d.unlock.RemoveEnrollment(ctx, unlock.Method(p.EnrollmentID), creds); err != nil {
		return nil, err
	}
	if _, err := d.audit.AppendUser(ctx, creds.UserID, "removeEnrollment", "", requestID, map[string]interface{}{"enrollmentId": p.EnrollmentID}, nil); err != nil {
		return nil, err
	}
	return setupResult(creds.UserID), nil
}

type isSetupParams struct {
	UserID string `json:"userId,omitempty"`
}

func handleIsSetup(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p isSetupParams
	if len(raw) > 0 {
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
	}
	if err := requireString("userId", p.UserID); err != nil {
		return nil, err
	}
	isSetup, err := d.unlock.IsSetup(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"isSetup": isSetup}, nil
}

type getEnrollmentsParams struct {
	UserID string `json:"userId"`
}

func handleGetEnrollments(ctx context.Context, d *Dispatcher, raw json.RawMessage, requestID string) (interface{}, error) {
	var p getEnrollmentsParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := requireString("userId", p.UserID); err != nil {
		return nil, err
	}
	methodsFound, err := d.unlock.GetEnrollments(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"methods": methodsFound}, nil
}
