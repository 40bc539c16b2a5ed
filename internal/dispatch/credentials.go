package dispatch

import (
	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/primitives"
	"github.com/lukium/kms-enclave/internal/unlock"
)

// credentialsParam is the wire shape of the AuthCredentials discriminated
// union: exactly the fields for Method are meaningful, and toCredentials
// enforces the method/field relationship rather than accepting an
// arbitrary map.
type credentialsParam struct {
	Method              string `json:"method"`
	UserID              string `json:"userId"`
	Passphrase          string `json:"passphrase,omitempty"`
	CredentialID        string `json:"credentialId,omitempty"`
	AuthenticatorOutput string `json:"authenticatorOutput,omitempty"`
	AppSalt             string `json:"appSalt,omitempty"`
}

func (c credentialsParam) toCredentials() (unlock.Credentials, error) {
	if err := requireString("credentials.userId", c.UserID); err != nil {
		return unlock.Credentials{}, err
	}
	method := unlock.Method(c.Method)
	creds := unlock.Credentials{Method: method, UserID: c.UserID, Passphrase: c.Passphrase, CredentialID: c.CredentialID}

	switch method {
	case unlock.MethodPassphrase:
	case unlock.MethodAuthenticatorDerived:
		if c.AuthenticatorOutput != "" {
			b, err := primitives.B64URLDecode(c.AuthenticatorOutput)
			if err != nil {
				return unlock.Credentials{}, err
			}
			creds.AuthenticatorOutput = b
		}
		if c.AppSalt != "" {
			b, err := primitives.B64URLDecode(c.AppSalt)
			if err != nil {
				return unlock.Credentials{}, err
			}
			creds.AppSalt = b
		}
	case unlock.MethodAuthenticatorGate:
	default:
		return unlock.Credentials{}, kmserrors.New(kmserrors.KindInvalidParam, "credentials.method must be one of passphrase, authenticator-derived, authenticator-gate")
	}
	return creds, nil
}
