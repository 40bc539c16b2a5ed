// Package endpoint implements endpoint-binding validation: https-only
// URLs, a configured hostname whitelist, and fixed-length p256dh/auth
// client keys. A Binding is a field on a signing key's record,
// not its own store — at most one per key.
package endpoint

import (
	"net/url"
	"strings"

	"github.com/lukium/kms-enclave/internal/kmserrors"
)

// P256DHLen and AuthLen are the contractual byte widths of a push
// subscription's client keys.
const (
	P256DHLen = 65
	AuthLen   = 16
)

// Whitelist is a configured set of trusted push-service hostnames, treated
// as a fixed constant rather than anything discovered or negotiated at
// runtime.
type Whitelist []string

// Allows reports whether host equals, or is a dotted subdomain of, any
// entry in w.
func (w Whitelist) Allows(host string) bool {
	host = strings.ToLower(host)
	for _, entry := range w {
		entry = strings.ToLower(entry)
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// DefaultWhitelist carries the push-service hostnames for the major
// browser vendors; deployments may override it via configuration.
var DefaultWhitelist = Whitelist{
	"fcm.googleapis.com",
	"updates.push.services.mozilla.com",
	"notify.windows.com",
	"push.apple.com",
}

// Binding is the persisted EndpointBinding: at most one per
// SigningKeyRecord, validated once at creation time and trusted thereafter.
type Binding struct {
	EndpointID string `json:"endpointId"`
	URL        string `json:"url"`
	Expiration int64  `json:"expiration,omitempty"`
	P256DH     []byte `json:"p256dh"`
	Auth       []byte `json:"auth"`
	CreatedAt  int64  `json:"createdAt"`
}

// New validates the raw fields an RPC caller supplies and constructs a
// Binding, failing with kmserrors.KindInvalidEndpoint on any violation.
func New(endpointID, rawURL string, p256dh, auth []byte, expiration, createdAt int64, whitelist Whitelist) (*Binding, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" || u.Hostname() == "" {
		return nil, kmserrors.New(kmserrors.KindInvalidEndpoint, "endpoint url must be an https URL")
	}
	if !whitelist.Allows(u.Hostname()) {
		return nil, kmserrors.New(kmserrors.KindInvalidEndpoint, "endpoint hostname is not in the whitelist")
	}
	if len(p256dh) != P256DHLen {
		return nil, kmserrors.New(kmserrors.KindInvalidEndpoint, "p256dh key must be 65 bytes")
	}
	if len(auth) != AuthLen {
		return nil, kmserrors.New(kmserrors.KindInvalidEndpoint, "auth key must be 16 bytes")
	}
	return &Binding{
		EndpointID: endpointID,
		URL:        rawURL,
		Expiration: expiration,
		P256DH:     append([]byte(nil), p256dh...),
		Auth:       append([]byte(nil), auth...),
		CreatedAt:  createdAt,
	}, nil
}

// Hostname re-parses b's URL, for callers (the signing-engine policy check)
// that only stored the full URL.
func (b *Binding) Hostname() (string, error) {
	u, err := url.Parse(b.URL)
	if err != nil {
		return "", kmserrors.New(kmserrors.KindInvalidEndpoint, "stored endpoint url is malformed")
	}
	return u.Hostname(), nil
}
