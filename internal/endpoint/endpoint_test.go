package endpoint_test

import (
	"testing"

	"github.com/lukium/kms-enclave/internal/endpoint"
	"github.com/lukium/kms-enclave/internal/kmserrors"
)

func validKeys() ([]byte, []byte) {
	return make([]byte, endpoint.P256DHLen), make([]byte, endpoint.AuthLen)
}

func TestNewAcceptsWhitelistedHTTPSEndpoint(t *testing.T) {
	p256dh, auth := validKeys()
	b, err := endpoint.New("ep-1", "https://fcm.googleapis.com/send/abc", p256dh, auth, 0, 1000, endpoint.DefaultWhitelist)
	if err != nil {
		t.Fatal(err)
	}
	if b.EndpointID != "ep-1" {
		t.Fatalf("unexpected endpoint id: %q", b.EndpointID)
	}
}

func TestNewRejectsNonHTTPS(t *testing.T) {
	p256dh, auth := validKeys()
	_, err := endpoint.New("ep-1", "http://fcm.googleapis.com/send/abc", p256dh, auth, 0, 1000, endpoint.DefaultWhitelist)
	if kmserrors.KindOf(err) != kmserrors.KindInvalidEndpoint {
		t.Fatalf("expected invalid-endpoint, got %v", err)
	}
}

func TestNewRejectsUnlistedHostname(t *testing.T) {
	p256dh, auth := validKeys()
	_, err := endpoint.New("ep-1", "https://evil.example.com/send/abc", p256dh, auth, 0, 1000, endpoint.DefaultWhitelist)
	if kmserrors.KindOf(err) != kmserrors.KindInvalidEndpoint {
		t.Fatalf("expected invalid-endpoint, got %v", err)
	}
}

func TestNewAllowsDottedSubdomainOfWhitelistEntry(t *testing.T) {
	p256dh, auth := validKeys()
	_, err := endpoint.New("ep-1", "https://sub.push.apple.com/send/abc", p256dh, auth, 0, 1000, endpoint.DefaultWhitelist)
	if err != nil {
		t.Fatal(err)
	}
}

func TestNewRejectsWrongKeyLengths(t *testing.T) {
	_, err := endpoint.New("ep-1", "https://fcm.googleapis.com/send/abc", make([]byte, 64), make([]byte, endpoint.AuthLen), 0, 1000, endpoint.DefaultWhitelist)
	if kmserrors.KindOf(err) != kmserrors.KindInvalidEndpoint {
		t.Fatalf("expected invalid-endpoint for short p256dh, got %v", err)
	}

	p256dh, _ := validKeys()
	_, err = endpoint.New("ep-1", "https://fcm.googleapis.com/send/abc", p256dh, make([]byte, 15), 0, 1000, endpoint.DefaultWhitelist)
	if kmserrors.KindOf(err) != kmserrors.KindInvalidEndpoint {
		t.Fatalf("expected invalid-endpoint for short auth, got %v", err)
	}
}

func TestHostnameRoundTrips(t *testing.T) {
	p256dh, auth := validKeys()
	b, err := endpoint.New("ep-1", "https://fcm.googleapis.com/send/abc", p256dh, auth, 0, 1000, endpoint.DefaultWhitelist)
	if err != nil {
		t.Fatal(err)
	}
	host, err := b.Hostname()
	if err != nil {
		t.Fatal(err)
	}
	if host != "fcm.googleapis.com" {
		t.Fatalf("unexpected hostname: %q", host)
	}
}
