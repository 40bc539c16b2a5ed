package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/lukium/kms-enclave/internal/endpoint"
	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/unlock"
)

// Host services the three internal message protocols the background
// context sends to the foreground/host. Each call must honor ctx's
// deadline; a production implementation posts a `{type, requestId, ...}`
// envelope and awaits the matching `-result` or `-error` back-channel
// message.
type Host interface {
	// RequestCredentialPopup opens the credential-collection window for
	// userId and returns the credentials the user supplied.
	RequestCredentialPopup(ctx context.Context, userID, requestID string) (*unlock.Credentials, error)
	// RequestPushSubscription asks the host to obtain a push subscription
	// and returns the resulting endpoint binding fields, not yet validated.
	RequestPushSubscription(ctx context.Context, userID, requestID string) (*endpoint.Binding, error)
	// RequestTestNotification asks the host to deliver token to binding as
	// a one-off test push.
	RequestTestNotification(ctx context.Context, binding *endpoint.Binding, token, requestID string) error
}

// Timeouts for the three internal message protocols; each carries its own
// bound so a host that never answers cannot wedge the dispatcher.
const (
	popupTimeout        = 60 * time.Second
	subscriptionTimeout = 45 * time.Second
	notificationTimeout = 30 * time.Second
)

// callWithTimeout wraps ctx with d, remapping its own deadline-exceeded into
// onTimeout so the caller gets a method-specific kmserrors.Kind rather than
// a bare context error.
func callWithTimeout[T any](ctx context.Context, d time.Duration, onTimeout kmserrors.Kind, message string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	result, err := call(cctx)
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return zero, kmserrors.New(onTimeout, message)
		}
		return zero, err
	}
	return result, nil
}
