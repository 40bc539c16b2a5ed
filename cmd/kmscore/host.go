package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/lukium/kms-enclave/internal/endpoint"
	"github.com/lukium/kms-enclave/internal/kmserrors"
	"github.com/lukium/kms-enclave/internal/unlock"
)

// stdioHost answers the dispatcher's three internal message protocols
// with a fixed refusal: this process has no actual popup window, push
// service, or notification channel to hand the request to.
// A real background-page host replaces this with one that round-trips
// through postMessage and the extension's own UI.
type stdioHost struct {
	logger *zap.Logger
}

func newStdioHost(logger *zap.Logger) *stdioHost {
	return &stdioHost{logger: logger}
}

func (h *stdioHost) RequestCredentialPopup(ctx context.Context, userID, requestID string) (*unlock.Credentials, error) {
	h.logger.Warn("credential popup requested but no host UI is attached", zap.String("userId", userID), zap.String("requestId", requestID))
	return nil, kmserrors.New(kmserrors.KindPopupTimeout, "no credential popup host is attached to this process")
}

func (h *stdioHost) RequestPushSubscription(ctx context.Context, userID, requestID string) (*endpoint.Binding, error) {
	h.logger.Warn("push subscription requested but no host is attached", zap.String("userId", userID), zap.String("requestId", requestID))
	return nil, kmserrors.New(kmserrors.KindSubscriptionTimeout, "no push subscription host is attached to this process")
}

func (h *stdioHost) RequestTestNotification(ctx context.Context, binding *endpoint.Binding, token, requestID string) error {
	h.logger.Info("test notification requested but no host is attached", zap.String("endpointId", binding.EndpointID), zap.String("requestId", requestID))
	return kmserrors.New(kmserrors.KindNotificationTimeout, "no push notification host is attached to this process")
}
