package fcm

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"

	"github.com/tinywideclouds/go-pushrelay-service/pkg/dispatch"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// Channel delivers relay payloads as FCM data messages. The Firebase client
// carries its own service account credentials, so the relay bearer token is
// ignored.
type Channel struct {
	client MessagingClient
	logger *slog.Logger
}

func NewChannel(client MessagingClient, logger *slog.Logger) *Channel {
	return &Channel{
		client: client,
		logger: logger.With("component", "FCMChannel"),
	}
}

func (c *Channel) Authenticate(_ context.Context, _, _ string) (string, error) {
	return "", dispatch.ErrAuthUnsupported
}

func (c *Channel) Send(ctx context.Context, _ string, deviceKey string, payload dispatch.Payload) (string, error) {
	msg := &messaging.Message{
		Token: deviceKey,
		Data:  payload,
		Android: &messaging.AndroidConfig{
			CollapseKey: payload["type"],
			Priority:    "high",
		},
	}

	id, err := c.client.Send(ctx, msg)
	if err == nil {
		return id, nil
	}

	switch {
	case messaging.IsRegistrationTokenNotRegistered(err), messaging.IsInvalidArgument(err):
		c.logger.Debug("FCM rejected device token", "err", err)
		return "", fmt.Errorf("%w: %v", dispatch.ErrUnknownDevice, err)
	case messaging.IsThirdPartyAuthError(err), messaging.IsSenderIDMismatch(err):
		return "", fmt.Errorf("%w: %v", dispatch.ErrTokenInvalid, err)
	default:
		return "", fmt.Errorf("%w: fcm send failed: %v", dispatch.ErrTransient, err)
	}
}
