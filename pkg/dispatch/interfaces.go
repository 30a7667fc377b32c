// Package dispatch holds the contracts between the relay core and the
// systems around it: the push channel, the device directory and the
// gateway credential source.
package dispatch

import (
	"context"
	"errors"

	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

// Send failures are classified into these sentinels; channels wrap them.
var (
	// ErrTokenInvalid means the gateway rejected the bearer token.
	ErrTokenInvalid = errors.New("push gateway rejected auth token")
	// ErrUnknownDevice means the gateway no longer knows the device key.
	ErrUnknownDevice = errors.New("push gateway does not know device")
	// ErrTransient covers timeouts, transport and 5xx failures.
	ErrTransient = errors.New("push gateway transient failure")
	// ErrAuthUnsupported is returned by channels that authenticate by other means.
	ErrAuthUnsupported = errors.New("push channel does not support credential exchange")
)

// Payload is the flat key/value data delivered to a device.
type Payload map[string]string

// PushChannel delivers payloads to single devices through a push gateway.
type PushChannel interface {
	// Authenticate exchanges credentials for a bearer token.
	Authenticate(ctx context.Context, username, password string) (string, error)
	// Send delivers payload to one device and returns the gateway receipt.
	Send(ctx context.Context, token, deviceKey string, payload Payload) (string, error)
}

// TokenSource supplies the current gateway credential.
type TokenSource interface {
	// Current returns the latest token, or nil when none was acquired yet.
	Current(ctx context.Context) (*relay.AuthToken, error)
	// Acquire performs a credential exchange and stores the new token.
	Acquire(ctx context.Context, username, password string) (*relay.AuthToken, error)
}

// DeviceRegistration is the input of a device upsert.
type DeviceRegistration struct {
	DeviceKey     string
	DeviceType    string
	DeviceVersion string
	Nickname      string
	// ExistingID selects the device to update; empty means upsert by key.
	ExistingID string
}

// DeviceDirectory manages and lists an owner's devices.
type DeviceDirectory interface {
	ListDevices(ctx context.Context, owner string) ([]*relay.Device, error)
	GetDevice(ctx context.Context, owner, id string) (*relay.Device, error)
	RegisterDevice(ctx context.Context, owner string, reg DeviceRegistration) (*relay.Device, error)
	// DeregisterDevice removes a device; notify tells the device first.
	DeregisterDevice(ctx context.Context, owner, id string, notify bool) error
}
