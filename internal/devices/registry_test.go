package devices_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-pushrelay-service/internal/collection"
	"github.com/tinywideclouds/go-pushrelay-service/internal/delivery"
	"github.com/tinywideclouds/go-pushrelay-service/internal/devices"
	"github.com/tinywideclouds/go-pushrelay-service/internal/storage/sqlite"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/dispatch"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

const (
	alice = "urn:sm:user:alice"
	bob   = "urn:sm:user:bob"
)

// recordingSender captures single-device pushes.
type recordingSender struct {
	mu      sync.Mutex
	pushed  []dispatch.Payload
	failOne error
}

func (s *recordingSender) Deliver(ctx context.Context, devs []*relay.Device, payload delivery.PayloadFunc) delivery.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range devs {
		s.pushed = append(s.pushed, payload(d))
	}
	return delivery.Report{Sent: len(devs)}
}

func (s *recordingSender) DeliverOne(ctx context.Context, dev *relay.Device, payload dispatch.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed = append(s.pushed, payload)
	return s.failOne
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T) (*devices.Registry, *collection.Manager, *recordingSender) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	collections := collection.NewManager(store, newTestLogger())
	sender := &recordingSender{}
	return devices.NewRegistry(collections, sender, newTestLogger()), collections, sender
}

func android(key, nickname string) dispatch.DeviceRegistration {
	return dispatch.DeviceRegistration{DeviceKey: key, DeviceType: relay.DeviceTypeAndroid, DeviceVersion: "1.0", Nickname: nickname}
}

func TestRegisterDevice(t *testing.T) {
	ctx := context.Background()

	t.Run("Same key twice updates in place", func(t *testing.T) {
		reg, collections, _ := setup(t)

		first, err := reg.RegisterDevice(ctx, alice, android("abc", "phone"))
		require.NoError(t, err)
		second, err := reg.RegisterDevice(ctx, alice, dispatch.DeviceRegistration{
			DeviceKey: "abc", DeviceType: relay.DeviceTypeAndroid, DeviceVersion: "2.0", Nickname: "renamed",
		})
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.True(t, first.Created.Equal(second.Created))

		devs, err := reg.ListDevices(ctx, alice)
		require.NoError(t, err)
		require.Len(t, devs, 1)
		assert.Equal(t, "renamed", devs[0].Nickname)
		assert.Equal(t, "2.0", devs[0].DeviceVersion)

		count, err := collections.Count(ctx, alice, relay.KindDevice)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("Same key for different owners is independent", func(t *testing.T) {
		reg, _, _ := setup(t)
		a, err := reg.RegisterDevice(ctx, alice, android("abc", "a"))
		require.NoError(t, err)
		b, err := reg.RegisterDevice(ctx, bob, android("abc", "b"))
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("Unsupported device type", func(t *testing.T) {
		reg, _, _ := setup(t)
		_, err := reg.RegisterDevice(ctx, alice, dispatch.DeviceRegistration{DeviceKey: "abc", DeviceType: "ios"})
		assert.ErrorIs(t, err, relay.ErrUnsupportedDeviceType)

		devs, err := reg.ListDevices(ctx, alice)
		require.NoError(t, err)
		assert.Empty(t, devs)
	})

	t.Run("Missing key", func(t *testing.T) {
		reg, _, _ := setup(t)
		_, err := reg.RegisterDevice(ctx, alice, dispatch.DeviceRegistration{DeviceType: relay.DeviceTypeAndroid})
		assert.ErrorIs(t, err, relay.ErrMissingParameters)
	})

	t.Run("Existing id updates that device", func(t *testing.T) {
		reg, _, _ := setup(t)
		dev, err := reg.RegisterDevice(ctx, alice, android("abc", "phone"))
		require.NoError(t, err)

		update := android("new-key", "tablet")
		update.ExistingID = dev.ID
		updated, err := reg.RegisterDevice(ctx, alice, update)
		require.NoError(t, err)
		assert.Equal(t, dev.ID, updated.ID)
		assert.Equal(t, "new-key", updated.DeviceKey)
	})

	t.Run("Existing id of unknown or foreign device", func(t *testing.T) {
		reg, _, _ := setup(t)
		bobs, err := reg.RegisterDevice(ctx, bob, android("abc", "bob"))
		require.NoError(t, err)

		update := android("abc", "x")
		update.ExistingID = "missing"
		_, err = reg.RegisterDevice(ctx, alice, update)
		assert.ErrorIs(t, err, relay.ErrNotFound)

		// Bob's device is not in Alice's scope, so it reads as not found.
		update.ExistingID = bobs.ID
		_, err = reg.RegisterDevice(ctx, alice, update)
		assert.ErrorIs(t, err, relay.ErrNotFound)
	})
}

func TestListDevices_SortedByUpdated(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := setup(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.WithClock(func() time.Time {
		now = now.Add(time.Minute)
		return now
	})

	_, err := reg.RegisterDevice(ctx, alice, android("k1", "one"))
	require.NoError(t, err)
	_, err = reg.RegisterDevice(ctx, alice, android("k2", "two"))
	require.NoError(t, err)
	_, err = reg.RegisterDevice(ctx, alice, android("k1", "one again"))
	require.NoError(t, err)

	devs, err := reg.ListDevices(ctx, alice)
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, "k2", devs[0].DeviceKey)
	assert.Equal(t, "k1", devs[1].DeviceKey)
}

func TestDeregisterDevice(t *testing.T) {
	ctx := context.Background()

	t.Run("Delete notifies then removes", func(t *testing.T) {
		reg, collections, sender := setup(t)
		dev, err := reg.RegisterDevice(ctx, alice, android("abc", "phone"))
		require.NoError(t, err)

		require.NoError(t, reg.DeregisterDevice(ctx, alice, dev.ID, true))

		require.Len(t, sender.pushed, 1)
		assert.Equal(t, delivery.TypeDeviceDelete, sender.pushed[0]["type"])
		assert.Equal(t, dev.ID, sender.pushed[0]["device_id"])

		_, err = reg.GetDevice(ctx, alice, dev.ID)
		assert.ErrorIs(t, err, relay.ErrNotFound)
		count, err := collections.Count(ctx, alice, relay.KindDevice)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("Failed notification does not stop removal", func(t *testing.T) {
		reg, _, sender := setup(t)
		sender.failOne = errors.New("gateway down")
		dev, err := reg.RegisterDevice(ctx, alice, android("abc", "phone"))
		require.NoError(t, err)

		require.NoError(t, reg.DeregisterDevice(ctx, alice, dev.ID, true))
		_, err = reg.GetDevice(ctx, alice, dev.ID)
		assert.ErrorIs(t, err, relay.ErrNotFound)
	})

	t.Run("Deregister without notify is silent", func(t *testing.T) {
		reg, _, sender := setup(t)
		dev, err := reg.RegisterDevice(ctx, alice, android("abc", "phone"))
		require.NoError(t, err)

		require.NoError(t, reg.DeregisterDevice(ctx, alice, dev.ID, false))
		assert.Empty(t, sender.pushed)
	})

	t.Run("Unknown device", func(t *testing.T) {
		reg, _, sender := setup(t)
		err := reg.DeregisterDevice(ctx, alice, "missing", true)
		assert.ErrorIs(t, err, relay.ErrNotFound)
		assert.Empty(t, sender.pushed)
	})
}
