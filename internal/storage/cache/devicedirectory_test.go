package cache_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-pushrelay-service/internal/storage/cache"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/dispatch"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

// --- Mocks ---
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string, dest any) error {
	args := m.Called(ctx, key, dest)
	return args.Error(0)
}
func (m *MockCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}
func (m *MockCache) Del(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) ListDevices(ctx context.Context, owner string) ([]*relay.Device, error) {
	args := m.Called(ctx, owner)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*relay.Device), args.Error(1)
}
func (m *MockDirectory) GetDevice(ctx context.Context, owner, id string) (*relay.Device, error) {
	args := m.Called(ctx, owner, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*relay.Device), args.Error(1)
}
func (m *MockDirectory) RegisterDevice(ctx context.Context, owner string, reg dispatch.DeviceRegistration) (*relay.Device, error) {
	args := m.Called(ctx, owner, reg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*relay.Device), args.Error(1)
}
func (m *MockDirectory) DeregisterDevice(ctx context.Context, owner, id string, notify bool) error {
	return m.Called(ctx, owner, id, notify).Error(0)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	owner    = "urn:sm:user:annoyed-user"
	cacheKey = "notify:devices:urn:sm:user:annoyed-user"
)

func TestCachedDirectory_ReadAside(t *testing.T) {
	ctx := context.Background()

	t.Run("Cache hit skips the store", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDir := new(MockDirectory)
		dir := cache.NewCachedDeviceDirectory(mockDir, mockCache, time.Hour, newTestLogger())

		mockCache.On("Get", ctx, cacheKey, mock.Anything).
			Run(func(args mock.Arguments) {
				dest := args.Get(2).(*[]*relay.Device)
				*dest = []*relay.Device{{ID: "d1"}}
			}).
			Return(nil)

		devs, err := dir.ListDevices(ctx, owner)
		require.NoError(t, err)
		require.Len(t, devs, 1)
		assert.Equal(t, "d1", devs[0].ID)
		mockDir.AssertNotCalled(t, "ListDevices", mock.Anything, mock.Anything)
	})

	t.Run("Cache miss reads store and populates", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDir := new(MockDirectory)
		dir := cache.NewCachedDeviceDirectory(mockDir, mockCache, time.Hour, newTestLogger())
		fresh := []*relay.Device{{ID: "d1"}, {ID: "d2"}}

		mockCache.On("Get", ctx, cacheKey, mock.Anything).Return(cache.ErrCacheMiss)
		mockDir.On("ListDevices", ctx, owner).Return(fresh, nil)
		mockCache.On("Set", ctx, cacheKey, fresh, time.Hour).Return(nil)

		devs, err := dir.ListDevices(ctx, owner)
		require.NoError(t, err)
		assert.Len(t, devs, 2)
		mockCache.AssertExpectations(t)
	})

	t.Run("Redis down still serves from store", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDir := new(MockDirectory)
		dir := cache.NewCachedDeviceDirectory(mockDir, mockCache, time.Hour, newTestLogger())

		mockCache.On("Get", ctx, cacheKey, mock.Anything).Return(errors.New("connection refused"))
		mockDir.On("ListDevices", ctx, owner).Return([]*relay.Device{{ID: "d1"}}, nil)
		mockCache.On("Set", ctx, cacheKey, mock.Anything, time.Hour).Return(errors.New("connection refused"))

		devs, err := dir.ListDevices(ctx, owner)
		require.NoError(t, err)
		assert.Len(t, devs, 1)
	})
}

func TestCachedDirectory_ImmediateInvalidation(t *testing.T) {
	ctx := context.Background()

	t.Run("Deregister invalidates cache immediately", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDir := new(MockDirectory)
		dir := cache.NewCachedDeviceDirectory(mockDir, mockCache, time.Hour, newTestLogger())

		mockDir.On("DeregisterDevice", ctx, owner, "d1", true).Return(nil)
		mockCache.On("Del", ctx, cacheKey).Return(nil)

		require.NoError(t, dir.DeregisterDevice(ctx, owner, "d1", true))
		mockDir.AssertExpectations(t)
		mockCache.AssertExpectations(t)
	})

	t.Run("Register invalidates cache", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDir := new(MockDirectory)
		dir := cache.NewCachedDeviceDirectory(mockDir, mockCache, time.Hour, newTestLogger())
		reg := dispatch.DeviceRegistration{DeviceKey: "abc", DeviceType: relay.DeviceTypeAndroid}

		mockDir.On("RegisterDevice", ctx, owner, reg).Return(&relay.Device{ID: "d1"}, nil)
		mockCache.On("Del", ctx, cacheKey).Return(nil)

		dev, err := dir.RegisterDevice(ctx, owner, reg)
		require.NoError(t, err)
		assert.Equal(t, "d1", dev.ID)
		mockCache.AssertExpectations(t)
	})

	t.Run("Failed store write leaves cache alone", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDir := new(MockDirectory)
		dir := cache.NewCachedDeviceDirectory(mockDir, mockCache, time.Hour, newTestLogger())

		mockDir.On("DeregisterDevice", ctx, owner, "d1", false).Return(relay.ErrNotFound)

		err := dir.DeregisterDevice(ctx, owner, "d1", false)
		assert.ErrorIs(t, err, relay.ErrNotFound)
		mockCache.AssertNotCalled(t, "Del", mock.Anything, mock.Anything)
	})
}
