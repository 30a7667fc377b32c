package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-pushrelay-service/pkg/dispatch"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns ErrCacheMiss when the key is absent.
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// CachedDeviceDirectory is a decorator that adds read-aside caching of an
// owner's device list to any DeviceDirectory. Every dispatch lists the
// owner's devices, so this takes the device reads off the entity store.
type CachedDeviceDirectory struct {
	real   dispatch.DeviceDirectory
	cache  CacheClient
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedDeviceDirectory(real dispatch.DeviceDirectory, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedDeviceDirectory {
	return &CachedDeviceDirectory{
		real:   real,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With("component", "CachedDeviceDirectory"),
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedDeviceDirectory) ListDevices(ctx context.Context, owner string) ([]*relay.Device, error) {
	key := cacheKey(owner)

	var cached []*relay.Device
	err := s.cache.Get(ctx, key, &cached)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.logger.Warn("Device cache read failed, using store", "owner", owner, "err", err)
	}

	fresh, err := s.real.ListDevices(ctx, owner)
	if err != nil {
		return nil, err
	}

	// Caching is an optimisation; if Redis is down we serve from the store.
	if err := s.cache.Set(ctx, key, fresh, s.ttl); err != nil {
		s.logger.Warn("Device cache write failed", "owner", owner, "err", err)
	}
	return fresh, nil
}

func (s *CachedDeviceDirectory) GetDevice(ctx context.Context, owner, id string) (*relay.Device, error) {
	return s.real.GetDevice(ctx, owner, id)
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedDeviceDirectory) RegisterDevice(ctx context.Context, owner string, reg dispatch.DeviceRegistration) (*relay.Device, error) {
	dev, err := s.real.RegisterDevice(ctx, owner, reg)
	if err != nil {
		return nil, err
	}
	return dev, s.invalidate(ctx, owner)
}

// DeregisterDevice clears the cache even when only the store write
// succeeded, so a removed device stops receiving pushes immediately.
func (s *CachedDeviceDirectory) DeregisterDevice(ctx context.Context, owner, id string, notify bool) error {
	if err := s.real.DeregisterDevice(ctx, owner, id, notify); err != nil {
		return err
	}
	return s.invalidate(ctx, owner)
}

func (s *CachedDeviceDirectory) invalidate(ctx context.Context, owner string) error {
	if err := s.cache.Del(ctx, cacheKey(owner)); err != nil {
		return fmt.Errorf("invalidate device cache for %s: %w", owner, err)
	}
	return nil
}

func cacheKey(owner string) string {
	return fmt.Sprintf("notify:devices:%s", owner)
}
