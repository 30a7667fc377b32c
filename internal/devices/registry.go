// Package devices is the device registry: owner-scoped device upserts,
// deduplicated by device key and indexed in the owner's device collection.
package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-pushrelay-service/internal/collection"
	"github.com/tinywideclouds/go-pushrelay-service/internal/delivery"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/datastore"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/dispatch"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

// Registry implements dispatch.DeviceDirectory.
type Registry struct {
	collections *collection.Manager
	sender      delivery.Sender
	logger      *slog.Logger
	now         func() time.Time
}

func NewRegistry(collections *collection.Manager, sender delivery.Sender, logger *slog.Logger) *Registry {
	return &Registry{
		collections: collections,
		sender:      sender,
		logger:      logger.With("component", "DeviceRegistry"),
		now:         time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// ListDevices returns the owner's devices, least recently updated first.
func (r *Registry) ListDevices(ctx context.Context, owner string) ([]*relay.Device, error) {
	devs, err := collection.ReadEntities[relay.Device](ctx, r.collections, owner, relay.KindDevice, 0)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(devs, func(a, b *relay.Device) int {
		return a.Updated.Compare(b.Updated)
	})
	return devs, nil
}

func (r *Registry) GetDevice(ctx context.Context, owner, id string) (*relay.Device, error) {
	return collection.LoadOwned[relay.Device](ctx, r.collections.Store(), owner, relay.KindDevice, id, deviceOwner)
}

// RegisterDevice creates or updates a device. Without an ExistingID the
// owner's devices are scanned for the same key inside the transaction, so
// a key is never registered twice.
func (r *Registry) RegisterDevice(ctx context.Context, owner string, reg dispatch.DeviceRegistration) (*relay.Device, error) {
	if reg.DeviceKey == "" {
		return nil, relay.Errorf(relay.KindMissingParameters, "device key is required")
	}
	if reg.DeviceType != relay.DeviceTypeAndroid {
		return nil, relay.Errorf(relay.KindUnsupportedDeviceType, "unsupported device type %q", reg.DeviceType)
	}

	now := r.now().UTC()
	var out *relay.Device
	err := r.collections.Transact(ctx, owner, []relay.Kind{relay.KindDevice}, func(tx *collection.Txn) error {
		dev, err := findForUpdate(tx, owner, reg)
		if err != nil {
			return err
		}
		if dev == nil {
			dev = &relay.Device{ID: uuid.NewString(), Owner: owner, Created: now}
		}
		dev.DeviceKey = reg.DeviceKey
		dev.DeviceType = reg.DeviceType
		dev.DeviceVersion = reg.DeviceVersion
		dev.Nickname = reg.Nickname
		dev.Updated = now

		if err := tx.Put(deviceKey(owner, dev.ID), dev); err != nil {
			return err
		}
		if err := tx.Add(relay.KindDevice, dev.ID); err != nil {
			return err
		}
		out = dev
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Device registered", "owner", owner, "device_id", out.ID)
	return out, nil
}

// DeregisterDevice removes a device. When notify is set the device is told
// first; that push is best effort and does not stop the removal.
func (r *Registry) DeregisterDevice(ctx context.Context, owner, id string, notify bool) error {
	dev, err := r.GetDevice(ctx, owner, id)
	if err != nil {
		return err
	}

	if notify {
		if err := r.sender.DeliverOne(ctx, dev, delivery.DeviceDeletePayload(dev, r.now())); err != nil {
			r.logger.Warn("Device delete notification failed", "owner", owner, "device_id", id, "err", err)
		}
	}

	err = r.collections.Transact(ctx, owner, []relay.Kind{relay.KindDevice}, func(tx *collection.Txn) error {
		if err := tx.Delete(deviceKey(owner, id)); err != nil {
			return err
		}
		return tx.Remove(relay.KindDevice, id)
	})
	if err != nil {
		return fmt.Errorf("delete device %s: %w", id, err)
	}

	r.logger.Info("Device removed", "owner", owner, "device_id", id, "notified", notify)
	return nil
}

func findForUpdate(tx *collection.Txn, owner string, reg dispatch.DeviceRegistration) (*relay.Device, error) {
	if reg.ExistingID != "" {
		var dev relay.Device
		err := tx.Get(deviceKey(owner, reg.ExistingID), &dev)
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, relay.Errorf(relay.KindNotFound, "device %s not found", reg.ExistingID)
		}
		if err != nil {
			return nil, err
		}
		if dev.Owner != owner {
			return nil, relay.Errorf(relay.KindForbidden, "device %s belongs to another owner", reg.ExistingID)
		}
		dev.ID = reg.ExistingID
		return &dev, nil
	}

	snaps, err := tx.Query(owner, relay.KindDevice)
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		var dev relay.Device
		if err := snap.DataTo(&dev); err != nil {
			return nil, fmt.Errorf("decode device %s: %w", snap.ID(), err)
		}
		if dev.DeviceKey == reg.DeviceKey {
			dev.ID = snap.ID()
			return &dev, nil
		}
	}
	return nil, nil
}

func deviceKey(owner, id string) datastore.Key {
	return datastore.Key{Owner: owner, Kind: relay.KindDevice, ID: id}
}

func deviceOwner(d *relay.Device) string { return d.Owner }
