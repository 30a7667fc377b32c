// Package sources manages notification sources: their lifecycle, the
// external key pointers dispatch resolves them by, and the change signals
// sent to the owner's devices.
package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-pushrelay-service/internal/collection"
	"github.com/tinywideclouds/go-pushrelay-service/internal/delivery"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/datastore"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

// DeviceLister lists the devices change signals go to.
type DeviceLister interface {
	ListDevices(ctx context.Context, owner string) ([]*relay.Device, error)
}

// SaveRequest creates a source when ID is empty and updates it otherwise.
type SaveRequest struct {
	ID          string
	Title       string
	Description string
	Enabled     bool
	// OriginDeviceID is the device that made the change; it is not signalled.
	OriginDeviceID string
}

type Service struct {
	collections *collection.Manager
	devices     DeviceLister
	sender      delivery.Sender
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(collections *collection.Manager, devices DeviceLister, sender delivery.Sender, logger *slog.Logger) *Service {
	return &Service{
		collections: collections,
		devices:     devices,
		sender:      sender,
		logger:      logger.With("component", "SourceService"),
		now:         time.Now,
	}
}

// ListSources returns the owner's sources ordered by title.
func (s *Service) ListSources(ctx context.Context, owner string) ([]*relay.Source, error) {
	srcs, err := collection.ReadEntities[relay.Source](ctx, s.collections, owner, relay.KindSource, 0)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(srcs, func(a, b *relay.Source) int {
		return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
	})
	return srcs, nil
}

func (s *Service) GetSource(ctx context.Context, owner, id string) (*relay.Source, error) {
	return collection.LoadOwned[relay.Source](ctx, s.collections.Store(), owner, relay.KindSource, id, sourceOwner)
}

// Save creates or updates a source. Devices are signalled after the change
// has committed.
func (s *Service) Save(ctx context.Context, owner string, req SaveRequest) (*relay.Source, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, relay.ValidationError(map[string]string{"title": "title is required"})
	}

	now := s.now().UTC()
	var out *relay.Source
	err := s.collections.Transact(ctx, owner, []relay.Kind{relay.KindSource}, func(tx *collection.Txn) error {
		src, err := loadForUpdate(tx, owner, req.ID)
		if err != nil {
			return err
		}
		if src == nil {
			src = &relay.Source{
				ID:          uuid.NewString(),
				Owner:       owner,
				ExternalKey: relay.NewExternalKey(),
				Created:     now,
			}
		}
		src.Title = title
		src.Description = req.Description
		src.Enabled = req.Enabled
		src.Updated = now

		if err := tx.Put(sourceKey(owner, src.ID), src); err != nil {
			return err
		}
		if err := tx.Add(relay.KindSource, src.ID); err != nil {
			return err
		}
		out = src
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.PersistPointer(ctx, out); err != nil {
		return nil, err
	}
	s.logger.Info("Source saved", "owner", owner, "source_id", out.ID, "created", req.ID == "")

	s.signal(ctx, owner, delivery.SourceChangePayload(out, now), req.OriginDeviceID)
	return out, nil
}

// Delete removes a source, its messages and its pointer. Devices are
// signalled before the delete so the source can still be read.
func (s *Service) Delete(ctx context.Context, owner, id, originDeviceID string) error {
	src, err := s.GetSource(ctx, owner, id)
	if err != nil {
		return err
	}

	s.signal(ctx, owner, delivery.SourceDeletePayload(src, s.now()), originDeviceID)

	purged := 0
	err = s.collections.Transact(ctx, owner, []relay.Kind{relay.KindSource, relay.KindMessage}, func(tx *collection.Txn) error {
		snaps, err := tx.Query(owner, relay.KindMessage)
		if err != nil {
			return err
		}
		var doomed []string
		for _, snap := range snaps {
			var msg relay.Message
			if err := snap.DataTo(&msg); err != nil {
				return fmt.Errorf("decode message %s: %w", snap.ID(), err)
			}
			if msg.SourceID == id {
				doomed = append(doomed, snap.ID())
			}
		}

		for _, msgID := range doomed {
			if err := tx.Delete(datastore.Key{Owner: owner, Kind: relay.KindMessage, ID: msgID}); err != nil {
				return err
			}
			if err := tx.Remove(relay.KindMessage, msgID); err != nil {
				return err
			}
		}
		if err := tx.Delete(sourceKey(owner, id)); err != nil {
			return err
		}
		purged = len(doomed)
		return tx.Remove(relay.KindSource, id)
	})
	if err != nil {
		return fmt.Errorf("delete source %s: %w", id, err)
	}

	if src.ExternalKey != "" {
		if err := s.collections.Store().Delete(ctx, pointerKey(src.ExternalKey)); err != nil {
			s.logger.Warn("Could not remove source pointer", "source_id", id, "err", err)
		}
	}
	s.logger.Info("Source deleted", "owner", owner, "source_id", id, "messages_purged", purged)
	return nil
}

// PersistPointer (re)writes the external key pointer of src.
func (s *Service) PersistPointer(ctx context.Context, src *relay.Source) error {
	ptr := &relay.SourcePointer{ExternalKey: src.ExternalKey, Owner: src.Owner, SourceID: src.ID}
	if err := s.collections.Store().Put(ctx, pointerKey(src.ExternalKey), ptr); err != nil {
		return fmt.Errorf("store pointer for source %s: %w", src.ID, err)
	}
	return nil
}

// Resolve finds the source behind an external key. The pointer is only a
// hint: the source it names must still exist and still carry the key.
func (s *Service) Resolve(ctx context.Context, externalKey string) (*relay.Source, error) {
	externalKey = strings.TrimSpace(externalKey)
	if externalKey == "" {
		return nil, relay.Errorf(relay.KindSourceNotFound, "no source with key %q", externalKey)
	}

	var ptr relay.SourcePointer
	err := s.collections.Store().Get(ctx, pointerKey(externalKey), &ptr)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil, relay.Errorf(relay.KindSourceNotFound, "no source with key %s", externalKey)
	}
	if err != nil {
		return nil, fmt.Errorf("load pointer %s: %w", externalKey, err)
	}

	src, err := s.GetSource(ctx, ptr.Owner, ptr.SourceID)
	if errors.Is(err, relay.ErrNotFound) || errors.Is(err, relay.ErrForbidden) {
		return nil, relay.Errorf(relay.KindSourceNotFound, "no source with key %s", externalKey)
	}
	if err != nil {
		return nil, err
	}
	if src.ExternalKey != externalKey {
		s.logger.Warn("Stale source pointer", "key", externalKey, "source_id", src.ID)
		return nil, relay.Errorf(relay.KindSourceNotFound, "no source with key %s", externalKey)
	}
	return src, nil
}

// signal pushes a change signal to every device of owner except the
// originating one. Failures are logged; signals are best effort.
func (s *Service) signal(ctx context.Context, owner string, payload delivery.PayloadFunc, exclude string) {
	devs, err := s.devices.ListDevices(ctx, owner)
	if err != nil {
		s.logger.Warn("Could not list devices for source signal", "owner", owner, "err", err)
		return
	}
	devs = slices.DeleteFunc(devs, func(d *relay.Device) bool { return exclude != "" && d.ID == exclude })

	report := s.sender.Deliver(ctx, devs, payload)
	for _, f := range report.Failures {
		s.logger.Warn("Source signal failed", "owner", owner, "device_id", f.DeviceID, "err", f.Err)
	}
}

func loadForUpdate(tx *collection.Txn, owner, id string) (*relay.Source, error) {
	if id == "" {
		return nil, nil
	}
	var src relay.Source
	err := tx.Get(sourceKey(owner, id), &src)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil, relay.Errorf(relay.KindNotFound, "source %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if src.Owner != owner {
		return nil, relay.Errorf(relay.KindForbidden, "source %s belongs to another owner", id)
	}
	src.ID = id
	return &src, nil
}

func sourceKey(owner, id string) datastore.Key {
	return datastore.Key{Owner: owner, Kind: relay.KindSource, ID: id}
}

func pointerKey(externalKey string) datastore.Key {
	return datastore.Key{Owner: relay.SystemOwner, Kind: relay.KindPointer, ID: externalKey}
}

func sourceOwner(s *relay.Source) string { return s.Owner }
