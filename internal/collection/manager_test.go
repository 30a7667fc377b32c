package collection_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-pushrelay-service/internal/collection"
	"github.com/tinywideclouds/go-pushrelay-service/internal/storage/sqlite"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/datastore"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

const owner = "urn:sm:user:alice"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T) (*collection.Manager, *sqlite.EntityStore) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return collection.NewManager(store, newTestLogger()), store
}

func TestKeyFor(t *testing.T) {
	key := collection.KeyFor(owner, relay.KindMessage)
	assert.Equal(t, "messages:urn:sm:user:alice", key.ID)
	assert.Equal(t, owner, key.Owner)
	assert.Equal(t, relay.KindCollection, key.Kind)
}

func TestAddRemove(t *testing.T) {
	t.Run("Add is set-like", func(t *testing.T) {
		c := collection.New(owner, relay.KindDevice)
		added, _ := collection.Add(c, "d1")
		assert.True(t, added)
		added, _ = collection.Add(c, "d1")
		assert.False(t, added)
		assert.Equal(t, []string{"d1"}, c.IDs)
	})

	t.Run("Remove of absent id is a no-op", func(t *testing.T) {
		c := collection.New(owner, relay.KindSource)
		collection.Add(c, "s1")
		assert.False(t, collection.Remove(c, "missing"))
		assert.True(t, collection.Remove(c, "s1"))
		assert.Empty(t, c.IDs)
	})

	t.Run("Device collections are not capped", func(t *testing.T) {
		c := collection.New(owner, relay.KindDevice)
		for i := 0; i < 600; i++ {
			collection.Add(c, fmt.Sprintf("d%d", i))
		}
		assert.Len(t, c.IDs, 600)
		assert.Len(t, collection.Newest(c, 0), 600)
	})

	t.Run("Message collection keeps newest 500 and exposes 200", func(t *testing.T) {
		c := collection.New(owner, relay.KindMessage)
		var evicted []string
		for i := 0; i < 501; i++ {
			_, ev := collection.Add(c, fmt.Sprintf("m%d", i))
			evicted = append(evicted, ev...)
		}
		require.Len(t, c.IDs, 500)
		assert.Equal(t, []string{"m0"}, evicted)
		assert.Equal(t, "m1", c.IDs[0])
		assert.Equal(t, "m500", c.IDs[499])

		newest := collection.Newest(c, 1000)
		require.Len(t, newest, 200)
		assert.Equal(t, "m301", newest[0])
		assert.Equal(t, "m500", newest[199])
	})
}

func TestManager_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	m, _ := setup(t)

	first, err := m.GetOrCreate(ctx, owner, relay.KindSource)
	require.NoError(t, err)
	second, err := m.GetOrCreate(ctx, owner, relay.KindSource)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, collection.KeyFor(owner, relay.KindSource).ID, first.ID)
}

func TestManager_Transact(t *testing.T) {
	ctx := context.Background()

	t.Run("Entity write and index commit together", func(t *testing.T) {
		m, store := setup(t)
		err := m.Transact(ctx, owner, []relay.Kind{relay.KindDevice}, func(tx *collection.Txn) error {
			if err := tx.Put(datastore.Key{Owner: owner, Kind: relay.KindDevice, ID: "d1"}, &relay.Device{Owner: owner, DeviceKey: "abc"}); err != nil {
				return err
			}
			return tx.Add(relay.KindDevice, "d1")
		})
		require.NoError(t, err)

		ids, err := m.Read(ctx, owner, relay.KindDevice, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"d1"}, ids)

		var dev relay.Device
		require.NoError(t, store.Get(ctx, datastore.Key{Owner: owner, Kind: relay.KindDevice, ID: "d1"}, &dev))
		assert.Equal(t, "abc", dev.DeviceKey)
	})

	t.Run("Failure rolls back entity and index", func(t *testing.T) {
		m, store := setup(t)
		boom := errors.New("boom")
		err := m.Transact(ctx, owner, []relay.Kind{relay.KindDevice}, func(tx *collection.Txn) error {
			if err := tx.Put(datastore.Key{Owner: owner, Kind: relay.KindDevice, ID: "d1"}, &relay.Device{Owner: owner}); err != nil {
				return err
			}
			if err := tx.Add(relay.KindDevice, "d1"); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		ids, err := m.Read(ctx, owner, relay.KindDevice, 0)
		require.NoError(t, err)
		assert.Empty(t, ids)

		var dev relay.Device
		err = store.Get(ctx, datastore.Key{Owner: owner, Kind: relay.KindDevice, ID: "d1"}, &dev)
		assert.ErrorIs(t, err, datastore.ErrNoSuchEntity)
	})

	t.Run("Cross owner writes are rejected", func(t *testing.T) {
		m, _ := setup(t)
		err := m.Transact(ctx, owner, nil, func(tx *collection.Txn) error {
			return tx.Put(datastore.Key{Owner: "urn:sm:user:bob", Kind: relay.KindDevice, ID: "d1"}, &relay.Device{})
		})
		assert.ErrorIs(t, err, datastore.ErrCrossOwner)
	})

	t.Run("Unloaded collection cannot be mutated", func(t *testing.T) {
		m, _ := setup(t)
		err := m.Transact(ctx, owner, nil, func(tx *collection.Txn) error {
			return tx.Add(relay.KindDevice, "d1")
		})
		assert.Error(t, err)
	})

	t.Run("Evicted messages are deleted", func(t *testing.T) {
		m, store := setup(t)
		for i := 0; i < 501; i++ {
			id := fmt.Sprintf("m%03d", i)
			err := m.Transact(ctx, owner, []relay.Kind{relay.KindMessage}, func(tx *collection.Txn) error {
				if err := tx.Put(datastore.Key{Owner: owner, Kind: relay.KindMessage, ID: id}, &relay.Message{Owner: owner}); err != nil {
					return err
				}
				return tx.Add(relay.KindMessage, id)
			})
			require.NoError(t, err)
		}

		count, err := m.Count(ctx, owner, relay.KindMessage)
		require.NoError(t, err)
		assert.Equal(t, 500, count)

		ids, err := m.Read(ctx, owner, relay.KindMessage, 0)
		require.NoError(t, err)
		require.Len(t, ids, 200)
		assert.Equal(t, "m500", ids[199])

		var msg relay.Message
		err = store.Get(ctx, datastore.Key{Owner: owner, Kind: relay.KindMessage, ID: "m000"}, &msg)
		assert.ErrorIs(t, err, datastore.ErrNoSuchEntity)

		snaps, err := store.Query(ctx, owner, relay.KindMessage)
		require.NoError(t, err)
		assert.Len(t, snaps, 500)
	})
}

func TestReadEntities(t *testing.T) {
	ctx := context.Background()
	m, store := setup(t)

	for _, id := range []string{"s1", "s2"} {
		id := id
		err := m.Transact(ctx, owner, []relay.Kind{relay.KindSource}, func(tx *collection.Txn) error {
			if err := tx.Put(datastore.Key{Owner: owner, Kind: relay.KindSource, ID: id}, &relay.Source{Owner: owner, Title: id}); err != nil {
				return err
			}
			return tx.Add(relay.KindSource, id)
		})
		require.NoError(t, err)
	}
	// Dangling reference: entity removed behind the collection's back.
	require.NoError(t, store.Delete(ctx, datastore.Key{Owner: owner, Kind: relay.KindSource, ID: "s1"}))

	sources, err := collection.ReadEntities[relay.Source](ctx, m, owner, relay.KindSource, 0)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "s2", sources[0].ID)
	assert.Equal(t, "s2", sources[0].Title)
}

func TestLoadOwned(t *testing.T) {
	ctx := context.Background()
	_, store := setup(t)
	ownerOf := func(s *relay.Source) string { return s.Owner }

	require.NoError(t, store.Put(ctx, datastore.Key{Owner: owner, Kind: relay.KindSource, ID: "mine"}, &relay.Source{Owner: owner}))
	require.NoError(t, store.Put(ctx, datastore.Key{Owner: owner, Kind: relay.KindSource, ID: "odd"}, &relay.Source{Owner: "urn:sm:user:bob"}))

	src, err := collection.LoadOwned[relay.Source](ctx, store, owner, relay.KindSource, "mine", ownerOf)
	require.NoError(t, err)
	assert.Equal(t, "mine", src.ID)

	_, err = collection.LoadOwned[relay.Source](ctx, store, owner, relay.KindSource, "nope", ownerOf)
	assert.ErrorIs(t, err, relay.ErrNotFound)

	_, err = collection.LoadOwned[relay.Source](ctx, store, owner, relay.KindSource, "odd", ownerOf)
	assert.ErrorIs(t, err, relay.ErrForbidden)
}
