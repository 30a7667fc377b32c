package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-pushrelay-service/pkg/datastore"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

// Manager reads and mutates owner collections through the entity store.
type Manager struct {
	store  datastore.Store
	logger *slog.Logger
}

func NewManager(store datastore.Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With("component", "CollectionManager"),
	}
}

// Store exposes the underlying entity store for plain, non-indexed reads.
func (m *Manager) Store() datastore.Store {
	return m.store
}

// GetOrCreate returns the owner's collection of kind, creating it when it
// does not exist yet. Concurrent callers converge on the same entity
// because the key is derived from (owner, kind).
func (m *Manager) GetOrCreate(ctx context.Context, owner string, kind relay.Kind) (*relay.Collection, error) {
	var out *relay.Collection
	err := m.store.RunInTransaction(ctx, owner, func(ctx context.Context, tx datastore.Tx) error {
		c, found, err := load(tx, owner, kind)
		if err != nil {
			return err
		}
		if !found {
			if err := tx.Put(KeyFor(owner, kind), c); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get or create %s collection for %s: %w", kind, owner, err)
	}
	return out, nil
}

// Read returns up to limit of the newest ids of the owner's collection of
// kind, oldest first. A missing collection reads as empty.
func (m *Manager) Read(ctx context.Context, owner string, kind relay.Kind, limit int) ([]string, error) {
	c := New(owner, kind)
	err := m.store.Get(ctx, KeyFor(owner, kind), c)
	if err != nil && !errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil, fmt.Errorf("read %s collection for %s: %w", kind, owner, err)
	}
	c.Kind = kind
	return Newest(c, limit), nil
}

// Count returns the number of ids stored in the owner's collection of kind.
func (m *Manager) Count(ctx context.Context, owner string, kind relay.Kind) (int, error) {
	c := New(owner, kind)
	err := m.store.Get(ctx, KeyFor(owner, kind), c)
	if err != nil && !errors.Is(err, datastore.ErrNoSuchEntity) {
		return 0, fmt.Errorf("count %s collection for %s: %w", kind, owner, err)
	}
	return len(c.IDs), nil
}

// Entity is satisfied by pointers to the relay models.
type Entity[T any] interface {
	*T
	SetID(id string)
}

// ReadEntities loads the entities referenced by the newest ids of the
// owner's collection of kind, oldest first. Ids whose entity is missing
// are skipped.
func ReadEntities[T any, P Entity[T]](ctx context.Context, m *Manager, owner string, kind relay.Kind, limit int) ([]*T, error) {
	ids, err := m.Read(ctx, owner, kind, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		var v T
		err := m.store.Get(ctx, datastore.Key{Owner: owner, Kind: kind, ID: id}, &v)
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			m.logger.Warn("Collection references missing entity", "owner", owner, "kind", kind, "id", id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s %s: %w", kind, id, err)
		}
		P(&v).SetID(id)
		out = append(out, &v)
	}
	return out, nil
}

// LoadOwned loads one entity of kind for owner. It fails with
// relay.ErrNotFound when the id is unknown and relay.ErrForbidden when the
// stored entity names a different owner.
func LoadOwned[T any, P Entity[T]](ctx context.Context, store datastore.Store, owner string, kind relay.Kind, id string, ownerOf func(*T) string) (*T, error) {
	if id == "" {
		return nil, relay.Errorf(relay.KindNotFound, "%s id is required", kind)
	}
	var v T
	err := store.Get(ctx, datastore.Key{Owner: owner, Kind: kind, ID: id}, &v)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil, relay.Errorf(relay.KindNotFound, "%s %s not found", kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", kind, id, err)
	}
	if ownerOf(&v) != owner {
		return nil, relay.Errorf(relay.KindForbidden, "%s %s belongs to another owner", kind, id)
	}
	P(&v).SetID(id)
	return &v, nil
}

// Txn is one attempt of an owner-scoped transaction with preloaded
// collections. A new Txn is built for every attempt, so retried attempts
// always start from the latest stored state.
type Txn struct {
	datastore.Tx
	owner string
	cols  map[relay.Kind]*relay.Collection
	dirty map[relay.Kind]bool
}

func (t *Txn) Owner() string { return t.owner }

// Collection returns the preloaded collection of kind, or nil when kind was
// not requested from Transact.
func (t *Txn) Collection(kind relay.Kind) *relay.Collection {
	return t.cols[kind]
}

// Add indexes id in the collection of kind. Message entities evicted by the
// retention cap are deleted in the same transaction.
func (t *Txn) Add(kind relay.Kind, id string) error {
	c, ok := t.cols[kind]
	if !ok {
		return fmt.Errorf("collection %s not loaded in transaction", kind)
	}
	added, evicted := Add(c, id)
	if !added {
		return nil
	}
	t.dirty[kind] = true
	for _, old := range evicted {
		if err := t.Delete(datastore.Key{Owner: t.owner, Kind: kind, ID: old}); err != nil {
			return fmt.Errorf("delete evicted %s %s: %w", kind, old, err)
		}
	}
	return nil
}

// Remove drops id from the collection of kind, if present.
func (t *Txn) Remove(kind relay.Kind, id string) error {
	c, ok := t.cols[kind]
	if !ok {
		return fmt.Errorf("collection %s not loaded in transaction", kind)
	}
	if Remove(c, id) {
		t.dirty[kind] = true
	}
	return nil
}

// Transact runs fn in one transaction scoped to owner. The collections
// named by kinds are loaded (or created empty) before fn runs, and those fn
// changed are written back after it returns successfully. fn must finish
// its own reads before writing.
func (m *Manager) Transact(ctx context.Context, owner string, kinds []relay.Kind, fn func(t *Txn) error) error {
	return m.store.RunInTransaction(ctx, owner, func(ctx context.Context, tx datastore.Tx) error {
		t := &Txn{
			Tx:    tx,
			owner: owner,
			cols:  make(map[relay.Kind]*relay.Collection, len(kinds)),
			dirty: make(map[relay.Kind]bool, len(kinds)),
		}
		for _, kind := range kinds {
			c, found, err := load(tx, owner, kind)
			if err != nil {
				return err
			}
			t.cols[kind] = c
			t.dirty[kind] = !found
		}

		if err := fn(t); err != nil {
			return err
		}

		for kind, changed := range t.dirty {
			if !changed {
				continue
			}
			if err := tx.Put(KeyFor(owner, kind), t.cols[kind]); err != nil {
				return fmt.Errorf("save %s collection: %w", kind, err)
			}
		}
		return nil
	})
}

func load(tx datastore.Tx, owner string, kind relay.Kind) (*relay.Collection, bool, error) {
	c := New(owner, kind)
	err := tx.Get(KeyFor(owner, kind), c)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return New(owner, kind), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %s collection: %w", kind, err)
	}
	c.ID = KeyFor(owner, kind).ID
	c.Kind = kind
	if c.IDs == nil {
		c.IDs = []string{}
	}
	return c, true, nil
}
