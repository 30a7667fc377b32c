// Package datastore defines the entity store contract the relay is built
// on: typed entities addressed by (owner, kind, id), plus atomic
// transactions scoped to a single owner.
package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

var (
	// ErrNoSuchEntity is returned by Get when the key does not exist.
	ErrNoSuchEntity = errors.New("datastore: no such entity")
	// ErrCrossOwner is returned when a transaction touches a key outside
	// the owner it was opened for.
	ErrCrossOwner = errors.New("datastore: key outside transaction owner scope")
)

// Key addresses one entity.
type Key struct {
	Owner string
	Kind  relay.Kind
	ID    string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Owner, k.Kind, k.ID)
}

// Snapshot is one entity returned by a query.
type Snapshot interface {
	ID() string
	DataTo(dst any) error
}

// Tx is the view of the store inside a transaction. Implementations may
// require every read to happen before the first write.
type Tx interface {
	Get(key Key, dst any) error
	Query(owner string, kind relay.Kind) ([]Snapshot, error)
	Put(key Key, src any) error
	Delete(key Key) error
}

// Store is the entity store.
type Store interface {
	Get(ctx context.Context, key Key, dst any) error
	Put(ctx context.Context, key Key, src any) error
	Delete(ctx context.Context, key Key) error
	Query(ctx context.Context, owner string, kind relay.Kind) ([]Snapshot, error)

	// RunInTransaction runs fn atomically against the entities of one
	// owner. fn may be executed more than once when the store retries on
	// contention, so it must not have side effects outside tx.
	RunInTransaction(ctx context.Context, owner string, fn func(ctx context.Context, tx Tx) error) error
}

// CheckScope returns ErrCrossOwner when key does not belong to owner.
func CheckScope(owner string, key Key) error {
	if key.Owner != owner {
		return fmt.Errorf("%w: %s not in %s", ErrCrossOwner, key, owner)
	}
	return nil
}
