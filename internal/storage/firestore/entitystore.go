package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-pushrelay-service/pkg/datastore"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

// EntityStore implements datastore.Store on Google Cloud Firestore.
//
// Layout: owners/{owner}/{kind}/{id}. Every entity of an owner lives under
// the same parent document, which makes the owner the natural transaction
// scope.
type EntityStore struct {
	client *firestore.Client
}

func NewEntityStore(client *firestore.Client) *EntityStore {
	return &EntityStore{client: client}
}

func (s *EntityStore) Get(ctx context.Context, key datastore.Key, dst any) error {
	snap, err := s.ref(key).Get(ctx)
	if err != nil {
		return notFoundOr(key, err)
	}
	return snap.DataTo(dst)
}

func (s *EntityStore) Put(ctx context.Context, key datastore.Key, src any) error {
	if _, err := s.ref(key).Set(ctx, src); err != nil {
		return fmt.Errorf("firestore put %s: %w", key, err)
	}
	return nil
}

func (s *EntityStore) Delete(ctx context.Context, key datastore.Key) error {
	if _, err := s.ref(key).Delete(ctx); err != nil {
		return fmt.Errorf("firestore delete %s: %w", key, err)
	}
	return nil
}

func (s *EntityStore) Query(ctx context.Context, owner string, kind relay.Kind) ([]datastore.Snapshot, error) {
	iter := s.kindCollection(owner, kind).Documents(ctx)
	defer iter.Stop()

	var out []datastore.Snapshot
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}
		out = append(out, snapshot{doc})
	}
	return out, nil
}

// RunInTransaction delegates to Firestore transactions, which retry fn on
// contention. Firestore requires all reads of an attempt to precede its
// writes.
func (s *EntityStore) RunInTransaction(ctx context.Context, owner string, fn func(ctx context.Context, tx datastore.Tx) error) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &transaction{store: s, tx: tx, owner: owner})
	})
}

type transaction struct {
	store *EntityStore
	tx    *firestore.Transaction
	owner string
}

func (t *transaction) Get(key datastore.Key, dst any) error {
	if err := datastore.CheckScope(t.owner, key); err != nil {
		return err
	}
	snap, err := t.tx.Get(t.store.ref(key))
	if err != nil {
		return notFoundOr(key, err)
	}
	return snap.DataTo(dst)
}

func (t *transaction) Query(owner string, kind relay.Kind) ([]datastore.Snapshot, error) {
	if err := datastore.CheckScope(t.owner, datastore.Key{Owner: owner, Kind: kind}); err != nil {
		return nil, err
	}
	docs, err := t.tx.Documents(t.store.kindCollection(owner, kind)).GetAll()
	if err != nil {
		return nil, fmt.Errorf("firestore transactional query failed: %w", err)
	}
	out := make([]datastore.Snapshot, 0, len(docs))
	for _, doc := range docs {
		out = append(out, snapshot{doc})
	}
	return out, nil
}

func (t *transaction) Put(key datastore.Key, src any) error {
	if err := datastore.CheckScope(t.owner, key); err != nil {
		return err
	}
	return t.tx.Set(t.store.ref(key), src)
}

func (t *transaction) Delete(key datastore.Key) error {
	if err := datastore.CheckScope(t.owner, key); err != nil {
		return err
	}
	return t.tx.Delete(t.store.ref(key))
}

type snapshot struct {
	doc *firestore.DocumentSnapshot
}

func (s snapshot) ID() string           { return s.doc.Ref.ID }
func (s snapshot) DataTo(dst any) error { return s.doc.DataTo(dst) }

// --- Helpers ---

// ref: owners/{owner}/{kind}/{id}
func (s *EntityStore) ref(key datastore.Key) *firestore.DocumentRef {
	return s.kindCollection(key.Owner, key.Kind).Doc(key.ID)
}

func (s *EntityStore) kindCollection(owner string, kind relay.Kind) *firestore.CollectionRef {
	return s.client.Collection("owners").Doc(owner).Collection(string(kind))
}

func notFoundOr(key datastore.Key, err error) error {
	if status.Code(err) == codes.NotFound {
		return datastore.ErrNoSuchEntity
	}
	return fmt.Errorf("firestore get %s: %w", key, err)
}
