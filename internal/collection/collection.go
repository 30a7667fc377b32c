// Package collection maintains the per-owner ordered id collections that
// index devices, sources and messages, and keeps them consistent with the
// entities they reference.
package collection

import (
	"fmt"
	"slices"

	"github.com/tinywideclouds/go-pushrelay-service/pkg/datastore"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

const (
	// MessageRetention is how many message ids a collection keeps.
	MessageRetention = 500
	// MessageReadLimit is how many message ids a read ever exposes.
	MessageReadLimit = 200
)

// KeyFor maps (owner, kind) to the key of the owner's single collection of
// that kind. The id is "<kind>:<owner>", e.g. "messages:urn:sm:user:alice".
// This mapping is part of the storage format and must not change.
func KeyFor(owner string, kind relay.Kind) datastore.Key {
	return datastore.Key{
		Owner: owner,
		Kind:  relay.KindCollection,
		ID:    fmt.Sprintf("%s:%s", kind, owner),
	}
}

// New returns an empty, unsaved collection.
func New(owner string, kind relay.Kind) *relay.Collection {
	return &relay.Collection{
		ID:    KeyFor(owner, kind).ID,
		Owner: owner,
		Kind:  kind,
		IDs:   []string{},
	}
}

// Add appends id unless it is already present. For message collections it
// then drops the oldest ids beyond MessageRetention and returns them.
func Add(c *relay.Collection, id string) (added bool, evicted []string) {
	if slices.Contains(c.IDs, id) {
		return false, nil
	}
	c.IDs = append(c.IDs, id)
	if c.Kind == relay.KindMessage && len(c.IDs) > MessageRetention {
		cut := len(c.IDs) - MessageRetention
		evicted = slices.Clone(c.IDs[:cut])
		c.IDs = slices.Clone(c.IDs[cut:])
	}
	return true, evicted
}

// Remove deletes id from the collection. Removing an absent id is not an
// error; the result reports whether anything changed.
func Remove(c *relay.Collection, id string) bool {
	i := slices.Index(c.IDs, id)
	if i < 0 {
		return false
	}
	c.IDs = slices.Delete(c.IDs, i, i+1)
	return true
}

// Newest returns up to limit of the most recently added ids, oldest first.
// A limit <= 0 means all. Message collections never expose more than
// MessageReadLimit ids.
func Newest(c *relay.Collection, limit int) []string {
	if c.Kind == relay.KindMessage && (limit <= 0 || limit > MessageReadLimit) {
		limit = MessageReadLimit
	}
	if limit <= 0 || limit >= len(c.IDs) {
		return slices.Clone(c.IDs)
	}
	return slices.Clone(c.IDs[len(c.IDs)-limit:])
}
