// Package relay contains the public domain models of the push relay: the
// owner-partitioned sources, devices and messages, the per-owner
// collections that index them, and the gateway auth token.
package relay

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind names an entity kind. It doubles as the collection kind for the
// three owner-indexed kinds.
type Kind string

const (
	KindDevice     Kind = "devices"
	KindSource     Kind = "sources"
	KindMessage    Kind = "messages"
	KindCollection Kind = "collections"
	KindAuthToken  Kind = "authtokens"
	KindPointer    Kind = "sourcekeys"
)

// SystemOwner is the reserved scope for entities that belong to no user:
// gateway auth tokens and source key pointers.
const SystemOwner = "system"

// DeviceTypeAndroid is the only device type currently accepted.
const DeviceTypeAndroid = "android"

// Source is a named notification channel a user sends to.
type Source struct {
	ID          string    `firestore:"-" json:"id"`
	Owner       string    `firestore:"owner" json:"owner"`
	Title       string    `firestore:"title" json:"title"`
	Description string    `firestore:"description" json:"description"`
	ExternalKey string    `firestore:"external_key" json:"external_key"`
	Enabled     bool      `firestore:"enabled" json:"enabled"`
	Created     time.Time `firestore:"created" json:"created"`
	Updated     time.Time `firestore:"updated" json:"updated"`
}

// NewExternalKey returns a fresh opaque public key for a source.
func NewExternalKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Device is a registered push destination.
type Device struct {
	ID            string    `firestore:"-" json:"id"`
	Owner         string    `firestore:"owner" json:"owner"`
	DeviceKey     string    `firestore:"device_key" json:"device_key"`
	DeviceType    string    `firestore:"device_type" json:"device_type"`
	DeviceVersion string    `firestore:"device_version" json:"device_version"`
	Nickname      string    `firestore:"nickname" json:"nickname"`
	Created       time.Time `firestore:"created" json:"created"`
	Updated       time.Time `firestore:"updated" json:"updated"`
}

// Message is one notification sent to a source. Messages are never
// modified after they are stored.
type Message struct {
	ID        string    `firestore:"-" json:"id"`
	Owner     string    `firestore:"owner" json:"owner"`
	SourceID  string    `firestore:"source_id" json:"source_id"`
	Title     string    `firestore:"title" json:"title"`
	Body      string    `firestore:"body" json:"body"`
	URL       string    `firestore:"url" json:"url"`
	OriginIP  string    `firestore:"origin_ip" json:"origin_ip"`
	Timestamp time.Time `firestore:"timestamp" json:"timestamp"`
	Size      int       `firestore:"size" json:"size"`
	Truncated bool      `firestore:"truncated" json:"truncated"`
}

// Collection is the ordered id index of one owner's entities of one kind.
type Collection struct {
	ID    string   `firestore:"-" json:"id"`
	Owner string   `firestore:"owner" json:"owner"`
	Kind  Kind     `firestore:"kind" json:"kind"`
	IDs   []string `firestore:"ids" json:"ids"`
}

// AuthToken is a bearer credential for the push gateway.
type AuthToken struct {
	ID      string    `firestore:"-" json:"id"`
	Token   string    `firestore:"token" json:"token"`
	Comment string    `firestore:"comment" json:"comment"`
	Created time.Time `firestore:"created" json:"created"`
	Updated time.Time `firestore:"updated" json:"updated"`
}

// SourcePointer maps a source external key to the owning source. It is
// stored outside the owner's transaction scope and is only a hint: the
// source it names must be re-checked before use.
type SourcePointer struct {
	ExternalKey string `firestore:"-" json:"external_key"`
	Owner       string `firestore:"owner" json:"owner"`
	SourceID    string `firestore:"source_id" json:"source_id"`
}

// SetID implementations let generic loaders fill in the storage id, which
// is not part of the stored document.
func (s *Source) SetID(id string)     { s.ID = id }
func (d *Device) SetID(id string)     { d.ID = id }
func (m *Message) SetID(id string)    { m.ID = id }
func (c *Collection) SetID(id string) { c.ID = id }
func (t *AuthToken) SetID(id string)  { t.ID = id }
