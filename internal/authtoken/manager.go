// Package authtoken keeps the push gateway bearer token: the latest
// acquired token is current, and it is cached in process for a short TTL.
package authtoken

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-pushrelay-service/pkg/datastore"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/dispatch"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

// Manager implements dispatch.TokenSource.
type Manager struct {
	store   datastore.Store
	channel dispatch.PushChannel
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	cached   *relay.AuthToken
	loadedAt time.Time
}

// NewManager builds a token manager. A ttl of zero disables caching.
func NewManager(store datastore.Store, channel dispatch.PushChannel, ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		channel: channel,
		ttl:     ttl,
		logger:  logger.With("component", "AuthTokenManager"),
		now:     time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Current returns the most recently updated token, or nil when no token was
// ever stored.
func (m *Manager) Current(ctx context.Context) (*relay.AuthToken, error) {
	m.mu.Lock()
	if m.cached != nil && m.ttl > 0 && m.now().Sub(m.loadedAt) < m.ttl {
		tok := *m.cached
		m.mu.Unlock()
		return &tok, nil
	}
	m.mu.Unlock()

	snaps, err := m.store.Query(ctx, relay.SystemOwner, relay.KindAuthToken)
	if err != nil {
		return nil, fmt.Errorf("query auth tokens: %w", err)
	}

	var latest *relay.AuthToken
	for _, snap := range snaps {
		var tok relay.AuthToken
		if err := snap.DataTo(&tok); err != nil {
			m.logger.Warn("Skipping unreadable auth token", "id", snap.ID(), "err", err)
			continue
		}
		tok.ID = snap.ID()
		if latest == nil || tok.Updated.After(latest.Updated) {
			latest = &tok
		}
	}
	if latest == nil {
		return nil, nil
	}

	m.mu.Lock()
	m.cached = latest
	m.loadedAt = m.now()
	m.mu.Unlock()

	tok := *latest
	return &tok, nil
}

// Acquire exchanges credentials with the gateway and stores the resulting
// token, which becomes current.
func (m *Manager) Acquire(ctx context.Context, username, password string) (*relay.AuthToken, error) {
	token, err := m.channel.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, relay.ErrGatewayAuth) {
			return nil, err
		}
		return nil, fmt.Errorf("acquire gateway token: %w", err)
	}
	return m.Save(ctx, token, fmt.Sprintf("acquired for %s", username))
}

// Save stores token as the current token.
func (m *Manager) Save(ctx context.Context, token, comment string) (*relay.AuthToken, error) {
	if token == "" {
		return nil, relay.Errorf(relay.KindMissingParameters, "token is required")
	}
	now := m.now().UTC()
	tok := &relay.AuthToken{
		ID:      uuid.NewString(),
		Token:   token,
		Comment: comment,
		Created: now,
		Updated: now,
	}
	key := datastore.Key{Owner: relay.SystemOwner, Kind: relay.KindAuthToken, ID: tok.ID}
	if err := m.store.Put(ctx, key, tok); err != nil {
		return nil, fmt.Errorf("store auth token: %w", err)
	}

	m.mu.Lock()
	m.cached = tok
	m.loadedAt = m.now()
	m.mu.Unlock()

	m.logger.Info("Stored new gateway auth token", "id", tok.ID)
	out := *tok
	return &out, nil
}
