// Package sqlite implements the entity store on an embedded SQLite
// database, for single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tinywideclouds/go-pushrelay-service/pkg/datastore"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
    owner TEXT NOT NULL,
    kind TEXT NOT NULL,
    id TEXT NOT NULL,
    -- JSON encoded entity
    data TEXT NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (owner, kind, id)
);
`

// maxAttempts bounds the retries of a transaction that hit SQLITE_BUSY.
const maxAttempts = 5

// EntityStore implements datastore.Store. Entities are stored as JSON rows
// keyed by (owner, kind, id).
type EntityStore struct {
	db *sql.DB
}

// Open opens (and initialises) the database at dsn. Use ":memory:" for a
// throwaway store.
func Open(dsn string) (*EntityStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open failed: %w", err)
	}
	// A single connection serialises transactions and keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema apply failed: %w", err)
	}
	return &EntityStore{db: db}, nil
}

func (s *EntityStore) Close() error {
	return s.db.Close()
}

func (s *EntityStore) Get(ctx context.Context, key datastore.Key, dst any) error {
	return get(ctx, s.db, key, dst)
}

func (s *EntityStore) Put(ctx context.Context, key datastore.Key, src any) error {
	return put(ctx, s.db, key, src)
}

func (s *EntityStore) Delete(ctx context.Context, key datastore.Key) error {
	return del(ctx, s.db, key)
}

func (s *EntityStore) Query(ctx context.Context, owner string, kind relay.Kind) ([]datastore.Snapshot, error) {
	return query(ctx, s.db, owner, kind)
}

// RunInTransaction runs fn in a SQLite transaction, retrying the whole
// attempt when the database reports it is busy.
func (s *EntityStore) RunInTransaction(ctx context.Context, owner string, fn func(ctx context.Context, tx datastore.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.runOnce(ctx, owner, fn)
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 20 * time.Millisecond):
		}
	}
	return fmt.Errorf("sqlite transaction gave up after %d attempts: %w", maxAttempts, err)
}

func (s *EntityStore) runOnce(ctx context.Context, owner string, fn func(ctx context.Context, tx datastore.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin failed: %w", err)
	}
	if err := fn(ctx, &transaction{ctx: ctx, tx: sqlTx, owner: owner}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit failed: %w", err)
	}
	return nil
}

type transaction struct {
	ctx   context.Context
	tx    *sql.Tx
	owner string
}

func (t *transaction) Get(key datastore.Key, dst any) error {
	if err := datastore.CheckScope(t.owner, key); err != nil {
		return err
	}
	return get(t.ctx, t.tx, key, dst)
}

func (t *transaction) Query(owner string, kind relay.Kind) ([]datastore.Snapshot, error) {
	if err := datastore.CheckScope(t.owner, datastore.Key{Owner: owner, Kind: kind}); err != nil {
		return nil, err
	}
	return query(t.ctx, t.tx, owner, kind)
}

func (t *transaction) Put(key datastore.Key, src any) error {
	if err := datastore.CheckScope(t.owner, key); err != nil {
		return err
	}
	return put(t.ctx, t.tx, key, src)
}

func (t *transaction) Delete(key datastore.Key) error {
	if err := datastore.CheckScope(t.owner, key); err != nil {
		return err
	}
	return del(t.ctx, t.tx, key)
}

// querier is the subset shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q querier, key datastore.Key, dst any) error {
	var data []byte
	err := q.QueryRowContext(ctx,
		`SELECT data FROM entities WHERE owner = ? AND kind = ? AND id = ?`,
		key.Owner, string(key.Kind), key.ID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return datastore.ErrNoSuchEntity
	}
	if err != nil {
		return fmt.Errorf("sqlite get %s: %w", key, err)
	}
	return json.Unmarshal(data, dst)
}

func put(ctx context.Context, q querier, key datastore.Key, src any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO entities (owner, kind, id, data, updated_at) VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT (owner, kind, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key.Owner, string(key.Kind), key.ID, string(data),
	)
	if err != nil {
		return fmt.Errorf("sqlite put %s: %w", key, err)
	}
	return nil
}

func del(ctx context.Context, q querier, key datastore.Key) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM entities WHERE owner = ? AND kind = ? AND id = ?`,
		key.Owner, string(key.Kind), key.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite delete %s: %w", key, err)
	}
	return nil
}

func query(ctx context.Context, q querier, owner string, kind relay.Kind) ([]datastore.Snapshot, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, data FROM entities WHERE owner = ? AND kind = ? ORDER BY rowid`,
		owner, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite query %s/%s: %w", owner, kind, err)
	}
	defer rows.Close()

	var out []datastore.Snapshot
	for rows.Next() {
		var snap snapshot
		if err := rows.Scan(&snap.id, &snap.data); err != nil {
			return nil, fmt.Errorf("sqlite scan failed: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

type snapshot struct {
	id   string
	data []byte
}

func (s snapshot) ID() string           { return s.id }
func (s snapshot) DataTo(dst any) error { return json.Unmarshal(s.data, dst) }

func isBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}
