// Package postgres provides a relational implementation of the registry
// store for production persistence.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/engram/registry/store"
	"github.com/hyperengineering/engram/relational"
)

// schema bootstraps the clients table. Identifiers are stored as text so row
// decoding stays driver-agnostic.
const schema = `
CREATE TABLE IF NOT EXISTS registry_clients (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	key_hash     TEXT NOT NULL UNIQUE,
	disabled     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL
)`

// Store is a relational implementation of the store.Store interface.
type Store struct {
	db relational.Querier
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Options configures the relational store.
type Options struct {
	// DB runs the statements. Required. Pass a relational.DB for pooled
	// access or an open transaction for transactional flows.
	DB relational.Querier
}

// New creates a relational store from the provided options.
func New(opts Options) (*Store, error) {
	if opts.DB == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: opts.DB}, nil
}

// EnsureSchema creates the clients table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure registry schema: %w", err)
	}
	return nil
}

// SaveClient stores or updates a client.
func (s *Store) SaveClient(ctx context.Context, c store.Client) error {
	const q = `
INSERT INTO registry_clients (id, name, key_hash, disabled, created_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	key_hash = EXCLUDED.key_hash,
	disabled = EXCLUDED.disabled,
	last_seen_at = EXCLUDED.last_seen_at`
	if err := s.db.Exec(ctx, q, c.ID.String(), c.Name, c.KeyHash, c.Disabled, c.CreatedAt, c.LastSeenAt); err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, id uuid.UUID) (store.Client, error) {
	const q = `
SELECT id, name, key_hash, disabled, created_at, last_seen_at
FROM registry_clients WHERE id = $1`
	row, err := s.db.QueryOne(ctx, q, id.String())
	if err != nil {
		if errors.Is(err, relational.ErrNoRows) {
			return store.Client{}, store.ErrNotFound
		}
		return store.Client{}, fmt.Errorf("get client: %w", err)
	}
	return clientFromRow(row)
}

// GetByKeyHash retrieves a client by API key digest.
func (s *Store) GetByKeyHash(ctx context.Context, keyHash string) (store.Client, error) {
	const q = `
SELECT id, name, key_hash, disabled, created_at, last_seen_at
FROM registry_clients WHERE key_hash = $1`
	row, err := s.db.QueryOne(ctx, q, keyHash)
	if err != nil {
		if errors.Is(err, relational.ErrNoRows) {
			return store.Client{}, store.ErrNotFound
		}
		return store.Client{}, fmt.Errorf("get client by key: %w", err)
	}
	return clientFromRow(row)
}

// TouchLastSeen advances the client's last-seen timestamp. Regressions are
// ignored so out-of-order touches cannot move the clock backwards.
func (s *Store) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `
UPDATE registry_clients
SET last_seen_at = GREATEST(last_seen_at, $2)
WHERE id = $1
RETURNING id`
	if _, err := s.db.QueryOne(ctx, q, id.String(), at); err != nil {
		if errors.Is(err, relational.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("touch client: %w", err)
	}
	return nil
}

// DeleteClient removes a client by ID.
func (s *Store) DeleteClient(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM registry_clients WHERE id = $1 RETURNING id`
	if _, err := s.db.QueryOne(ctx, q, id.String()); err != nil {
		if errors.Is(err, relational.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("delete client: %w", err)
	}
	return nil
}

// ListClients returns all clients ordered by creation time.
func (s *Store) ListClients(ctx context.Context) ([]store.Client, error) {
	const q = `
SELECT id, name, key_hash, disabled, created_at, last_seen_at
FROM registry_clients ORDER BY created_at, id`
	rows, err := s.db.QueryMany(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	out := make([]store.Client, 0, len(rows))
	for _, row := range rows {
		c, err := clientFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func clientFromRow(row relational.Row) (store.Client, error) {
	idStr, _ := row["id"].(string)
	id, err := uuid.Parse(idStr)
	if err != nil {
		return store.Client{}, fmt.Errorf("parse client id %q: %w", idStr, err)
	}
	name, _ := row["name"].(string)
	keyHash, _ := row["key_hash"].(string)
	disabled, _ := row["disabled"].(bool)
	createdAt, _ := row["created_at"].(time.Time)
	lastSeenAt, _ := row["last_seen_at"].(time.Time)
	return store.Client{
		ID:         id,
		Name:       name,
		KeyHash:    keyHash,
		Disabled:   disabled,
		CreatedAt:  createdAt,
		LastSeenAt: lastSeenAt,
	}, nil
}
