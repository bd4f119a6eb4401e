// Package store defines the persistence layer interface for the client
// registry.
//
// The Store interface abstracts credential storage, allowing different
// backend implementations. Available implementations:
//
//   - inmem: In-memory store for development and testing
//   - postgres: Relational store for production persistence
//
// To add a new implementation, create a subpackage that implements the Store
// interface and returns store.ErrNotFound for missing clients.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a client is not found in the store.
var ErrNotFound = errors.New("client not found")

// Client is one registered event producer or consumer identity. The API key
// itself is never stored; KeyHash holds its SHA-256 hex digest.
type Client struct {
	ID         uuid.UUID
	Name       string
	KeyHash    string
	Disabled   bool
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// Store defines the persistence layer for client credentials.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveClient stores or updates a client keyed by ID.
	SaveClient(ctx context.Context, c Client) error

	// GetClient retrieves a client by ID. Returns ErrNotFound if the client
	// does not exist.
	GetClient(ctx context.Context, id uuid.UUID) (Client, error)

	// GetByKeyHash retrieves a client by API key digest. Returns ErrNotFound
	// if no client holds the key.
	GetByKeyHash(ctx context.Context, keyHash string) (Client, error)

	// TouchLastSeen advances the client's last-seen timestamp. Returns
	// ErrNotFound if the client does not exist.
	TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error

	// DeleteClient removes a client by ID. Returns ErrNotFound if the client
	// does not exist.
	DeleteClient(ctx context.Context, id uuid.UUID) error

	// ListClients returns all clients ordered by creation time.
	ListClients(ctx context.Context) ([]Client, error)
}
