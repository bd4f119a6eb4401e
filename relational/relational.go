// Package relational defines the connection-pooled SQL facade backing the
// auth/client registry. It is deliberately small: generic row maps, a
// transaction helper with automatic BEGIN/COMMIT/ROLLBACK, and a health
// check that executes SELECT 1 and flips the connected flag on failure.
package relational

import (
	"context"
	"errors"

	"goa.design/clue/health"
)

// ErrNoRows is returned by QueryOne when the statement matches nothing.
var ErrNoRows = errors.New("no rows in result set")

// DefaultPoolSize bounds the connection pool.
const DefaultPoolSize = 20

// Row is one result row keyed by column name.
type Row map[string]any

// Querier runs statements. Both the pool and open transactions implement
// it, so registry code is transaction-agnostic.
type Querier interface {
	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, sql string, args ...any) error

	// QueryOne returns the first row, or ErrNoRows.
	QueryOne(ctx context.Context, sql string, args ...any) (Row, error)

	// QueryMany returns all rows.
	QueryMany(ctx context.Context, sql string, args ...any) ([]Row, error)
}

// DB is the pooled database facade. Connect/Disconnect are idempotent.
type DB interface {
	health.Pinger
	Querier

	// Connect opens the pool. Safe to call repeatedly.
	Connect(ctx context.Context) error

	// Disconnect closes the pool. Safe to call repeatedly.
	Disconnect(ctx context.Context) error

	// IsConnected reports the last known connection state.
	IsConnected() bool

	// HealthCheck executes SELECT 1, updating the connected flag.
	HealthCheck(ctx context.Context) error

	// Transaction runs fn inside BEGIN/COMMIT, rolling back when fn
	// returns an error or panics.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Querier) error) error
}
