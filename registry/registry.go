// Package registry provides the client-credential registry.
//
// Event producers and retrieval consumers authenticate to the service with
// opaque API keys. The registry issues keys, verifies them on every request,
// and tracks per-client liveness. Keys are random 256-bit values returned to
// the caller exactly once; only their SHA-256 digest is persisted, so a
// leaked datastore does not leak credentials.
//
// Persistence is pluggable through the store.Store interface (store/), with
// in-memory and relational backends.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/engram/registry/store"
	"github.com/hyperengineering/engram/telemetry"
)

// KeyPrefix starts every issued API key. It lets log scrubbers and secret
// scanners recognize engram credentials.
const KeyPrefix = "eng_"

// ErrInvalidKey is returned by Authenticate when the key is unknown,
// malformed, or belongs to a disabled client.
var ErrInvalidKey = errors.New("invalid api key")

// Options configures the registry.
type Options struct {
	// Store persists client records. Required.
	Store store.Store

	// Logger records issuance and authentication failures. Defaults to a
	// no-op logger.
	Logger telemetry.Logger

	// Now supplies timestamps. Defaults to time.Now. Tests override it.
	Now func() time.Time
}

// Registry issues and verifies client API keys.
type Registry struct {
	store  store.Store
	logger telemetry.Logger
	now    func() time.Time
}

// New creates a registry from the provided options.
func New(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{store: opts.Store, logger: logger, now: now}, nil
}

// Register creates a client named name and issues its API key. The plaintext
// key is returned exactly once and cannot be recovered later.
func (r *Registry) Register(ctx context.Context, name string) (store.Client, string, error) {
	if strings.TrimSpace(name) == "" {
		return store.Client{}, "", errors.New("client name is required")
	}
	key, hash, err := newKey()
	if err != nil {
		return store.Client{}, "", err
	}
	now := r.now().UTC()
	c := store.Client{
		ID:         uuid.New(),
		Name:       name,
		KeyHash:    hash,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := r.store.SaveClient(ctx, c); err != nil {
		return store.Client{}, "", fmt.Errorf("register client: %w", err)
	}
	r.logger.Info(ctx, "client registered", "client_id", c.ID.String(), "name", name)
	return c, key, nil
}

// Authenticate resolves an API key to its client and advances the client's
// last-seen timestamp. Unknown, malformed, and disabled credentials all
// yield ErrInvalidKey.
func (r *Registry) Authenticate(ctx context.Context, key string) (store.Client, error) {
	if !validKeyShape(key) {
		return store.Client{}, ErrInvalidKey
	}
	c, err := r.store.GetByKeyHash(ctx, hashKey(key))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Client{}, ErrInvalidKey
		}
		return store.Client{}, fmt.Errorf("authenticate: %w", err)
	}
	if c.Disabled {
		return store.Client{}, ErrInvalidKey
	}
	// Liveness tracking is best effort; a touch failure must not block an
	// otherwise valid request.
	if err := r.store.TouchLastSeen(ctx, c.ID, r.now().UTC()); err != nil {
		r.logger.Warn(ctx, "touch last seen failed", "client_id", c.ID.String(), "err", err.Error())
	}
	return c, nil
}

// Rotate replaces the client's API key, invalidating the previous one. The
// new plaintext key is returned exactly once.
func (r *Registry) Rotate(ctx context.Context, id uuid.UUID) (string, error) {
	c, err := r.store.GetClient(ctx, id)
	if err != nil {
		return "", fmt.Errorf("rotate key: %w", err)
	}
	key, hash, err := newKey()
	if err != nil {
		return "", err
	}
	c.KeyHash = hash
	if err := r.store.SaveClient(ctx, c); err != nil {
		return "", fmt.Errorf("rotate key: %w", err)
	}
	r.logger.Info(ctx, "client key rotated", "client_id", id.String())
	return key, nil
}

// SetDisabled flips the client's disabled flag. Disabled clients fail
// authentication until re-enabled.
func (r *Registry) SetDisabled(ctx context.Context, id uuid.UUID, disabled bool) error {
	c, err := r.store.GetClient(ctx, id)
	if err != nil {
		return fmt.Errorf("set disabled: %w", err)
	}
	if c.Disabled == disabled {
		return nil
	}
	c.Disabled = disabled
	if err := r.store.SaveClient(ctx, c); err != nil {
		return fmt.Errorf("set disabled: %w", err)
	}
	return nil
}

// Remove deletes the client and revokes its key.
func (r *Registry) Remove(ctx context.Context, id uuid.UUID) error {
	if err := r.store.DeleteClient(ctx, id); err != nil {
		return fmt.Errorf("remove client: %w", err)
	}
	return nil
}

// List returns all registered clients ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]store.Client, error) {
	return r.store.ListClients(ctx)
}

// newKey mints a random API key and its storage digest.
func newKey() (key, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = KeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return key, hashKey(key), nil
}

// hashKey returns the SHA-256 hex digest stored in place of the key.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// validKeyShape rejects keys that cannot have been issued here without
// touching the store. The comparison of the prefix is constant time to keep
// the check timing-neutral.
func validKeyShape(key string) bool {
	if len(key) <= len(KeyPrefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key[:len(KeyPrefix)]), []byte(KeyPrefix)) == 1
}
