package registry_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/engram/registry"
	"github.com/hyperengineering/engram/registry/store"
	"github.com/hyperengineering/engram/registry/store/inmem"
)

func newRegistry(t *testing.T) (*registry.Registry, *inmem.Store) {
	t.Helper()
	st := inmem.New()
	reg, err := registry.New(registry.Options{Store: st})
	require.NoError(t, err)
	return reg, st
}

func TestRegisterIssuesUsableKey(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	c, key, err := reg.Register(ctx, "collector")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, registry.KeyPrefix))
	require.NotContains(t, c.KeyHash, key, "plaintext key must not be stored")

	got, err := reg.Authenticate(ctx, key)
	require.NoError(t, err)
	require.Equal(t, c.ID, got.ID)
	require.Equal(t, "collector", got.Name)
}

func TestAuthenticateRejectsBadKeys(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	_, key, err := reg.Register(ctx, "collector")
	require.NoError(t, err)

	for _, bad := range []string{
		"",
		"eng_",
		"wrong_prefix",
		key + "x",
		registry.KeyPrefix + "not-the-right-key",
	} {
		_, err := reg.Authenticate(ctx, bad)
		require.ErrorIs(t, err, registry.ErrInvalidKey, "key %q", bad)
	}
}

func TestAuthenticateAdvancesLastSeen(t *testing.T) {
	st := inmem.New()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	reg, err := registry.New(registry.Options{
		Store: st,
		Now:   func() time.Time { return clock },
	})
	require.NoError(t, err)
	ctx := context.Background()

	c, key, err := reg.Register(ctx, "collector")
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	_, err = reg.Authenticate(ctx, key)
	require.NoError(t, err)

	got, err := st.GetClient(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, clock, got.LastSeenAt)
}

func TestRotateInvalidatesOldKey(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	c, oldKey, err := reg.Register(ctx, "collector")
	require.NoError(t, err)

	newKey, err := reg.Rotate(ctx, c.ID)
	require.NoError(t, err)
	require.NotEqual(t, oldKey, newKey)

	_, err = reg.Authenticate(ctx, oldKey)
	require.ErrorIs(t, err, registry.ErrInvalidKey)
	got, err := reg.Authenticate(ctx, newKey)
	require.NoError(t, err)
	require.Equal(t, c.ID, got.ID)
}

func TestDisabledClientFailsAuthentication(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	c, key, err := reg.Register(ctx, "collector")
	require.NoError(t, err)

	require.NoError(t, reg.SetDisabled(ctx, c.ID, true))
	_, err = reg.Authenticate(ctx, key)
	require.ErrorIs(t, err, registry.ErrInvalidKey)

	require.NoError(t, reg.SetDisabled(ctx, c.ID, false))
	_, err = reg.Authenticate(ctx, key)
	require.NoError(t, err)
}

func TestRemoveRevokesKey(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	c, key, err := reg.Register(ctx, "collector")
	require.NoError(t, err)

	require.NoError(t, reg.Remove(ctx, c.ID))
	_, err = reg.Authenticate(ctx, key)
	require.ErrorIs(t, err, registry.ErrInvalidKey)
	require.ErrorIs(t, reg.Remove(ctx, c.ID), store.ErrNotFound)
}

func TestListOrdersByCreation(t *testing.T) {
	st := inmem.New()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	reg, err := registry.New(registry.Options{
		Store: st,
		Now:   func() time.Time { return clock },
	})
	require.NoError(t, err)
	ctx := context.Background()

	first, _, err := reg.Register(ctx, "first")
	require.NoError(t, err)
	clock = clock.Add(time.Minute)
	second, _, err := reg.Register(ctx, "second")
	require.NoError(t, err)

	clients, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 2)
	require.Equal(t, first.ID, clients[0].ID)
	require.Equal(t, second.ID, clients[1].ID)
}

func TestRegisterRequiresName(t *testing.T) {
	reg, _ := newRegistry(t)
	_, _, err := reg.Register(context.Background(), "  ")
	require.Error(t, err)
}
