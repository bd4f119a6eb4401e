package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/engram/blob"
)

func TestNewRequiresDir(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "dir is required")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := New(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.Save(ctx, []byte("diff body"))
	require.NoError(t, err)
	require.Equal(t, blob.FormatURI(Scheme, blob.Address([]byte("diff body"))), uri)

	again, err := store.Save(ctx, []byte("diff body"))
	require.NoError(t, err)
	require.Equal(t, uri, again)

	data, err := store.Load(ctx, uri)
	require.NoError(t, err)
	require.Equal(t, []byte("diff body"), data)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Options{Dir: dir})
	require.NoError(t, err)

	_, err = store.Save(context.Background(), []byte("content"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, blob.Address([]byte("content")), entries[0].Name())
}

func TestLoadMissing(t *testing.T) {
	store, err := New(Options{Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.Load(context.Background(), blob.FormatURI(Scheme, blob.Address([]byte("gone"))))
	require.ErrorIs(t, err, blob.ErrNotFound)
}

func TestLoadRejectsHostileURIs(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Options{Dir: dir})
	require.NoError(t, err)

	// A file outside the blob dir must stay unreachable.
	outside := filepath.Join(dir, "..", "secret")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))

	for _, uri := range []string{
		"fs://../secret",
		"fs://..",
		"fs://a/b",
		`fs://a\b`,
		"gcs://" + blob.Address([]byte("x")),
		"fs://",
	} {
		_, err := store.Load(context.Background(), uri)
		require.Error(t, err, "uri %q must be rejected", uri)
		require.NotErrorIs(t, err, blob.ErrNotFound, "uri %q must fail validation, not lookup", uri)
	}
}
