package inmem

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/engram/blob"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()

	uri, err := store.Save(ctx, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "mem://"+blob.Address([]byte("hello")), uri)

	data, err := store.Load(ctx, uri)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
}

func TestLoadUnknownURI(t *testing.T) {
	store := New()
	_, err := store.Load(context.Background(), "mem://"+blob.Address([]byte("nothing")))
	require.ErrorIs(t, err, blob.ErrNotFound)

	_, err = store.Load(context.Background(), "not a uri")
	require.Error(t, err)
}

func TestContentAddressingProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)
	store := New()
	ctx := context.Background()

	properties.Property("saving twice yields one object and one uri", prop.ForAll(
		func(data []byte) bool {
			before := store.Len()
			first, err := store.Save(ctx, data)
			if err != nil {
				return false
			}
			second, err := store.Save(ctx, data)
			if err != nil || first != second {
				return false
			}
			// Size grew by at most one regardless of how often this
			// content was generated before.
			if grown := store.Len() - before; grown > 1 {
				return false
			}
			loaded, err := store.Load(ctx, first)
			if err != nil {
				return false
			}
			return string(loaded) == string(data)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
