package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemStore(ctx, "kmzproc/")
	require.NoError(t, err)
	defer store.Close()

	ref := ArtifactRef{BatchID: "b-2", Name: "merged_output.kml"}

	t.Run("Should report missing artifacts", func(t *testing.T) {
		ok, err := store.Exists(ctx, ref)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = store.ReadArtifact(ctx, ref)
		assert.ErrorIs(t, err, ErrArtifactNotFound)
	})

	t.Run("Should round trip artifacts and manifest", func(t *testing.T) {
		require.NoError(t, store.WriteArtifact(ctx, ref, []byte("<kml/>")))
		require.NoError(t, store.WriteManifest(ctx, ref.BatchID, testManifest([]byte("<kml/>"))))

		got, err := store.ReadArtifact(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, "<kml/>", string(got))

		keys, err := store.List(ctx, "kmzproc/batch=b-2/")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{
			"kmzproc/batch=b-2/merged_output.kml",
			"kmzproc/batch=b-2/_manifest.json",
		}, keys)
	})

	t.Run("Should build bucket URIs", func(t *testing.T) {
		assert.Equal(t, "mem://kmzproc/x", store.URI("kmzproc/x"))
	})
}
