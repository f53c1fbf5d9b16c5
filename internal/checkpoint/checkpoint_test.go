package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileManager(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	m, err := NewManager(fs, Config{Enabled: true, Dir: "/state", ProcessorID: "worker-1"})
	require.NoError(t, err)

	t.Run("Should report a missing checkpoint", func(t *testing.T) {
		_, err := m.Load(ctx)
		assert.ErrorIs(t, err, ErrNoCheckpoint)
	})

	t.Run("Should save and load the last counter", func(t *testing.T) {
		cp := &Checkpoint{
			LastCounter: 30042,
			LastBatch:   &BatchInfo{ID: "b-1", CounterStart: 30000, CounterEnd: 30042},
			UpdatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}
		require.NoError(t, m.Save(ctx, cp))

		ok, err := afero.Exists(fs, "/state/checkpoint_worker-1.json")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = afero.Exists(fs, "/state/checkpoint_worker-1.json.tmp")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := m.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "worker-1", got.ProcessorID)
		assert.Equal(t, int64(30042), got.LastCounter)
		assert.Equal(t, "b-1", got.LastBatch.ID)
	})

	t.Run("Should reject corrupt files", func(t *testing.T) {
		require.NoError(t, afero.WriteFile(fs, "/state/checkpoint_worker-1.json", []byte("{"), 0644))
		_, err := m.Load(ctx)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoCheckpoint)
	})
}

func TestNewManager(t *testing.T) {
	ctx := context.Background()

	t.Run("Should return a noop manager when disabled", func(t *testing.T) {
		m, err := NewManager(afero.NewMemMapFs(), Config{})
		require.NoError(t, err)
		require.NoError(t, m.Save(ctx, &Checkpoint{LastCounter: 1}))
		_, err = m.Load(ctx)
		assert.ErrorIs(t, err, ErrNoCheckpoint)
	})

	t.Run("Should require a processor id", func(t *testing.T) {
		_, err := NewManager(afero.NewMemMapFs(), Config{Enabled: true, Dir: "/state"})
		assert.Error(t, err)
	})
}
