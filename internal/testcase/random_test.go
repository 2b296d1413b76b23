package testcase

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomProducer_EmitsConfiguredCountThenDone(t *testing.T) {
	t.Parallel()

	p, err := NewRandom(map[string]any{"count": 3, "min-size": 4, "max-size": 4})
	require.NoError(t, err)

	ctx := context.Background()

	for range 3 {
		done, err := p.IsDone(ctx)
		require.NoError(t, err)
		require.False(t, done)

		path, err := p.Next(ctx)
		require.NoError(t, err)

		body, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Len(t, body, 4)
	}

	done, err := p.IsDone(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, p.Close(ctx))
}

func TestNewRandom_InvalidSizeRange_ReturnsError(t *testing.T) {
	t.Parallel()

	_, err := NewRandom(map[string]any{"min-size": 10, "max-size": 2})
	require.Error(t, err)
}

func TestRandomProducer_SupportsParallelism_IsFalse(t *testing.T) {
	t.Parallel()

	p, err := NewRandom(map[string]any{"count": 1})
	require.NoError(t, err)
	assert.False(t, p.SupportsParallelism())

	t.Cleanup(func() { _ = p.Close(context.Background()) })
}
