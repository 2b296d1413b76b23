package stage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/sidetrace/internal/stage"
)

func TestRegistry_RegisterAndBuild(t *testing.T) {
	t.Parallel()

	reg := stage.NewRegistry[stage.TraceProducer]()
	require.NoError(t, reg.Register("fake", func(map[string]any) (stage.TraceProducer, error) {
		return &fakeTracer{parallel: true}, nil
	}))

	built, err := reg.Build("fake", nil)
	require.NoError(t, err)
	assert.True(t, built.SupportsParallelism())
}

func TestRegistry_DuplicateRegister_ReturnsError(t *testing.T) {
	t.Parallel()

	reg := stage.NewRegistry[stage.TraceProducer]()
	factory := func(map[string]any) (stage.TraceProducer, error) { return &fakeTracer{}, nil }

	require.NoError(t, reg.Register("fake", factory))

	err := reg.Register("fake", factory)
	assert.ErrorIs(t, err, stage.ErrDuplicateModule)
}

func TestRegistry_BuildUnknown_ReturnsError(t *testing.T) {
	t.Parallel()

	reg := stage.NewRegistry[stage.TraceProducer]()

	_, err := reg.Build("missing", nil)
	assert.ErrorIs(t, err, stage.ErrUnknownModule)
}

func TestRegistry_Names_SortedAndDeduped(t *testing.T) {
	t.Parallel()

	reg := stage.NewRegistry[stage.TraceProducer]()
	factory := func(map[string]any) (stage.TraceProducer, error) { return &fakeTracer{}, nil }

	require.NoError(t, reg.Register("zeta", factory))
	require.NoError(t, reg.Register("alpha", factory))
	require.ErrorIs(t, reg.Register("alpha", factory), stage.ErrDuplicateModule)

	assert.Equal(t, []string{"alpha", "zeta"}, reg.Names())
}
