package trace_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/sidetrace/internal/trace"
)

func TestAllocationTable_InsertFreeResolve(t *testing.T) {
	t.Parallel()

	at := trace.NewAllocationTable(0)

	a := at.Insert(0x10000, 64)
	assert.Equal(t, int32(0), a.ID)
	assert.Equal(t, int32(1), at.NextID())

	found, ok := at.ResolveLive(0x10010)
	require.True(t, ok)
	assert.Equal(t, a.ID, found.ID)

	_, ok = at.ResolveLive(0x20000)
	assert.False(t, ok)

	freed, ok := at.Free(0x10000)
	require.True(t, ok)
	assert.Equal(t, a.ID, freed.ID)

	_, ok = at.ResolveLive(0x10010)
	assert.False(t, ok, "freed allocation must not resolve as live")

	byID, ok := at.ByID(0)
	require.True(t, ok)
	assert.Equal(t, a, byID)
}

func TestAllocationTable_Clone_Independent(t *testing.T) {
	t.Parallel()

	at := trace.NewAllocationTable(0)
	at.Insert(0x10000, 16)

	clone := at.Clone()
	clone.Insert(0x20000, 32)

	_, ok := at.ResolveLive(0x20000)
	assert.False(t, ok, "mutating the clone must not affect the original")

	assert.Equal(t, int32(1), at.NextID())
	assert.Equal(t, int32(2), clone.NextID())
}

func TestAllocationTable_SeededNextID(t *testing.T) {
	t.Parallel()

	at := trace.NewAllocationTable(5)
	a := at.Insert(0x1000, 8)
	assert.Equal(t, int32(5), a.ID)
}
