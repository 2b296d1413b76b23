package trace_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/sidetrace/internal/trace"
)

func TestFile_IterateUpdatesAllocationTable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	w := trace.NewWriter(&buf)
	require.NoError(t, w.WriteEntry(trace.HeapAllocation{ID: 0, Size: 64, Address: 0x10000}))
	require.NoError(t, w.WriteEntry(trace.HeapMemoryAccess{InstrImg: 0, InstrOff: 1, AllocID: 0, MemOff: 4}))
	require.NoError(t, w.WriteEntry(trace.HeapFree{ID: 0}))
	require.NoError(t, w.Close())

	prefix := &trace.Prefix{Allocations: trace.NewAllocationTable(0)}
	f := trace.FromBytes(prefix, buf.Bytes())

	it, err := f.Iterate()
	require.NoError(t, err)

	entries, err := it.All()
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	alloc, ok := it.Allocations().ByID(0)
	require.True(t, ok)
	assert.Equal(t, uint64(0x10000), alloc.Address)

	_, ok = it.Allocations().ResolveLive(0x10000)
	assert.False(t, ok, "allocation was freed by the third entry")

	require.NoError(t, f.Close())
}

func TestFile_IterateIsRepeatable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	w := trace.NewWriter(&buf)
	require.NoError(t, w.WriteEntry(trace.HeapFree{ID: 1}))
	require.NoError(t, w.Close())

	f := trace.FromBytes(&trace.Prefix{}, buf.Bytes())

	for range 2 {
		it, err := f.Iterate()
		require.NoError(t, err)

		_, err = it.Next()
		require.NoError(t, err)

		_, err = it.Next()
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestFile_RefCounting(t *testing.T) {
	t.Parallel()

	f := trace.FromBytes(&trace.Prefix{}, nil)
	f.Retain()

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}

func TestFile_FromCompressedBytes_IterateDecodesTransparently(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	w := trace.NewCompressedWriter(&buf)
	require.NoError(t, w.WriteEntry(trace.HeapAllocation{ID: 0, Size: 64, Address: 0x10000}))
	require.NoError(t, w.WriteEntry(trace.HeapFree{ID: 0}))
	require.NoError(t, w.Close())

	f := trace.FromCompressedBytes(&trace.Prefix{Allocations: trace.NewAllocationTable(0)}, buf.Bytes())

	it, err := f.Iterate()
	require.NoError(t, err)

	entries, err := it.All()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	require.NoError(t, f.Close())
}
