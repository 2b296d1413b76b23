package sourcepre

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/sidetrace/internal/trace"
)

func newTestAddressSpace(t *testing.T) *addressSpace {
	t.Helper()

	images, scriptToImage, err := loadScripts(strings.NewReader("0\t/orig/a.js\ta.js\n"))
	require.NoError(t, err)

	as, err := newAddressSpace(images, scriptToImage, images[len(images)-1].ID, 13)
	require.NoError(t, err)

	return as
}

func newTestSourceWalker(t *testing.T) *walker {
	t.Helper()

	return newWalker(newTestAddressSpace(t), newDict(), trace.NewAllocationTable(0), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestWalker_PendingConditional_OverwrittenBySecondC(t *testing.T) {
	t.Parallel()

	w := newTestSourceWalker(t)

	entries, err := w.apply(record{kind: recConditional, fields: []string{"0:1:0:1:5"}})
	require.NoError(t, err)
	assert.Empty(t, entries)

	// A second C replaces the pending slot without flushing the first.
	entries, err = w.apply(record{kind: recConditional, fields: []string{"0:2:0:2:5"}})
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NotNil(t, w.pending)
	assert.Equal(t, 2, w.pending.startLine)
}

func TestWalker_Return_PrefersLastReturnSite(t *testing.T) {
	t.Parallel()

	w := newTestSourceWalker(t)

	_, err := w.apply(record{kind: recPreReturn, fields: []string{"0:5:0:5:5"}})
	require.NoError(t, err)

	entries, err := w.apply(record{kind: recReturn, fields: []string{"0:1:0:1:5", "0:9:0:9:5"}})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	br, ok := entries[0].(trace.Branch)
	require.True(t, ok)
	assert.Equal(t, trace.BranchReturn, br.Kind)

	// Source offset should come from the cached r-site (line 5), not R's
	// own first site field (line 1).
	expectedOff := (uint32(5) << 13)
	assert.Equal(t, expectedOff, br.SrcOff)
}

func TestWalker_Return_FallsBackToEndOffsetWithoutLastReturn(t *testing.T) {
	t.Parallel()

	w := newTestSourceWalker(t)

	entries, err := w.apply(record{kind: recReturn, fields: []string{"0:1:2:1:9", "0:9:0:9:5"}})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	br, ok := entries[0].(trace.Branch)
	require.True(t, ok)

	// Falls back to the end variant of R's own first site (line 1, col 9).
	expectedOff := (uint32(1) << 13) | 9
	assert.Equal(t, expectedOff, br.SrcOff)
}

func TestWalker_HeapAccess_SecondAccessReusesAllocation(t *testing.T) {
	t.Parallel()

	w := newTestSourceWalker(t)

	first, err := w.apply(record{kind: recHeapWrite, fields: []string{"0:1:0:1:5", "3", "x"}})
	require.NoError(t, err)
	require.Len(t, first, 2)

	_, ok := first[0].(trace.HeapAllocation)
	require.True(t, ok)

	second, err := w.apply(record{kind: recHeapRead, fields: []string{"0:2:0:2:5", "3", "x"}})
	require.NoError(t, err)
	require.Len(t, second, 1, "no HeapAllocation re-emitted for an object already seen this call")

	access, ok := second[0].(trace.HeapMemoryAccess)
	require.True(t, ok)
	assert.False(t, access.IsWrite)
}

func TestWalker_Call_PushesFuncStackForLabeling(t *testing.T) {
	t.Parallel()

	w := newTestSourceWalker(t)

	_, err := w.apply(record{kind: recCall, fields: []string{"0:1:0:1:5", "0:2:0:2:5", "myFunc"}})
	require.NoError(t, err)
	assert.Equal(t, "myFunc", w.currentFunc())

	_, err = w.apply(record{kind: recReturn, fields: []string{"0:3:0:3:5", "0:4:0:4:5"}})
	require.NoError(t, err)
	assert.Equal(t, "main", w.currentFunc())
}
