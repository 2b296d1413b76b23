package tracegen

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandProducer_WritesTraceFileAtFlagPath(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	testcaseDir := t.TempDir()

	testcasePath := filepath.Join(testcaseDir, "case.bin")
	require.NoError(t, os.WriteFile(testcasePath, []byte("input"), 0o600))

	// A stand-in "instrumented target": a shell script that accepts
	// --trace-out PATH and writes a marker file there.
	p, err := New(map[string]any{
		"command":    "sh",
		"output-dir": outDir,
		"trace-flag": "--trace-out",
		"args":       []any{"-c", `while [ "$1" != "--trace-out" ]; do shift; done; echo traced > "$2"`, "_"},
	})
	require.NoError(t, err)

	path, err := p.Trace(context.Background(), testcasePath)
	require.NoError(t, err)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "traced\n", string(body))
}

func TestNew_MissingCommand_ReturnsError(t *testing.T) {
	t.Parallel()

	_, err := New(map[string]any{"output-dir": t.TempDir()})
	require.Error(t, err)
}

func TestNew_MissingOutputDir_ReturnsError(t *testing.T) {
	t.Parallel()

	_, err := New(map[string]any{"command": "sh"})
	require.Error(t, err)
}

func TestCommandProducer_SupportsParallelism_IsTrue(t *testing.T) {
	t.Parallel()

	p, err := New(map[string]any{"command": "sh", "output-dir": t.TempDir()})
	require.NoError(t, err)
	assert.True(t, p.SupportsParallelism())
}
