package commands

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/sidetrace/internal/config"
)

func TestExecuteRun_MissingConfigFile_ReturnsError(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := executeRun(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), "", "", "", true, &out)
	require.Error(t, err)
}

func TestLogBudgetAdvice_UnparseableBudget_DoesNotPanic(t *testing.T) {
	t.Parallel()

	logger := buildLogger(&config.Config{})
	require.NotPanics(t, func() { logBudgetAdvice(logger, "not-a-size") })
}

func TestInjectCheckpointDir_SetsUnsetModuleOptions(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Analysis: []config.StageConfig{
			{Module: "call-stack"},
			{Module: "other", ModuleOptions: map[string]any{"checkpoint-dir": "/explicit"}},
		},
	}

	injectCheckpointDir(cfg, "/default")

	require.Equal(t, "/default", cfg.Analysis[0].ModuleOptions["checkpoint-dir"])
	require.Equal(t, "/explicit", cfg.Analysis[1].ModuleOptions["checkpoint-dir"])
}
