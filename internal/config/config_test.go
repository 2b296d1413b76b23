package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/sidetrace/internal/config"
)

func validConfig() config.Config {
	opts := config.RuntimeOptions{InputBufferSize: 64, MaxParallelThreads: 4}

	return config.Config{
		Testcase: config.StageConfig{Module: "random-bytes", Options: config.RuntimeOptions{InputBufferSize: 64, MaxParallelThreads: 1}},
		Trace:    config.StageConfig{Module: "native", Options: opts},
		Preprocess: config.PreprocessConfig{
			Module:  "native",
			Options: opts,
		},
		Analysis: []config.StageConfig{
			{Module: "call-stack-leakage", Options: opts},
		},
	}
}

func TestValidate_ValidConfig_NoError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_ZeroConfig_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}

	err := cfg.Validate()
	assert.ErrorIs(t, err, config.ErrMissingModule)
}

func TestValidate_MissingPreprocessModule_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Preprocess.Module = ""

	err := cfg.Validate()
	assert.ErrorIs(t, err, config.ErrMissingModule)
	assert.ErrorContains(t, err, "preprocess")
}

func TestValidate_InvalidInputBufferSize_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Trace.Options.InputBufferSize = 0

	err := cfg.Validate()
	assert.ErrorIs(t, err, config.ErrInvalidBufferSize)
}

func TestValidate_InvalidMaxParallelThreads_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Analysis[0].Options.MaxParallelThreads = 0

	err := cfg.Validate()
	assert.ErrorIs(t, err, config.ErrInvalidParallelism)
}

func TestValidate_TestcaseParallelism_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Testcase.Options.MaxParallelThreads = 2

	err := cfg.Validate()
	assert.ErrorIs(t, err, config.ErrTestcaseParallelism)
}

func TestValidate_NoAnalyzers_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Analysis = nil

	err := cfg.Validate()
	assert.ErrorIs(t, err, config.ErrNoAnalyzers)
}

func TestValidate_MultipleAnalyzers_NoError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	opts := config.RuntimeOptions{InputBufferSize: 64, MaxParallelThreads: 4}
	cfg.Analysis = append(cfg.Analysis, config.StageConfig{Module: "second-analyzer", Options: opts})

	require.NoError(t, cfg.Validate())
}

const sampleIntSchema = `{
  "type": "object",
  "properties": {"count": {"type": "integer", "minimum": 1}},
  "required": ["count"]
}`

func TestValidate_ModuleOptionsMatchesSchema_NoError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Analysis[0].OptionsSchema = sampleIntSchema
	cfg.Analysis[0].ModuleOptions = map[string]any{"count": 3}

	require.NoError(t, cfg.Validate())
}

func TestValidate_ModuleOptionsViolatesSchema_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Analysis[0].OptionsSchema = sampleIntSchema
	cfg.Analysis[0].ModuleOptions = map[string]any{"count": 0}

	err := cfg.Validate()
	assert.ErrorIs(t, err, config.ErrModuleOptionsSchema)
}

func TestValidate_ModuleOptionsMissingRequiredField_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Analysis[0].OptionsSchema = sampleIntSchema
	cfg.Analysis[0].ModuleOptions = map[string]any{}

	err := cfg.Validate()
	assert.ErrorIs(t, err, config.ErrModuleOptionsSchema)
}

func TestValidate_NoSchemaSet_SkipsValidationRegardlessOfOptionsShape(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Analysis[0].ModuleOptions = map[string]any{"anything": "goes"}

	require.NoError(t, cfg.Validate())
}

func TestValidate_MalformedSchemaDocument_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Preprocess.OptionsSchema = "not valid json"

	err := cfg.Validate()
	assert.ErrorIs(t, err, config.ErrInvalidOptionsSchema)
}
