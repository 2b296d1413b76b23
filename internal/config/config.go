// Package config defines the hierarchical configuration document that
// describes a single pipeline run: which module backs each stage, the
// free-form options passed to it, and the runtime knobs (buffer sizes,
// worker counts) shared by every stage.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Config is the top-level configuration document. Each stage key carries
// its own module selection plus the runtime options that govern how the
// stage is run. Analysis is the one stage allowed more than one module:
// the analysis stage is a sink fan-out, so every entry runs against every
// preprocessed trace.
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Testcase   StageConfig      `mapstructure:"testcase"`
	Trace      StageConfig      `mapstructure:"trace"`
	Preprocess PreprocessConfig `mapstructure:"preprocess"`
	Analysis   []StageConfig    `mapstructure:"analysis"`
}

// GeneralConfig holds settings that apply to the run as a whole rather
// than to any one stage.
type GeneralConfig struct {
	MemoryBudget  string `mapstructure:"memory-budget"`
	CheckpointDir string `mapstructure:"checkpoint-dir"`
	LogLevel      string `mapstructure:"log-level"`
}

// StageConfig is the shape shared by every stage key: a module selection
// plus its options.
type StageConfig struct {
	Module        string         `mapstructure:"module"`
	ModuleOptions map[string]any `mapstructure:"module-options"`
	// OptionsSchema is an optional JSON Schema document; when set,
	// module-options is validated against it before the module is built.
	OptionsSchema string `mapstructure:"module-options-schema"`

	Options RuntimeOptions `mapstructure:"options"`
}

// PreprocessConfig is the preprocess stage key. It additionally supports
// constant and environment-variable interpolation plus layering onto a
// base file, handled entirely in the loader before unmarshalling.
type PreprocessConfig struct {
	Module        string         `mapstructure:"module"`
	ModuleOptions map[string]any `mapstructure:"module-options"`
	OptionsSchema string         `mapstructure:"module-options-schema"`
	Options       RuntimeOptions `mapstructure:"options"`
	BaseFile      string         `mapstructure:"base-file"`
}

// RuntimeOptions are the runtime knobs common to every stage.
type RuntimeOptions struct {
	InputBufferSize    int `mapstructure:"input-buffer-size"`
	MaxParallelThreads int `mapstructure:"max-parallel-threads"`
}

// Sentinel errors for configuration validation.
var (
	// ErrMissingModule indicates a stage has no module selected.
	ErrMissingModule = errors.New("config: stage module must be set")
	// ErrInvalidBufferSize indicates input-buffer-size is not positive.
	ErrInvalidBufferSize = errors.New("config: options.input-buffer-size must be >= 1")
	// ErrInvalidParallelism indicates max-parallel-threads is not positive.
	ErrInvalidParallelism = errors.New("config: options.max-parallel-threads must be >= 1")
	// ErrTestcaseParallelism indicates the testcase stage declared more
	// than one worker; it is always sequential because it alone assigns
	// the monotonic entity id.
	ErrTestcaseParallelism = errors.New("config: testcase stage cannot declare parallelism")
	// ErrNoAnalyzers indicates the analysis stage has no modules configured.
	ErrNoAnalyzers = errors.New("config: analysis stage requires at least one module")
	// ErrInvalidOptionsSchema indicates module-options-schema is not a
	// compilable JSON Schema document.
	ErrInvalidOptionsSchema = errors.New("config: module-options-schema is not a valid JSON Schema document")
	// ErrModuleOptionsSchema indicates module-options failed validation
	// against the stage's module-options-schema.
	ErrModuleOptionsSchema = errors.New("config: module-options does not satisfy module-options-schema")
)

// Validate checks Config invariants and returns the first error found,
// naming the offending stage.
func (c *Config) Validate() error {
	if err := validateStage("testcase", c.Testcase); err != nil {
		return err
	}

	if c.Testcase.Options.MaxParallelThreads > 1 {
		return fmt.Errorf("testcase: %w", ErrTestcaseParallelism)
	}

	if err := validateStage("trace", c.Trace); err != nil {
		return err
	}

	if err := validateStage("preprocess", StageConfig{
		Module:        c.Preprocess.Module,
		ModuleOptions: c.Preprocess.ModuleOptions,
		OptionsSchema: c.Preprocess.OptionsSchema,
		Options:       c.Preprocess.Options,
	}); err != nil {
		return err
	}

	if len(c.Analysis) == 0 {
		return fmt.Errorf("analysis: %w", ErrNoAnalyzers)
	}

	for _, a := range c.Analysis {
		if err := validateStage("analysis", a); err != nil {
			return err
		}
	}

	return nil
}

func validateStage(name string, cfg StageConfig) error {
	if cfg.Module == "" {
		return fmt.Errorf("%s: %w", name, ErrMissingModule)
	}

	if cfg.Options.InputBufferSize < 1 {
		return fmt.Errorf("%s: %w", name, ErrInvalidBufferSize)
	}

	if cfg.Options.MaxParallelThreads < 1 {
		return fmt.Errorf("%s: %w", name, ErrInvalidParallelism)
	}

	if cfg.OptionsSchema != "" {
		if err := validateModuleOptionsSchema(cfg.OptionsSchema, cfg.ModuleOptions); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	return nil
}

// validateModuleOptionsSchema checks moduleOptions against schema, a JSON
// Schema document supplied verbatim in module-options-schema. It is only
// called when a stage opts in by setting module-options-schema, so stages
// that leave it unset keep accepting module-options of any shape.
func validateModuleOptionsSchema(schema string, moduleOptions map[string]any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewGoLoader(moduleOptions),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptionsSchema, err)
	}

	if !result.Valid() {
		descriptions := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			descriptions = append(descriptions, e.String())
		}

		return fmt.Errorf("%w: %s", ErrModuleOptionsSchema, strings.Join(descriptions, "; "))
	}

	return nil
}
