package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/sidetrace/internal/pipelineerr"
)

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for sidetrace settings.
const envPrefix = "SIDETRACE"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// defaultInputBufferSize and defaultMaxParallelThreads seed every stage's
// options when the config file omits them.
const (
	defaultInputBufferSize    = 1
	defaultMaxParallelThreads = 1
)

// constantPattern matches a $$NAME$$ constant reference in a raw config
// document; envVarPattern matches a $$$VAR$$$ environment-variable reference.
var (
	constantPattern = regexp.MustCompile(`\$\$([A-Za-z_][A-Za-z0-9_]*)\$\$`)
	envVarPattern   = regexp.MustCompile(`\$\$\$([A-Za-z_][A-Za-z0-9_]*)\$\$\$`)
)

// rawDocument mirrors just enough of the config shape to discover the
// preprocess section's constants and base-file before the document is
// fully interpolated and unmarshalled.
type rawDocument struct {
	Preprocess struct {
		Constants map[string]string `yaml:"constants"`
		BaseFile  string            `yaml:"base-file"`
	} `yaml:"preprocess"`
}

// LoadConfig reads, interpolates, and validates the configuration document
// at path. Constants declared under preprocess.constants are substituted
// for $$NAME$$ references anywhere in the document; $$$VAR$$$ references
// are substituted from the process environment. If preprocess.base-file is
// set, that file's preprocess section is read first and the document's own
// preprocess section is layered on top of it.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pipelineerr.NewConfigError("load", "", fmt.Errorf("read config file %s: %w", path, err))
	}

	merged, err := layerBaseFile(raw)
	if err != nil {
		return nil, err
	}

	interpolated, err := interpolate(merged)
	if err != nil {
		return nil, err
	}

	cfg, err := unmarshal(interpolated)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, pipelineerr.NewConfigError("validate", "", err)
	}

	return cfg, nil
}

// layerBaseFile merges doc's preprocess section onto its base-file's
// preprocess section, if one is declared. doc's own keys win.
func layerBaseFile(doc []byte) ([]byte, error) {
	var top map[string]any

	if err := yaml.Unmarshal(doc, &top); err != nil {
		return nil, pipelineerr.NewConfigError("parse", "", fmt.Errorf("parse config: %w", err))
	}

	var rd rawDocument

	if err := yaml.Unmarshal(doc, &rd); err != nil {
		return nil, pipelineerr.NewConfigError("parse", "", fmt.Errorf("parse config: %w", err))
	}

	if rd.Preprocess.BaseFile == "" {
		return doc, nil
	}

	baseRaw, err := os.ReadFile(rd.Preprocess.BaseFile)
	if err != nil {
		return nil, pipelineerr.NewConfigError("load", "preprocess", fmt.Errorf("read base-file %s: %w", rd.Preprocess.BaseFile, err))
	}

	var base map[string]any

	if err := yaml.Unmarshal(baseRaw, &base); err != nil {
		return nil, pipelineerr.NewConfigError("parse", "preprocess", fmt.Errorf("parse base-file: %w", err))
	}

	basePreprocess, _ := base["preprocess"].(map[string]any)
	ownPreprocess, _ := top["preprocess"].(map[string]any)
	top["preprocess"] = mergeMaps(basePreprocess, ownPreprocess)

	out, err := yaml.Marshal(top)
	if err != nil {
		return nil, pipelineerr.NewConfigError("parse", "preprocess", fmt.Errorf("remarshal merged config: %w", err))
	}

	return out, nil
}

// mergeMaps recursively layers override onto base; override's values win at
// every leaf, and nested maps are merged rather than replaced wholesale.
func mergeMaps(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))

	for k, v := range base {
		merged[k] = v
	}

	for k, v := range override {
		if baseChild, ok := merged[k].(map[string]any); ok {
			if overrideChild, ok := v.(map[string]any); ok {
				merged[k] = mergeMaps(baseChild, overrideChild)
				continue
			}
		}

		merged[k] = v
	}

	return merged
}

// interpolate resolves $$NAME$$ constant references (declared under
// preprocess.constants) and $$$VAR$$$ environment-variable references
// anywhere in the raw document text.
func interpolate(doc []byte) ([]byte, error) {
	var rd rawDocument

	if err := yaml.Unmarshal(doc, &rd); err != nil {
		return nil, pipelineerr.NewConfigError("parse", "", fmt.Errorf("parse config: %w", err))
	}

	text := string(doc)

	text = envVarPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})

	text = constantPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := constantPattern.FindStringSubmatch(match)[1]
		if v, ok := rd.Preprocess.Constants[name]; ok {
			return v
		}

		return match
	})

	return []byte(text), nil
}

// unmarshal decodes the interpolated document through viper, applying
// stage-option defaults to every key the document omits.
func unmarshal(doc []byte) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if err := viperCfg.ReadConfig(bytes.NewReader(doc)); err != nil {
		return nil, pipelineerr.NewConfigError("parse", "", fmt.Errorf("read config: %w", err))
	}

	var cfg Config

	if err := viperCfg.Unmarshal(&cfg); err != nil {
		return nil, pipelineerr.NewConfigError("parse", "", fmt.Errorf("unmarshal config: %w", err))
	}

	for i := range cfg.Analysis {
		if cfg.Analysis[i].Options.InputBufferSize == 0 {
			cfg.Analysis[i].Options.InputBufferSize = defaultInputBufferSize
		}

		if cfg.Analysis[i].Options.MaxParallelThreads == 0 {
			cfg.Analysis[i].Options.MaxParallelThreads = defaultMaxParallelThreads
		}
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	for _, stage := range []string{"testcase", "trace", "preprocess", "analysis"} {
		viperCfg.SetDefault(stage+".options.input-buffer-size", defaultInputBufferSize)
		viperCfg.SetDefault(stage+".options.max-parallel-threads", defaultMaxParallelThreads)
	}
}
