package stage_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/sidetrace/internal/config"
	"github.com/Sumatoshi-tech/sidetrace/internal/pipelineerr"
	"github.com/Sumatoshi-tech/sidetrace/internal/stage"
)

type fakeTestcases struct {
	paths []string
	next  int
}

func (f *fakeTestcases) SupportsParallelism() bool { return false }

func (f *fakeTestcases) IsDone(context.Context) (bool, error) {
	return f.next >= len(f.paths), nil
}

func (f *fakeTestcases) Next(context.Context) (string, error) {
	p := f.paths[f.next]
	f.next++

	return p, nil
}

type fakeTracer struct{ parallel bool }

func (f *fakeTracer) SupportsParallelism() bool { return f.parallel }

func (f *fakeTracer) Trace(_ context.Context, testcasePath string) (string, error) {
	return testcasePath + ".trace", nil
}

type fakePreprocessor struct{ parallel bool }

func (f *fakePreprocessor) SupportsParallelism() bool { return f.parallel }

func (f *fakePreprocessor) Preprocess(_ context.Context, e *stage.Entity) error {
	e.PreprocessedTracePath = e.RawTracePath + ".preprocessed"

	return nil
}

type fakeAnalyzer struct {
	mu       sync.Mutex
	parallel bool
	seen     []string
	finished atomic.Bool
}

func (f *fakeAnalyzer) SupportsParallelism() bool { return f.parallel }

func (f *fakeAnalyzer) AddTrace(_ context.Context, e *stage.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seen = append(f.seen, e.PreprocessedTracePath)

	return nil
}

func (f *fakeAnalyzer) Finish(context.Context) error {
	f.finished.Store(true)

	return nil
}

func buildConfig(analyzers int) *config.Config {
	opts := config.RuntimeOptions{InputBufferSize: 4, MaxParallelThreads: 2}

	analysis := make([]config.StageConfig, analyzers)
	for i := range analysis {
		analysis[i] = config.StageConfig{Module: "fake", Options: opts}
	}

	return &config.Config{
		Testcase:   config.StageConfig{Module: "fake", Options: config.RuntimeOptions{InputBufferSize: 4, MaxParallelThreads: 1}},
		Trace:      config.StageConfig{Module: "fake", Options: opts},
		Preprocess: config.PreprocessConfig{Module: "fake", Options: opts},
		Analysis:   analysis,
	}
}

func registries(tc stage.TestcaseProducer, tr stage.TraceProducer, pre stage.Preprocessor, analyzers []*fakeAnalyzer) stage.Registries {
	testcaseReg := stage.NewRegistry[stage.TestcaseProducer]()
	_ = testcaseReg.Register("fake", func(map[string]any) (stage.TestcaseProducer, error) { return tc, nil })

	traceReg := stage.NewRegistry[stage.TraceProducer]()
	_ = traceReg.Register("fake", func(map[string]any) (stage.TraceProducer, error) { return tr, nil })

	preReg := stage.NewRegistry[stage.Preprocessor]()
	_ = preReg.Register("fake", func(map[string]any) (stage.Preprocessor, error) { return pre, nil })

	analysisReg := stage.NewRegistry[stage.Analyzer]()

	idx := 0
	_ = analysisReg.Register("fake", func(map[string]any) (stage.Analyzer, error) {
		a := analyzers[idx]
		idx++

		return a, nil
	})

	return stage.Registries{Testcase: testcaseReg, Trace: traceReg, Preprocess: preReg, Analysis: analysisReg}
}

func TestPipeline_SingleTestcase_ReachesAnalyzer(t *testing.T) {
	t.Parallel()

	analyzers := []*fakeAnalyzer{{parallel: true}}
	tc := &fakeTestcases{paths: []string{"0.testcase"}}

	p, err := stage.Build(buildConfig(1), registries(tc, &fakeTracer{parallel: true}, &fakePreprocessor{parallel: true}, analyzers))
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []string{"0.testcase.trace.preprocessed"}, analyzers[0].seen)
	assert.True(t, analyzers[0].finished.Load())
}

func TestPipeline_MultipleTestcases_FanOutToAllAnalyzers(t *testing.T) {
	t.Parallel()

	analyzers := []*fakeAnalyzer{{parallel: true}, {parallel: false}}
	tc := &fakeTestcases{paths: []string{"0.testcase", "1.testcase", "2.testcase"}}

	p, err := stage.Build(buildConfig(2), registries(tc, &fakeTracer{parallel: true}, &fakePreprocessor{parallel: true}, analyzers))
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))

	for _, a := range analyzers {
		assert.Len(t, a.seen, 3)
		assert.True(t, a.finished.Load())
	}
}

func TestPipeline_SequentialModules_StillComplete(t *testing.T) {
	t.Parallel()

	analyzers := []*fakeAnalyzer{{parallel: false}}
	tc := &fakeTestcases{paths: []string{"0.testcase", "1.testcase"}}

	p, err := stage.Build(buildConfig(1), registries(tc, &fakeTracer{parallel: false}, &fakePreprocessor{parallel: false}, analyzers))
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))
	assert.Len(t, analyzers[0].seen, 2)
}

type fatalTracer struct{}

func (fatalTracer) SupportsParallelism() bool { return false }

func (fatalTracer) Trace(context.Context, string) (string, error) {
	return "", &pipelineerr.IoError{Op: "trace", Cause: errors.New("disk full")}
}

func TestPipeline_FatalStageError_CancelsAndDrains(t *testing.T) {
	t.Parallel()

	analyzers := []*fakeAnalyzer{{parallel: true}}
	tc := &fakeTestcases{paths: []string{"0.testcase", "1.testcase", "2.testcase"}}

	p, err := stage.Build(buildConfig(1), registries(tc, fatalTracer{}, &fakePreprocessor{parallel: true}, analyzers))
	require.NoError(t, err)

	runErr := p.Run(context.Background())
	require.Error(t, runErr)

	var ioErr *pipelineerr.IoError
	require.ErrorAs(t, runErr, &ioErr)
	assert.Empty(t, analyzers[0].seen)
}

func TestPipeline_Build_UnknownModule_ReturnsConfigError(t *testing.T) {
	t.Parallel()

	cfg := buildConfig(1)
	cfg.Trace.Module = "does-not-exist"

	analyzers := []*fakeAnalyzer{{parallel: true}}
	_, err := stage.Build(cfg, registries(&fakeTestcases{}, &fakeTracer{}, &fakePreprocessor{}, analyzers))

	var cfgErr *pipelineerr.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestPipeline_Build_InvalidConfig_ReturnsConfigError(t *testing.T) {
	t.Parallel()

	cfg := buildConfig(0)

	analyzers := []*fakeAnalyzer{}
	_, err := stage.Build(cfg, registries(&fakeTestcases{}, &fakeTracer{}, &fakePreprocessor{}, analyzers))

	var cfgErr *pipelineerr.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}
