// Package commands implements CLI command handlers for sidetrace.
package commands

import (
	"github.com/Sumatoshi-tech/sidetrace/internal/leakage"
	"github.com/Sumatoshi-tech/sidetrace/internal/nativepre"
	"github.com/Sumatoshi-tech/sidetrace/internal/sourcepre"
	"github.com/Sumatoshi-tech/sidetrace/internal/stage"
	"github.com/Sumatoshi-tech/sidetrace/internal/testcase"
	"github.com/Sumatoshi-tech/sidetrace/internal/tracegen"
)

// buildRegistries assembles the default module set every stage can choose
// from. A caller embedding the pipeline in its own CLI would build its own
// Registries with whatever additional modules it links in; sidetrace's own
// registration list is a plain, unexported function rather than an
// init()-time global so tests can build a scoped-down set deterministically.
func buildRegistries() stage.Registries {
	testcaseReg := stage.NewRegistry[stage.TestcaseProducer]()
	_ = testcaseReg.Register("random", func(opts map[string]any) (stage.TestcaseProducer, error) { return testcase.NewRandom(opts) })
	_ = testcaseReg.Register("directory", func(opts map[string]any) (stage.TestcaseProducer, error) { return testcase.NewDirectory(opts) })
	_ = testcaseReg.Register("external", func(opts map[string]any) (stage.TestcaseProducer, error) { return testcase.NewExternal(opts) })

	traceReg := stage.NewRegistry[stage.TraceProducer]()
	_ = traceReg.Register("command", func(opts map[string]any) (stage.TraceProducer, error) { return tracegen.New(opts) })

	preReg := stage.NewRegistry[stage.Preprocessor]()
	_ = preReg.Register("native", func(opts map[string]any) (stage.Preprocessor, error) { return nativepre.New(opts) })
	_ = preReg.Register("source", func(opts map[string]any) (stage.Preprocessor, error) { return sourcepre.New(opts) })

	analysisReg := stage.NewRegistry[stage.Analyzer]()
	_ = analysisReg.Register("call-stack", func(opts map[string]any) (stage.Analyzer, error) { return leakage.New(opts) })

	return stage.Registries{
		Testcase:   testcaseReg,
		Trace:      traceReg,
		Preprocess: preReg,
		Analysis:   analysisReg,
	}
}
