package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/sidetrace/internal/config"
	"github.com/Sumatoshi-tech/sidetrace/internal/pipelineerr"
	"github.com/Sumatoshi-tech/sidetrace/pkg/observability"
)

// Closer is implemented by modules that own a resource requiring explicit
// teardown (file handles, MAP-entry writers, dictionaries). Pipeline.Teardown
// calls Close on every module that implements it, in reverse topological
// order.
type Closer interface {
	Close(ctx context.Context) error
}

type namedAnalyzer struct {
	name     string
	analyzer Analyzer
	mu       sync.Mutex // serializes AddTrace when !analyzer.SupportsParallelism()
}

// Pipeline composes the four stages, carries entities between them through
// bounded queues, and enforces the single shared cancellation token.
type Pipeline struct {
	cfg *config.Config

	testcase     TestcaseProducer
	tracer       TraceProducer
	preprocessor Preprocessor
	analyzers    []*namedAnalyzer

	metrics *observability.AnalysisMetrics
	logger  *slog.Logger
}

// Registries bundles the four per-category module registries Build draws
// from. Each caller assembles its own registries from the modules it links
// in; the pipeline itself is agnostic to which modules exist.
type Registries struct {
	Testcase   *Registry[TestcaseProducer]
	Trace      *Registry[TraceProducer]
	Preprocess *Registry[Preprocessor]
	Analysis   *Registry[Analyzer]
}

// Build parses the stage list from cfg and instantiates one module per
// stage (many, for analysis). It fails with a *pipelineerr.ConfigError if
// cfg itself is invalid or if any module name is unknown to its registry.
func Build(cfg *config.Config, regs Registries, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, pipelineerr.NewConfigError("build", "", err)
	}

	testcase, err := regs.Testcase.Build(cfg.Testcase.Module, cfg.Testcase.ModuleOptions)
	if err != nil {
		return nil, pipelineerr.NewConfigError("build", cfg.Testcase.Module, err)
	}

	tracer, err := regs.Trace.Build(cfg.Trace.Module, cfg.Trace.ModuleOptions)
	if err != nil {
		return nil, pipelineerr.NewConfigError("build", cfg.Trace.Module, err)
	}

	preprocessor, err := regs.Preprocess.Build(cfg.Preprocess.Module, cfg.Preprocess.ModuleOptions)
	if err != nil {
		return nil, pipelineerr.NewConfigError("build", cfg.Preprocess.Module, err)
	}

	analyzers := make([]*namedAnalyzer, 0, len(cfg.Analysis))

	for _, a := range cfg.Analysis {
		built, err := regs.Analysis.Build(a.Module, a.ModuleOptions)
		if err != nil {
			return nil, pipelineerr.NewConfigError("build", a.Module, err)
		}

		analyzers = append(analyzers, &namedAnalyzer{name: a.Module, analyzer: built})
	}

	p := &Pipeline{
		cfg:          cfg,
		testcase:     testcase,
		tracer:       tracer,
		preprocessor: preprocessor,
		analyzers:    analyzers,
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Option configures optional Pipeline collaborators.
type Option func(*Pipeline)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithMetrics attaches OTel run metrics.
func WithMetrics(m *observability.AnalysisMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// workerCount resolves the runtime contract min(max_parallel_threads, 1 if
// !supports_parallelism else N) — N is capped at GOMAXPROCS so a generous
// config value never oversubscribes the machine.
func workerCount(opts config.RuntimeOptions, parallel bool) int {
	if !parallel {
		return 1
	}

	n := opts.MaxParallelThreads
	if ceiling := runtime.GOMAXPROCS(0); n > ceiling {
		n = ceiling
	}

	if n < 1 {
		n = 1
	}

	return n
}

// Run executes the pipeline to completion: the test-case stage runs until
// exhausted, each downstream stage drains its queue, and finally every
// analyzer is asked to Finish. It returns the first fatal error observed;
// later errors are logged only. Run does not tear modules down; the
// caller calls Teardown afterwards, whatever Run returned.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	traceQueue := make(chan *Entity, p.cfg.Trace.Options.InputBufferSize)
	preQueue := make(chan *Entity, p.cfg.Preprocess.Options.InputBufferSize)
	analysisQueue := make(chan *Entity, maxAnalysisBuffer(p.cfg.Analysis))

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		defer close(traceQueue)

		p.runTestcaseStage(runCtx, cancel, traceQueue)
	}()

	p.runMiddleStage(runCtx, cancel, &wg, "trace", workerCount(p.cfg.Trace.Options, p.tracer.SupportsParallelism()),
		traceQueue, preQueue, p.runTraceWorker)

	p.runMiddleStage(runCtx, cancel, &wg, "preprocess", workerCount(p.cfg.Preprocess.Options, p.preprocessor.SupportsParallelism()),
		preQueue, analysisQueue, p.runPreprocessWorker)

	analysisWorkers := maxAnalysisWorkers(p.cfg.Analysis)

	var analysisWG sync.WaitGroup

	for range analysisWorkers {
		analysisWG.Add(1)

		go func() {
			defer analysisWG.Done()

			p.runAnalysisWorker(runCtx, cancel, analysisQueue)
		}()
	}

	analysisWG.Wait()

	wg.Wait()

	finishErr := p.finishAnalyzers(runCtx)

	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}

	return finishErr
}

func maxAnalysisBuffer(analysis []config.StageConfig) int {
	best := 1
	for _, a := range analysis {
		if a.Options.InputBufferSize > best {
			best = a.Options.InputBufferSize
		}
	}

	return best
}

func maxAnalysisWorkers(analysis []config.StageConfig) int {
	best := 1

	for _, a := range analysis {
		n := workerCount(a.Options, true)
		if n > best {
			best = n
		}
	}

	return best
}

func (p *Pipeline) runTestcaseStage(ctx context.Context, cancel context.CancelCauseFunc, out chan<- *Entity) {
	var nextID int64

	for {
		if ctx.Err() != nil {
			return
		}

		done, err := p.testcase.IsDone(ctx)
		if err != nil {
			cancel(fmt.Errorf("testcase stage: %w", err))

			return
		}

		if done {
			return
		}

		path, err := p.testcase.Next(ctx)
		if err != nil {
			cancel(fmt.Errorf("testcase stage: %w", err))

			return
		}

		entity := &Entity{ID: nextID, TestcasePath: path}
		nextID++

		select {
		case out <- entity:
		case <-ctx.Done():
			return
		}
	}
}

type middleWorkerFn func(ctx context.Context, e *Entity) error

func (p *Pipeline) runMiddleStage(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	outerWG *sync.WaitGroup,
	name string,
	workers int,
	in <-chan *Entity,
	out chan<- *Entity,
	fn middleWorkerFn,
) {
	var stageWG sync.WaitGroup

	for range workers {
		stageWG.Add(1)

		go func() {
			defer stageWG.Done()

			for entity := range in {
				if ctx.Err() != nil {
					return
				}

				start := time.Now()
				err := fn(ctx, entity)
				p.recordStageDuration(ctx, name, time.Since(start))

				if err != nil {
					if pipelineerr.IsFatal(err) {
						cancel(fmt.Errorf("%s stage: %w", name, err))

						return
					}

					p.logger.WarnContext(ctx, "stage item dropped", "stage", name, "error", err)

					continue
				}

				select {
				case out <- entity:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	outerWG.Add(1)

	go func() {
		defer outerWG.Done()
		defer close(out)

		stageWG.Wait()
	}()
}

func (p *Pipeline) runTraceWorker(ctx context.Context, e *Entity) error {
	rawPath, err := p.tracer.Trace(ctx, e.TestcasePath)
	if err != nil {
		return err
	}

	e.RawTracePath = rawPath

	return nil
}

func (p *Pipeline) runPreprocessWorker(ctx context.Context, e *Entity) error {
	return p.preprocessor.Preprocess(ctx, e)
}

func (p *Pipeline) runAnalysisWorker(ctx context.Context, cancel context.CancelCauseFunc, in <-chan *Entity) {
	for entity := range in {
		if ctx.Err() != nil {
			return
		}

		for _, na := range p.analyzers {
			if err := na.addTrace(ctx, entity); err != nil {
				if pipelineerr.IsFatal(err) {
					cancel(fmt.Errorf("analysis stage %s: %w", na.name, err))

					return
				}

				p.logger.WarnContext(ctx, "analyzer rejected trace", "analyzer", na.name, "error", err)
			}
		}
	}
}

func (na *namedAnalyzer) addTrace(ctx context.Context, e *Entity) error {
	if na.analyzer.SupportsParallelism() {
		return na.analyzer.AddTrace(ctx, e)
	}

	na.mu.Lock()
	defer na.mu.Unlock()

	return na.analyzer.AddTrace(ctx, e)
}

func (p *Pipeline) finishAnalyzers(ctx context.Context) error {
	var firstErr error

	for _, na := range p.analyzers {
		if err := na.analyzer.Finish(ctx); err != nil {
			p.logger.ErrorContext(ctx, "analyzer finish failed", "analyzer", na.name, "error", err)

			if firstErr == nil {
				firstErr = fmt.Errorf("analyzer %s finish: %w", na.name, err)
			}
		}
	}

	return firstErr
}

func (p *Pipeline) recordStageDuration(ctx context.Context, stage string, d time.Duration) {
	if p.metrics == nil {
		return
	}

	p.metrics.RecordRun(ctx, observability.RunStats{
		StageDurations: []observability.StageDuration{{Stage: stage, Duration: d}},
	})
}

// Teardown closes every module implementing Closer, in reverse topological
// order (analyzers, preprocessor, tracer, testcase producer), collecting
// every error rather than stopping at the first.
func (p *Pipeline) Teardown(ctx context.Context) error {
	var errs []error

	for i := len(p.analyzers) - 1; i >= 0; i-- {
		if c, ok := p.analyzers[i].analyzer.(Closer); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close analyzer %s: %w", p.analyzers[i].name, err))
			}
		}
	}

	if c, ok := p.preprocessor.(Closer); ok {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close preprocessor: %w", err))
		}
	}

	if c, ok := p.tracer.(Closer); ok {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close tracer: %w", err))
		}
	}

	if c, ok := p.testcase.(Closer); ok {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close testcase producer: %w", err))
		}
	}

	return errors.Join(errs...)
}
