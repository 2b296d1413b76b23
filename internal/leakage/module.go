package leakage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"

	"github.com/Sumatoshi-tech/sidetrace/internal/pipelineerr"
	"github.com/Sumatoshi-tech/sidetrace/internal/stage"
	"github.com/Sumatoshi-tech/sidetrace/internal/trace"
)

// Options configures an Analyzer instance.
type Options struct {
	OutputDirectory string
	BootstrapRounds int
	CheckpointDir   string
	Logger          *slog.Logger
}

// Analyzer merges every preprocessed trace it is handed into one
// consolidated call tree and, on Finish, scores each access site's
// leakage and writes call-stacks.txt and call-stacks.json.
//
// It declares non-parallel: the tree has no internal synchronization, so
// the pipeline runtime must serialize AddTrace calls against a single
// instance.
type Analyzer struct {
	opts Options

	mu     sync.Mutex
	root   *callNode
	images []trace.Image
}

// New builds an Analyzer from module-options. Recognized keys:
// "output-directory", "bootstrap-rounds", "checkpoint-dir".
//
// When checkpoint-dir is set, New restores a previously saved call tree
// from it (a missing checkpoint is not an error), and Finish snapshots
// the merged tree back to it, so a long import can be split across
// invocations that share the same checkpoint directory.
func New(options map[string]any) (*Analyzer, error) {
	opts := Options{BootstrapRounds: 200, Logger: slog.Default()}

	if v, ok := options["output-directory"].(string); ok {
		opts.OutputDirectory = v
	}

	if v, ok := options["bootstrap-rounds"].(int); ok {
		opts.BootstrapRounds = v
	}

	if v, ok := options["checkpoint-dir"].(string); ok {
		opts.CheckpointDir = v
	}

	if opts.OutputDirectory == "" {
		return nil, fmt.Errorf("leakage: %w: output-directory is required", pipelineerr.ErrConfig)
	}

	a := &Analyzer{opts: opts, root: newCallNode()}

	if opts.CheckpointDir != "" {
		if err := a.loadCheckpoint(opts.CheckpointDir); err != nil {
			return nil, &pipelineerr.IoError{Op: "load checkpoint", Cause: err}
		}
	}

	return a, nil
}

// SupportsParallelism reports false: the call tree is mutated in place by
// merge without synchronization, so the runtime must hold a single writer
// at a time for this analyzer.
func (a *Analyzer) SupportsParallelism() bool { return false }

// AddTrace merges e's preprocessed entries into the shared call tree,
// keyed by e.ID as the testcase identity.
func (a *Analyzer) AddTrace(ctx context.Context, e *stage.Entity) error {
	if e.PreprocessedTrace == nil {
		return fmt.Errorf("leakage: %w: entity %d has no preprocessed trace", pipelineerr.ErrModuleInternal, e.ID)
	}

	if a.images == nil && e.PreprocessedTrace.Prefix != nil {
		a.images = e.PreprocessedTrace.Prefix.Images
	}

	it, err := e.PreprocessedTrace.Iterate()
	if err != nil {
		return &pipelineerr.IoError{Op: "iterate preprocessed trace", Cause: err}
	}

	entries, err := it.All()
	if err != nil {
		return &pipelineerr.TraceFormatError{Cause: err}
	}

	testcaseID := safeTestcaseID(e.ID)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := merge(a.root, testcaseID, entries); err != nil {
		return fmt.Errorf("leakage: %w", err)
	}

	return nil
}

// Finish computes leakage statistics over the consolidated tree and
// writes call-stacks.txt and call-stacks.json to the configured output
// directory.
func (a *Analyzer) Finish(ctx context.Context) error {
	a.mu.Lock()
	root := a.root
	images := a.images
	a.mu.Unlock()

	if a.opts.CheckpointDir != "" {
		if err := a.saveCheckpoint(a.opts.CheckpointDir); err != nil {
			return &pipelineerr.IoError{Op: "save checkpoint", Cause: err}
		}
	}

	rng := rand.New(rand.NewPCG(1, 2)) //nolint:gosec // deterministic bootstrap resampling, not cryptographic

	builder := newReportBuilder(images, a.opts.BootstrapRounds, func(n int) int { return rng.IntN(n) })
	reported := builder.build(root, nil)

	if err := os.MkdirAll(a.opts.OutputDirectory, 0o750); err != nil {
		return &pipelineerr.IoError{Op: "create output directory", Cause: err}
	}

	jsonBytes, err := toJSON(reported)
	if err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(a.opts.OutputDirectory, "call-stacks.json"), jsonBytes, 0o600); err != nil {
		return &pipelineerr.IoError{Op: "write call-stacks.json", Cause: err}
	}

	text := toText(reported)

	if err := os.WriteFile(filepath.Join(a.opts.OutputDirectory, "call-stacks.txt"), []byte(text), 0o600); err != nil {
		return &pipelineerr.IoError{Op: "write call-stacks.txt", Cause: err}
	}

	a.opts.Logger.Info("leakage: report written", "dir", a.opts.OutputDirectory)

	return nil
}

// safeTestcaseID narrows a dense, monotonic entity id to int32: the space
// of testcase ids is bounded by how many test cases a single run can
// enqueue, far short of the int32 range in practice.
func safeTestcaseID(id int64) int32 {
	if id < 0 || id > math.MaxInt32 {
		return int32(id % math.MaxInt32) //nolint:gosec // deliberate narrowing fallback for an out-of-range id
	}

	return int32(id)
}
