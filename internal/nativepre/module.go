package nativepre

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/Sumatoshi-tech/sidetrace/internal/pipelineerr"
	"github.com/Sumatoshi-tech/sidetrace/internal/stage"
	"github.com/Sumatoshi-tech/sidetrace/internal/trace"
	"github.com/Sumatoshi-tech/sidetrace/pkg/alg/interval"
)

// Options configures a Preprocessor instance. It is decoded from the
// preprocess stage's free-form module-options map.
type Options struct {
	ImageListPath   string
	PrefixTracePath string
	TrackStack      bool
	CompressTraces  bool
	Logger          *slog.Logger
}

// Preprocessor decodes the native-tracer backend's packed 32-byte records
// into the canonical binary trace format. Prefix state (image table,
// initial allocation table, stack-pointer bounds) is parsed once, guarded
// by a mutex and a "ready" condition variable; every per-testcase call is
// safe to run concurrently once the prefix is ready.
type Preprocessor struct {
	opts Options

	mu        sync.Mutex
	cond      *sync.Cond
	parsing   bool
	ready     bool
	prefixErr error

	images             []trace.Image
	tree               *interval.Tree[uint64, int32]
	prefix             *trace.Prefix
	stackMin, stackMax uint64
}

// New builds a Preprocessor from module-options. Recognized keys:
// "image-list-path", "prefix-trace-path", "track-stack", "compress-traces".
func New(options map[string]any) (*Preprocessor, error) {
	opts := Options{Logger: slog.Default()}

	if v, ok := options["image-list-path"].(string); ok {
		opts.ImageListPath = v
	}

	if v, ok := options["prefix-trace-path"].(string); ok {
		opts.PrefixTracePath = v
	}

	if v, ok := options["track-stack"].(bool); ok {
		opts.TrackStack = v
	}

	if v, ok := options["compress-traces"].(bool); ok {
		opts.CompressTraces = v
	}

	if opts.ImageListPath == "" {
		return nil, fmt.Errorf("nativepre: %w: image-list-path is required", pipelineerr.ErrConfig)
	}

	p := &Preprocessor{opts: opts}
	p.cond = sync.NewCond(&p.mu)

	return p, nil
}

// SupportsParallelism reports true: per-testcase preprocessing is safe for
// concurrent workers once the prefix has been parsed.
func (p *Preprocessor) SupportsParallelism() bool { return true }

// Preprocess decodes e's raw native trace into the canonical format,
// parsing the shared prefix exactly once across every caller.
func (p *Preprocessor) Preprocess(ctx context.Context, e *stage.Entity) error {
	if err := p.ensurePrefix(); err != nil {
		return fmt.Errorf("nativepre: prefix: %w", err)
	}

	raw, err := os.ReadFile(e.RawTracePath)
	if err != nil {
		return &pipelineerr.IoError{Op: "read raw trace", Cause: err}
	}

	records, err := readRecords(bytes.NewReader(raw))
	if err != nil {
		return &pipelineerr.TraceFormatError{Cause: err}
	}

	w := &walker{
		images:     p.images,
		resolve:    func(addr uint64) (trace.Image, bool) { return resolveImage(p.images, p.tree, addr) },
		stackMin:   p.stackMin,
		stackMax:   p.stackMax,
		trackStack: p.opts.TrackStack,
		allocs:     p.prefix.Allocations.Clone(),
		logger:     p.opts.Logger,
	}

	entries := w.translate(records)

	var buf bytes.Buffer

	var writer *trace.Writer
	if p.opts.CompressTraces {
		writer = trace.NewCompressedWriter(&buf)
	} else {
		writer = trace.NewWriter(&buf)
	}

	for _, entry := range entries {
		if err := writer.WriteEntry(entry); err != nil {
			return err
		}
	}

	if err := writer.Close(); err != nil {
		return err
	}

	if p.opts.CompressTraces {
		e.PreprocessedTrace = trace.FromCompressedBytes(p.prefix, buf.Bytes())
	} else {
		e.PreprocessedTrace = trace.FromBytes(p.prefix, buf.Bytes())
	}

	return nil
}

// ensurePrefix parses the shared prefix exactly once. The first caller
// holds the mutex and does the work; later callers wait on the condition
// variable. A fatal error during parsing still marks the prefix ready (in
// an error state) so waiters never deadlock.
func (p *Preprocessor) ensurePrefix() error {
	p.mu.Lock()

	if p.ready {
		err := p.prefixErr
		p.mu.Unlock()

		return err
	}

	// Single-winner: the first goroutine through this branch parses the
	// prefix; everyone else (including re-entrant calls that lost the
	// race before `ready` was set) waits below.
	winner := !p.parsing
	p.parsing = true

	if !winner {
		for !p.ready {
			p.cond.Wait()
		}

		err := p.prefixErr
		p.mu.Unlock()

		return err
	}

	p.mu.Unlock()

	err := p.parsePrefix()

	p.mu.Lock()
	p.prefixErr = err
	p.ready = true
	p.cond.Broadcast()
	p.mu.Unlock()

	return err
}

// parsePrefix reads the image list and, if set, the shared prefix.trace,
// seeding the initial allocation table and the stack-pointer bounds from
// its first StackPtr record. It emits the canonical prefix entries (image
// table plus the prefix's non-stack entries) for reuse by every testcase.
func (p *Preprocessor) parsePrefix() error {
	imageFile, err := os.Open(p.opts.ImageListPath)
	if err != nil {
		return &pipelineerr.IoError{Op: "open image list", Cause: err}
	}
	defer imageFile.Close()

	images, tree, err := loadImageList(imageFile)
	if err != nil {
		return err
	}

	p.images = images
	p.tree = tree

	allocs := trace.NewAllocationTable(0)

	var entries []trace.Entry

	if p.opts.PrefixTracePath != "" {
		raw, err := os.ReadFile(p.opts.PrefixTracePath)
		if err != nil {
			return &pipelineerr.IoError{Op: "read prefix trace", Cause: err}
		}

		records, err := readRecords(bytes.NewReader(raw))
		if err != nil {
			return &pipelineerr.TraceFormatError{Cause: err}
		}

		w := &walker{
			images:     images,
			resolve:    func(addr uint64) (trace.Image, bool) { return resolveImage(images, tree, addr) },
			trackStack: false, // the canonical prefix carries non-stack entries only
			allocs:     allocs,
			logger:     p.opts.Logger,
		}

		entries = w.translate(records)
		p.stackMin, p.stackMax = w.stackMin, w.stackMax
	}

	p.prefix = &trace.Prefix{Images: images, Entries: entries, Allocations: allocs}

	return nil
}
