// Package sourcepre implements the preprocessor for the source-level
// instrumentation backend: a compressed, line-oriented record grammar is
// decompressed, synthesized into addresses against a per-script pseudo
// image table, and translated into the canonical binary trace format
// shared with the native-tracer backend.
package sourcepre

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/Sumatoshi-tech/sidetrace/internal/pipelineerr"
	"github.com/Sumatoshi-tech/sidetrace/internal/stage"
	"github.com/Sumatoshi-tech/sidetrace/internal/trace"
)

// Options configures a Preprocessor instance, decoded from the preprocess
// stage's free-form module-options map.
type Options struct {
	ScriptsPath     string
	PrefixTracePath string
	ColumnBits      uint
	MapOutputDir    string
	CompressTraces  bool
	Logger          *slog.Logger
}

// Preprocessor decodes the source-tracer backend's compressed text records
// into the canonical binary trace format. Prefix state (image table,
// address-space allocators, dictionary snapshot) is parsed once, guarded
// by the same mutex-plus-condition-variable gate used by the native
// preprocessor.
type Preprocessor struct {
	opts Options

	mu        sync.Mutex
	cond      *sync.Cond
	parsing   bool
	ready     bool
	prefixErr error

	as         *addressSpace
	prefixDict *dict
	prefix     *trace.Prefix
}

// New builds a Preprocessor from module-options. Recognized keys:
// "scripts-path" (required), "prefix-trace-path", "column-bits",
// "map-output-dir", "compress-traces".
func New(options map[string]any) (*Preprocessor, error) {
	opts := Options{Logger: slog.Default(), ColumnBits: defaultColumnBits}

	if v, ok := options["scripts-path"].(string); ok {
		opts.ScriptsPath = v
	}

	if v, ok := options["prefix-trace-path"].(string); ok {
		opts.PrefixTracePath = v
	}

	if v, ok := options["map-output-dir"].(string); ok {
		opts.MapOutputDir = v
	}

	if v, ok := options["column-bits"].(int); ok {
		opts.ColumnBits = uint(v) //nolint:gosec // column-bits is validated against maxColumnBits below
	}

	if v, ok := options["compress-traces"].(bool); ok {
		opts.CompressTraces = v
	}

	if opts.ScriptsPath == "" {
		return nil, fmt.Errorf("sourcepre: %w: scripts-path is required", pipelineerr.ErrConfig)
	}

	p := &Preprocessor{opts: opts}
	p.cond = sync.NewCond(&p.mu)

	return p, nil
}

// SupportsParallelism reports true: per-testcase preprocessing is safe for
// concurrent workers once the prefix has been parsed, since addressSpace's
// process-global allocators are mutex-protected.
func (p *Preprocessor) SupportsParallelism() bool { return true }

// Preprocess decodes e's raw line-oriented trace into the canonical
// format, parsing the shared prefix exactly once across every caller and
// resetting the compression dictionary to the prefix snapshot for this
// call.
func (p *Preprocessor) Preprocess(_ context.Context, e *stage.Entity) error {
	if err := p.ensurePrefix(); err != nil {
		return fmt.Errorf("sourcepre: prefix: %w", err)
	}

	f, err := os.Open(e.RawTracePath)
	if err != nil {
		return &pipelineerr.IoError{Op: "open raw trace", Cause: err}
	}
	defer f.Close()

	w := newWalker(p.as, p.prefixDict.clone(), trace.NewAllocationTable(0), p.opts.Logger)

	var entries []trace.Entry

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		lineEntries, err := w.translateLine(line)
		if err != nil {
			return &pipelineerr.TraceFormatError{Cause: err}
		}

		entries = append(entries, lineEntries...)
	}

	if err := scanner.Err(); err != nil {
		return &pipelineerr.IoError{Op: "read raw trace", Cause: err}
	}

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

// Close writes the accumulated MAP files, if a map-output-dir was
// configured. It implements stage.Closer for reverse-topological pipeline
// teardown.
func (p *Preprocessor) Close(_ context.Context) error {
	if p.opts.MapOutputDir == "" || p.as == nil {
		return nil
	}

	return p.as.writeMapFiles(p.opts.MapOutputDir)
}

// ensurePrefix parses the shared prefix exactly once; see the identical
// pattern in the native-tracer preprocessor for the single-winner
// rationale.
func (p *Preprocessor) ensurePrefix() error {
	p.mu.Lock()

	if p.ready {
		err := p.prefixErr
		p.mu.Unlock()

		return err
	}

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

// parsePrefix reads scripts.txt to build the image table and address
// space, then — if a prefix trace is configured — walks it to seed the
// compression dictionary snapshot that every testcase resets to.
func (p *Preprocessor) parsePrefix() error {
	scriptsFile, err := os.Open(p.opts.ScriptsPath)
	if err != nil {
		return &pipelineerr.IoError{Op: "open scripts.txt", Cause: err}
	}
	defer scriptsFile.Close()

	images, scriptToImage, err := loadScripts(scriptsFile)
	if err != nil {
		return err
	}

	externImageID := images[len(images)-1].ID

	as, err := newAddressSpace(images, scriptToImage, externImageID, p.opts.ColumnBits)
	if err != nil {
		return err
	}

	p.as = as
	p.prefixDict = newDict()

	var entries []trace.Entry

	if p.opts.PrefixTracePath != "" {
		f, err := os.Open(p.opts.PrefixTracePath)
		if err != nil {
			return &pipelineerr.IoError{Op: "open prefix trace", Cause: err}
		}
		defer f.Close()

		w := newWalker(as, p.prefixDict, trace.NewAllocationTable(0), p.opts.Logger)

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}

			lineEntries, err := w.translateLine(line)
			if err != nil {
				return &pipelineerr.TraceFormatError{Cause: err}
			}

			entries = append(entries, lineEntries...)
		}

		if err := scanner.Err(); err != nil {
			return &pipelineerr.IoError{Op: "read prefix trace", Cause: err}
		}
	}

	p.prefix = &trace.Prefix{Images: images, Entries: entries, Allocations: trace.NewAllocationTable(0)}

	return nil
}
