// Package stage implements the four-stage buffered pipeline runtime:
// capability interfaces for the pluggable modules, a registry per stage
// category, and the Pipeline type that wires queues, worker pools, and a
// single shared cancellation token between them.
package stage

import (
	"context"

	"github.com/Sumatoshi-tech/sidetrace/internal/trace"
)

// Entity is the mutable handshake record passed between stages. Its id is
// assigned once, by the test-case stage, and never changes afterward.
type Entity struct {
	ID                    int64
	TestcasePath          string
	RawTracePath          string
	PreprocessedTracePath string
	PreprocessedTrace     *trace.File
}

// Capability reports whether a module may be invoked concurrently by more
// than one worker. Modules that return false are run behind a mutex (for
// analyzers) or limited to a single worker (for every other stage).
type Capability interface {
	SupportsParallelism() bool
}

// TestcaseProducer drives the test-case stage. It is always invoked by a
// single worker, since it alone assigns entity ids.
type TestcaseProducer interface {
	Capability
	// IsDone reports whether the producer has no more test cases.
	IsDone(ctx context.Context) (bool, error)
	// Next returns the path to the next test-case file on disk.
	Next(ctx context.Context) (path string, err error)
}

// TraceProducer drives the trace stage: it runs the instrumented target
// against one test case and returns the path to the raw trace it wrote.
type TraceProducer interface {
	Capability
	Trace(ctx context.Context, testcasePath string) (rawTracePath string, err error)
}

// Preprocessor drives the preprocessor stage: it converts a raw,
// backend-specific trace into the canonical binary format, either writing
// it to disk or returning it as an in-memory *trace.File.
type Preprocessor interface {
	Capability
	Preprocess(ctx context.Context, e *Entity) error
}

// Analyzer drives the analysis stage. AddTrace is invoked once per
// preprocessed entity; Finish is invoked exactly once after every upstream
// stage has drained, in no particular order relative to other analyzers.
type Analyzer interface {
	Capability
	AddTrace(ctx context.Context, e *Entity) error
	Finish(ctx context.Context) error
}
