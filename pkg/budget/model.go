// Package budget provides memory budget calculation and auto-tuning for the
// trace pipeline: given a target memory ceiling, it derives worker counts,
// queue depths, and cache sizes so the pipeline stays within budget without
// requiring the operator to hand-tune every knob.
package budget

import (
	"github.com/Sumatoshi-tech/sidetrace/pkg/units"
)

// Component memory sizes (empirically measured on representative traces).
const (
	// BaseOverhead is the fixed Go runtime, OTel SDK, and slog buffering cost.
	BaseOverhead = 64 * units.MiB

	// WorkerOverhead is the per-worker cost: goroutine stack plus the decode
	// scratch buffers a preprocessor or analysis worker keeps warm.
	WorkerOverhead = 8 * units.MiB

	// AvgTraceEntrySize is the average in-memory size of a decoded TraceEntry
	// once it leaves the trace stage and sits in a stage queue.
	AvgTraceEntrySize = 96

	// AvgHistogramNodeSize is the average size of one call-stack node's access
	// histogram in the leakage analyzer's consolidated tree.
	AvgHistogramNodeSize = 512

	// MaxHistogramCacheSize caps the histogram-cache bytes the solver derives,
	// whatever the size of the budget's histogram share.
	MaxHistogramCacheSize = 512 * units.MiB

	// MaxQueueDepth caps the per-stage channel buffer length.
	MaxQueueDepth = 8192

	// MinQueueDepth is the smallest channel buffer length the solver will emit.
	MinQueueDepth = 16

	// MaxReadBufferSize caps the bufio.Reader size used to stream trace files.
	MaxReadBufferSize = 4 * units.MiB

	// MinReadBufferSize is the smallest trace read buffer the solver will emit.
	MinReadBufferSize = 64 * units.KiB
)

// PipelineConfig holds the runtime knobs derived from a memory budget:
// how many workers run each concurrent stage, how deep the inter-stage
// queues are, how large the trace file read buffer is, and how many
// call-stack histogram nodes the leakage analyzer keeps resident.
type PipelineConfig struct {
	// Workers is the number of concurrent preprocessor/analysis workers.
	Workers int
	// QueueDepth is the channel buffer length between pipeline stages.
	QueueDepth int
	// ReadBufferSize is the bufio.Reader size used when streaming trace files.
	ReadBufferSize int
	// HistogramCacheEntries is the derived number of call-stack histogram
	// nodes for the leakage analyzer; the analyzer itself does not read it.
	HistogramCacheEntries int
}

// EstimateMemoryUsage estimates the steady-state memory footprint of a
// pipeline running with the given configuration.
// The formula is: BaseOverhead + WorkerMemory + QueueMemory + HistogramMemory + ReadBufferMemory.
func EstimateMemoryUsage(cfg PipelineConfig) int64 {
	workerMemory := int64(cfg.Workers) * WorkerOverhead
	queueMemory := int64(cfg.Workers) * int64(cfg.QueueDepth) * AvgTraceEntrySize
	histogramMemory := int64(cfg.HistogramCacheEntries) * AvgHistogramNodeSize
	readBufferMemory := int64(cfg.Workers) * int64(cfg.ReadBufferSize)

	return BaseOverhead + workerMemory + queueMemory + histogramMemory + readBufferMemory
}
