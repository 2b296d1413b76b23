package budget

import (
	"errors"
	"runtime"

	"github.com/Sumatoshi-tech/sidetrace/pkg/units"
)

// Allocation proportions for budget distribution.
const (
	// HistogramAllocationPercent is the percentage of available budget spent
	// on the leakage analyzer's resident histogram cache.
	HistogramAllocationPercent = 50

	// WorkerAllocationPercent is the percentage of available budget spent on
	// concurrent preprocessor/analysis workers.
	WorkerAllocationPercent = 35

	// QueueAllocationPercent is the percentage of available budget spent on
	// inter-stage queue buffering.
	QueueAllocationPercent = 15

	// SlackPercent is reserved for runtime overhead and GC headroom.
	SlackPercent = 5

	// percentDivisor is used for percentage calculations.
	percentDivisor = 100
)

// Solver constraints.
const (
	// MinimumBudget is the smallest budget the solver will accept.
	// Must exceed BaseOverhead plus room for at least one worker.
	MinimumBudget = 128 * units.MiB

	// DefaultReadBufferSize is used when the budget leaves no clear signal.
	DefaultReadBufferSize = 256 * units.KiB

	// MinWorkers is the minimum number of workers the solver will emit.
	MinWorkers = 1

	// OptimalWorkerRatio is the percentage of CPU cores to use for workers.
	// Beyond this ratio, channel contention between stages dominates any
	// throughput gained from additional concurrency.
	OptimalWorkerRatio = 75
)

// ErrBudgetTooSmall indicates the budget is below the minimum required.
var ErrBudgetTooSmall = errors.New("memory budget is too small")

// SolveForBudget calculates an optimal PipelineConfig for the given memory
// budget. The solver distributes available memory across workers, the
// leakage analyzer's histogram cache, and inter-stage queues while keeping
// the estimated steady-state usage within budget.
func SolveForBudget(budget int64) (PipelineConfig, error) {
	if budget < MinimumBudget {
		return PipelineConfig{}, ErrBudgetTooSmall
	}

	usableBudget := budget * (percentDivisor - SlackPercent) / percentDivisor

	available := usableBudget - BaseOverhead
	if available <= 0 {
		return PipelineConfig{}, ErrBudgetTooSmall
	}

	histogramAlloc := available * HistogramAllocationPercent / percentDivisor
	workerAlloc := available * WorkerAllocationPercent / percentDivisor
	queueAlloc := available * QueueAllocationPercent / percentDivisor

	return deriveKnobs(histogramAlloc, workerAlloc, queueAlloc), nil
}

// deriveKnobs calculates individual configuration knobs from allocation budgets.
func deriveKnobs(histogramAlloc, workerAlloc, queueAlloc int64) PipelineConfig {
	// Workers: maximize within allocation, minimum 1, capped at a ratio of CPU cores.
	maxWorkers := max(MinWorkers, runtime.NumCPU()*OptimalWorkerRatio/percentDivisor)
	workerCost := int64(WorkerOverhead + DefaultReadBufferSize)
	workers := max(MinWorkers, min(maxWorkers, int(workerAlloc/workerCost)))

	// Histogram cache: bounded by the analyzer's hard ceiling.
	histogramBytes := min(histogramAlloc, int64(MaxHistogramCacheSize))
	histogramEntries := int(histogramBytes / AvgHistogramNodeSize)

	// Queue depth: spread across workers, clamped to [MinQueueDepth, MaxQueueDepth].
	perWorkerQueueBudget := queueAlloc / int64(workers)
	queueDepth := int(perWorkerQueueBudget / AvgTraceEntrySize)
	queueDepth = max(MinQueueDepth, min(MaxQueueDepth, queueDepth))

	readBufferSize := max(MinReadBufferSize, min(MaxReadBufferSize, DefaultReadBufferSize))

	return PipelineConfig{
		Workers:               workers,
		QueueDepth:            queueDepth,
		ReadBufferSize:        readBufferSize,
		HistogramCacheEntries: histogramEntries,
	}
}
