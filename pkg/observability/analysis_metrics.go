package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricTestcasesTotal    = "sidetrace.pipeline.testcases.total"
	metricTraceEntriesTotal = "sidetrace.pipeline.trace_entries.total"
	metricStageDuration     = "sidetrace.pipeline.stage.duration.seconds"
	metricCacheHitsTotal    = "sidetrace.analysis.cache.hits.total"
	metricCacheMissesTotal  = "sidetrace.analysis.cache.misses.total"

	attrCache = "cache"
	attrStage = "stage"
)

// AnalysisMetrics holds OTel instruments for pipeline-run metrics.
type AnalysisMetrics struct {
	testcasesTotal    metric.Int64Counter
	traceEntriesTotal metric.Int64Counter
	stageDuration     metric.Float64Histogram
	cacheHits         metric.Int64Counter
	cacheMisses       metric.Int64Counter
}

// StageDuration pairs a pipeline stage name with its elapsed processing time
// for a single testcase, used to populate the stage duration histogram.
type StageDuration struct {
	Stage    string
	Duration time.Duration
}

// RunStats holds the statistics for a single pipeline run, decoupled from
// the pipeline package's own types so observability stays a leaf dependency.
type RunStats struct {
	Testcases          int64
	TraceEntries       int64
	StageDurations     []StageDuration
	HistogramCacheHits int64
	HistogramCacheMiss int64
	AllocationLookupOK int64
	AllocationLookupKO int64
}

// NewAnalysisMetrics creates pipeline-run metric instruments from the given meter.
func NewAnalysisMetrics(mt metric.Meter) (*AnalysisMetrics, error) {
	testcases, err := mt.Int64Counter(metricTestcasesTotal,
		metric.WithDescription("Total testcases run through the pipeline"),
		metric.WithUnit("{testcase}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricTestcasesTotal, err)
	}

	entries, err := mt.Int64Counter(metricTraceEntriesTotal,
		metric.WithDescription("Total trace entries decoded"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricTraceEntriesTotal, err)
	}

	stageDur, err := mt.Float64Histogram(metricStageDuration,
		metric.WithDescription("Per-stage processing duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricStageDuration, err)
	}

	hits, err := mt.Int64Counter(metricCacheHitsTotal,
		metric.WithDescription("Cache hits by type"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricCacheHitsTotal, err)
	}

	misses, err := mt.Int64Counter(metricCacheMissesTotal,
		metric.WithDescription("Cache misses by type"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricCacheMissesTotal, err)
	}

	return &AnalysisMetrics{
		testcasesTotal:    testcases,
		traceEntriesTotal: entries,
		stageDuration:     stageDur,
		cacheHits:         hits,
		cacheMisses:       misses,
	}, nil
}

// RecordRun records pipeline statistics for a completed run.
// Safe to call on a nil receiver (no-op).
func (am *AnalysisMetrics) RecordRun(ctx context.Context, stats RunStats) {
	if am == nil {
		return
	}

	am.testcasesTotal.Add(ctx, stats.Testcases)
	am.traceEntriesTotal.Add(ctx, stats.TraceEntries)

	for _, sd := range stats.StageDurations {
		am.stageDuration.Record(ctx, sd.Duration.Seconds(),
			metric.WithAttributes(attribute.String(attrStage, sd.Stage)))
	}

	histogramAttrs := metric.WithAttributes(attribute.String(attrCache, "histogram"))
	am.cacheHits.Add(ctx, stats.HistogramCacheHits, histogramAttrs)
	am.cacheMisses.Add(ctx, stats.HistogramCacheMiss, histogramAttrs)

	allocAttrs := metric.WithAttributes(attribute.String(attrCache, "allocation"))
	am.cacheHits.Add(ctx, stats.AllocationLookupOK, allocAttrs)
	am.cacheMisses.Add(ctx, stats.AllocationLookupKO, allocAttrs)
}
