package sweep

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds sweep-related OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal        metric.Int64Counter
	runDuration      metric.Float64Histogram
	filesScanned     metric.Int64Counter
	entriesEvicted   metric.Int64Counter
	bodiesEvicted    metric.Int64Counter
	tempFilesDeleted metric.Int64Counter
	orphansDeleted   metric.Int64Counter
	corruptDeleted   metric.Int64Counter
	dirsRemoved      metric.Int64Counter
	bytesFreed       metric.Int64Counter
	failuresTotal    metric.Int64Counter
	roundsRun        metric.Float64Histogram
	finalUtilisation metric.Float64Gauge
	lastRunTimestamp metric.Float64Gauge
	lastRunInBand    metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"htcache_sweep_runs_total",
		metric.WithDescription("Total number of sweep runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"htcache_sweep_run_duration_seconds",
		metric.WithDescription("Sweep run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, err
	}

	filesScanned, err := meter.Int64Counter(
		"htcache_sweep_files_scanned_total",
		metric.WithDescription("Total number of files inspected by the walker"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	entriesEvicted, err := meter.Int64Counter(
		"htcache_sweep_entries_evicted_total",
		metric.WithDescription("Total number of cache entries evicted during the drain phase"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	bodiesEvicted, err := meter.Int64Counter(
		"htcache_sweep_bodies_evicted_total",
		metric.WithDescription("Total number of body-only deletions under desperate pressure"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	tempFilesDeleted, err := meter.Int64Counter(
		"htcache_sweep_temp_files_deleted_total",
		metric.WithDescription("Total number of stale aptmp files deleted"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	orphansDeleted, err := meter.Int64Counter(
		"htcache_sweep_orphans_deleted_total",
		metric.WithDescription("Total number of orphan body files deleted"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	corruptDeleted, err := meter.Int64Counter(
		"htcache_sweep_corrupt_deleted_total",
		metric.WithDescription("Total number of corrupt entries deleted"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	dirsRemoved, err := meter.Int64Counter(
		"htcache_sweep_dirs_removed_total",
		metric.WithDescription("Total number of empty directories removed"),
		metric.WithUnit("{directory}"),
	)
	if err != nil {
		return nil, err
	}

	bytesFreed, err := meter.Int64Counter(
		"htcache_sweep_bytes_freed_total",
		metric.WithDescription("Total bytes freed"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	failuresTotal, err := meter.Int64Counter(
		"htcache_sweep_failures_total",
		metric.WithDescription("Total number of files that could not be deleted"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	roundsRun, err := meter.Float64Histogram(
		"htcache_sweep_eviction_rounds",
		metric.WithDescription("Eviction rounds executed per run"),
		metric.WithUnit("{round}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 4, 5, 6, 7, 8, 9),
	)
	if err != nil {
		return nil, err
	}

	finalUtilisation, err := meter.Float64Gauge(
		"htcache_sweep_final_utilisation_ratio",
		metric.WithDescription("Utilisation of the tighter limit when the run finished"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"htcache_sweep_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last sweep run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunInBand, err := meter.Float64Gauge(
		"htcache_sweep_last_run_in_band",
		metric.WithDescription("Whether the last run ended inside the target band (1=yes, 0=no)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:        runsTotal,
		runDuration:      runDuration,
		filesScanned:     filesScanned,
		entriesEvicted:   entriesEvicted,
		bodiesEvicted:    bodiesEvicted,
		tempFilesDeleted: tempFilesDeleted,
		orphansDeleted:   orphansDeleted,
		corruptDeleted:   corruptDeleted,
		dirsRemoved:      dirsRemoved,
		bytesFreed:       bytesFreed,
		failuresTotal:    failuresTotal,
		roundsRun:        roundsRun,
		finalUtilisation: finalUtilisation,
		lastRunTimestamp: lastRunTimestamp,
		lastRunInBand:    lastRunInBand,
	}, nil
}

func (p *Planner) recordMetrics(ctx context.Context, result *Result, runErr error) {
	if p.metrics == nil {
		return
	}

	m := p.metrics
	m.runsTotal.Add(ctx, 1)
	m.runDuration.Record(ctx, result.Duration.Seconds())
	m.filesScanned.Add(ctx, int64(result.Scan.Scanned))
	m.entriesEvicted.Add(ctx, int64(result.EntriesEvicted))
	m.bodiesEvicted.Add(ctx, int64(result.BodiesEvicted))
	m.tempFilesDeleted.Add(ctx, int64(result.Scan.TempDeleted))
	m.orphansDeleted.Add(ctx, int64(result.Scan.OrphanDeleted))
	m.corruptDeleted.Add(ctx, int64(result.Scan.CorruptDeleted))
	m.dirsRemoved.Add(ctx, int64(result.Scan.DirsRemoved))
	m.bytesFreed.Add(ctx, int64(result.BytesFreed+result.Scan.BytesFreed))
	m.failuresTotal.Add(ctx, int64(result.Failed+result.Scan.Failed))
	m.roundsRun.Record(ctx, float64(result.Rounds))
	m.finalUtilisation.Record(ctx, result.FinalUtil)
	m.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	inBand := 0.0
	if result.InBand && runErr == nil {
		inBand = 1
	}
	m.lastRunInBand.Record(ctx, inBand)
}
