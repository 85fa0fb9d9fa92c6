// Package sweep implements the eviction planner: the control loop that
// sequences pre-scan cleanup, the parallel walk, and the multi-round
// deletion passes that drive cache usage back under its limits.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	htcachesweep "github.com/wolfeidau/htcache-sweep"
	"github.com/wolfeidau/htcache-sweep/fsprobe"
	"github.com/wolfeidau/htcache-sweep/pqueue"
	"github.com/wolfeidau/htcache-sweep/walker"
)

// Sentinel errors mapped to process exit codes by the CLI.
var (
	// ErrNoLimits means neither a byte nor an inode limit was configured.
	ErrNoLimits = errors.New("no byte or inode limit configured")

	// ErrProbe wraps a failed filesystem usage probe.
	ErrProbe = errors.New("filesystem probe failed")

	// ErrOutOfBudget means every eviction round ran without bringing usage
	// back into the target band. Fresh entries are never deleted to force
	// the issue.
	ErrOutOfBudget = errors.New("usage still above target after all eviction rounds")
)

// Config configures the planner.
type Config struct {
	// BytesLimit and InodesLimit bound partition usage. Zero disables the
	// corresponding signal; at least one must be set.
	BytesLimit  uint64
	InodesLimit uint64

	Workers int

	// QueueCap is the maximum number of candidates held in memory.
	// Zero means the default of 1,000,000; negative retains no candidates,
	// leaving only the direct-delete path active.
	QueueCap int

	TempTTL  time.Duration
	DirGrace time.Duration

	// ReprobeEvery is how many deletions happen between usage re-probes.
	ReprobeEvery int

	// ScanThreshold is the utilisation below which no scan runs.
	ScanThreshold float64

	// BandHigh is the drain target; BandLow is the stricter target used
	// when a run started desperate, buying extra headroom.
	BandHigh float64
	BandLow  float64

	// DesperateThreshold switches on body-only deletion and disables the
	// vary-directory protection.
	DesperateThreshold float64

	DryRun bool
}

// DefaultConfig returns the default planner configuration.
func DefaultConfig() Config {
	wd := walker.DefaultConfig()
	return Config{
		Workers:            wd.Workers,
		QueueCap:           pqueue.DefaultCapacity,
		TempTTL:            wd.TempTTL,
		DirGrace:           wd.DirGrace,
		ReprobeEvery:       256,
		ScanThreshold:      0.90,
		BandHigh:           0.995,
		BandLow:            0.990,
		DesperateThreshold: 1.05,
	}
}

// Result contains the results of a sweep run.
type Result struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	StartUtil float64 `json:"start_util"`
	FinalUtil float64 `json:"final_util"`
	InBand    bool    `json:"in_band"`

	Scan htcachesweep.Stats `json:"scan"`

	EntriesEvicted uint64 `json:"entries_evicted"`
	BodiesEvicted  uint64 `json:"bodies_evicted"` // body-only deletions under desperate pressure
	BytesFreed     uint64 `json:"bytes_freed"`
	Failed         uint64 `json:"failed"`
	Rounds         int    `json:"rounds"`
}

// Planner orchestrates a single cleaning batch.
type Planner struct {
	root    string
	probe   fsprobe.Probe
	config  Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a planner for the cache rooted at root. The probe must
// report usage for the partition containing root.
func New(root string, probe fsprobe.Probe, config Config, opts ...Option) (*Planner, error) {
	if config.BytesLimit == 0 && config.InodesLimit == 0 {
		return nil, ErrNoLimits
	}
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueCap == 0 {
		config.QueueCap = def.QueueCap
	}
	if config.TempTTL <= 0 {
		config.TempTTL = def.TempTTL
	}
	if config.DirGrace <= 0 {
		config.DirGrace = def.DirGrace
	}
	if config.ReprobeEvery <= 0 {
		config.ReprobeEvery = def.ReprobeEvery
	}
	if config.ScanThreshold == 0 {
		config.ScanThreshold = def.ScanThreshold
	}
	if config.BandHigh == 0 {
		config.BandHigh = def.BandHigh
	}
	if config.BandLow == 0 {
		config.BandLow = def.BandLow
	}
	if config.DesperateThreshold == 0 {
		config.DesperateThreshold = def.DesperateThreshold
	}

	p := &Planner{
		root:   root,
		probe:  probe,
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run performs one cleaning batch. It returns ErrOutOfBudget when usage
// stayed above the target band, ErrProbe when the partition cannot be
// inspected, the context's error when ctx is cancelled, and any other
// error only for unexpected I/O failures.
func (p *Planner) Run(ctx context.Context) (*Result, error) {
	result := &Result{StartedAt: p.now()}
	err := p.run(ctx, result)
	result.Duration = p.now().Sub(result.StartedAt)
	p.recordMetrics(ctx, result, err)

	p.logger.Info("sweep finished",
		"duration", result.Duration,
		"start_util", result.StartUtil,
		"final_util", result.FinalUtil,
		"in_band", result.InBand,
		"entries_evicted", result.EntriesEvicted,
		"bodies_evicted", result.BodiesEvicted,
		"bytes_freed", result.BytesFreed,
		"scan_deleted", result.Scan.Deleted(),
		"dirs_removed", result.Scan.DirsRemoved,
		"failed", result.Failed+result.Scan.Failed,
		"rounds", result.Rounds,
	)
	return result, err
}

func (p *Planner) run(ctx context.Context, result *Result) error {
	snap, util, err := p.usage()
	if err != nil {
		return err
	}
	result.StartUtil = util
	result.FinalUtil = util

	// Phase 0: temp files in the cache root, even when no scan follows.
	result.Scan.Merge(walker.SweepTempFiles(p.root, p.walkConfig(false)))

	if util < p.config.ScanThreshold {
		p.logger.Debug("usage below scan threshold, nothing to do",
			"util", util,
			"threshold", p.config.ScanThreshold,
		)
		result.InBand = true
		return nil
	}

	desperate := util >= p.config.DesperateThreshold

	p.logger.Info("scan_started",
		"root", p.root,
		"util", util,
		"bytes_used", snap.BytesUsed,
		"inodes_used", snap.InodesUsed,
		"workers", p.config.Workers,
		"desperate", desperate,
	)

	queue := pqueue.New(p.config.QueueCap)
	scanStart := p.now()
	scanStats, err := walker.New(p.root, queue, p.walkConfig(desperate)).Run(ctx)
	if p.config.DryRun {
		// A dry pre-scan leaves the root temp files in place and the walk
		// reports them again, so only the walk's counts are kept.
		result.Scan = htcachesweep.Stats{}
	}
	result.Scan.Merge(scanStats)

	p.logger.Info("scan_finished",
		"files", scanStats.Scanned,
		"bytes", scanStats.BytesFreed,
		"ms", p.now().Sub(scanStart).Milliseconds(),
		"candidates", queue.Len(),
	)
	if err != nil {
		return err
	}

	if err := p.drain(ctx, result, queue.Drain(), util, desperate); err != nil {
		return err
	}

	_, util, err = p.usage()
	if err != nil {
		return err
	}
	result.FinalUtil = util
	result.InBand = util < p.target(desperate)
	if !result.InBand {
		return fmt.Errorf("%w: utilisation %.3f", ErrOutOfBudget, util)
	}
	return nil
}

// usage takes a probe snapshot and derives the combined utilisation, the
// more aggressive of the byte and inode signals.
func (p *Planner) usage() (fsprobe.Snapshot, float64, error) {
	snap, err := p.probe.Snapshot()
	if err != nil {
		return snap, 0, fmt.Errorf("%w: %w", ErrProbe, err)
	}
	return snap, snap.Util(p.config.BytesLimit, p.config.InodesLimit), nil
}

func (p *Planner) target(desperate bool) float64 {
	if desperate {
		return p.config.BandLow
	}
	return p.config.BandHigh
}

func (p *Planner) walkConfig(desperate bool) walker.Config {
	return walker.Config{
		Workers:   p.config.Workers,
		TempTTL:   p.config.TempTTL,
		DirGrace:  p.config.DirGrace,
		Desperate: desperate,
		DryRun:    p.config.DryRun,
		Logger:    p.logger,
		Now:       p.now,
	}
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the logger for the planner and its walkers.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Planner) {
		p.logger = logger
	}
}

// WithMetrics registers otel instruments on the given meter.
func WithMetrics(meter metric.Meter) Option {
	return func(p *Planner) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			p.logger.Error("failed to create sweep metrics", "error", err)
			return
		}
		p.metrics = metrics
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(p *Planner) {
		p.now = now
	}
}
