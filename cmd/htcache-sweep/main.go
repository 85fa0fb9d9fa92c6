// Command htcache-sweep bounds the disk and inode footprint of an
// Apache-style on-disk HTTP cache. It is a periodic batch, typically run
// from a systemd timer, not a daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	htcachesweep "github.com/wolfeidau/htcache-sweep"
	"github.com/wolfeidau/htcache-sweep/fsprobe"
	"github.com/wolfeidau/htcache-sweep/sweep"
	"github.com/wolfeidau/htcache-sweep/telemetry"
)

var version = "dev"

// Exit codes: 0 usage in band, 1 work incomplete, 2 usage error, >=3 fatal I/O.
const (
	exitOK         = 0
	exitIncomplete = 1
	exitUsage      = 2
	exitFatal      = 3
)

var cli struct {
	Limit        *htcachesweep.SizeSpec `short:"l" placeholder:"SIZE" help:"Byte limit for cache usage. Accepts K/M/G/T and Ki/Mi/Gi/Ti suffixes, or a percentage of the partition size."`
	InodeLimit   *htcachesweep.SizeSpec `short:"L" placeholder:"N" help:"Inode limit for cache usage. Accepts the same suffixes, or a percentage of the partition inodes."`
	Threads      int                    `short:"t" default:"0" help:"Worker threads for the scan (0 = CPU count / 2)."`
	DryRun       bool                   `short:"n" help:"Delete nothing; log would-be deletions instead."`
	Verbose      int                    `short:"v" type:"counter" help:"Increase log verbosity."`
	Quiet        bool                   `short:"q" help:"Suppress non-error output."`
	TempTTL      time.Duration          `default:"15m" help:"Age before partial-write aptmp files are deleted."`
	QueueCap     int                    `default:"1000000" help:"Maximum eviction candidates held in memory."`
	MetricsFile  string                 `placeholder:"PATH" help:"Write run metrics to PATH in Prometheus textfile format."`
	OtlpEndpoint string                 `name:"otlp-endpoint" placeholder:"HOST:PORT" help:"Push run metrics to an OTLP gRPC collector."`
	LogFormat    string                 `default:"text" enum:"text,json" help:"Log format (text, json)."`
	Version      kong.VersionFlag       `help:"Print version and exit."`

	CacheRoot string `arg:"" type:"existingdir" help:"Root directory of the disk cache."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("htcache-sweep"),
		kong.Description("Clean an Apache-style disk cache until usage falls under its limits."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		kong.Exit(func(code int) {
			if code != 0 {
				os.Exit(exitUsage)
			}
			os.Exit(exitOK)
		}),
	)
	os.Exit(run())
}

func run() int {
	logger := newLogger()

	if cli.Limit == nil && cli.InodeLimit == nil {
		fmt.Fprintln(os.Stderr, "htcache-sweep: at least one of --limit and --inode-limit is required")
		return exitUsage
	}

	// SIGTERM lets the current eviction round finish; the absolute
	// deadline belongs to the outer timer unit.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meter, shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.Config{
		ServiceName:    "htcache-sweep",
		ServiceVersion: version,
		OTLPEndpoint:   cli.OtlpEndpoint,
		TextfilePath:   cli.MetricsFile,
	})
	if err != nil {
		logger.Error("failed to initialise metrics", "error", err)
		return exitFatal
	}

	probe := fsprobe.New(cli.CacheRoot)
	snap, err := probe.Snapshot()
	if err != nil {
		logger.Error("failed to probe cache partition", "error", err)
		return exitFatal
	}

	config := sweep.DefaultConfig()
	config.Workers = cli.Threads
	config.QueueCap = cli.QueueCap
	if cli.QueueCap <= 0 {
		// An explicit zero disables candidate retention entirely.
		config.QueueCap = -1
	}
	config.TempTTL = cli.TempTTL
	config.DryRun = cli.DryRun
	if cli.Limit != nil {
		config.BytesLimit = cli.Limit.Value(snap.BytesTotal)
		if config.BytesLimit == 0 {
			fmt.Fprintf(os.Stderr, "htcache-sweep: --limit %s resolves to zero bytes\n", cli.Limit)
			return exitUsage
		}
	}
	if cli.InodeLimit != nil {
		config.InodesLimit = cli.InodeLimit.Value(snap.InodesTotal)
		if config.InodesLimit == 0 {
			fmt.Fprintf(os.Stderr, "htcache-sweep: --inode-limit %s resolves to zero inodes\n", cli.InodeLimit)
			return exitUsage
		}
	}

	planner, err := sweep.New(cli.CacheRoot, probe, config,
		sweep.WithLogger(logger),
		sweep.WithMetrics(meter),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "htcache-sweep: %v\n", err)
		return exitUsage
	}

	_, runErr := planner.Run(ctx)

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdownMetrics(flushCtx); err != nil {
		logger.Warn("failed to flush metrics", "error", err)
	}

	switch {
	case runErr == nil:
		return exitOK
	case errors.Is(runErr, sweep.ErrOutOfBudget):
		logger.Warn("cache usage still above target; remaining entries are fresh", "error", runErr)
		return exitIncomplete
	case errors.Is(runErr, context.Canceled):
		logger.Warn("interrupted before usage reached target")
		return exitIncomplete
	case errors.Is(runErr, sweep.ErrProbe):
		logger.Error("cannot inspect cache partition", "error", runErr)
		return exitFatal
	default:
		logger.Error("sweep failed", "error", runErr)
		return exitFatal
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch {
	case cli.Quiet:
		level = slog.LevelError
	case cli.Verbose > 0:
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cli.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	}

	logger := slog.New(handler).With("run_id", uuid.NewString())
	slog.SetDefault(logger)
	return logger
}
