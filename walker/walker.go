// Package walker implements the parallel directory traversal that feeds
// the eviction queue. A fixed pool of workers shares a directory work
// queue; garbage (stale temp files, orphan bodies, corrupt entries) is
// unlinked on sight while valid entries are scored and enqueued.
package walker

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	htcachesweep "github.com/wolfeidau/htcache-sweep"
	"github.com/wolfeidau/htcache-sweep/pqueue"
)

// Config configures a walk.
type Config struct {
	// Workers is the pool size. Defaults to max(1, NumCPU/2); syscalls
	// block the calling worker by design, so more workers means more
	// in-flight directory I/O.
	Workers int

	// TempTTL is the minimum age before an aptmp file is deleted.
	TempTTL time.Duration

	// DirGrace is the minimum age before an empty directory is removed.
	DirGrace time.Duration

	// Desperate disables the vary-directory protection so every header
	// becomes a candidate. Set when usage is critically over the limit.
	Desperate bool

	// DryRun suppresses all unlinks; deletions are counted and logged only.
	DryRun bool

	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultConfig returns the default walk configuration.
func DefaultConfig() Config {
	return Config{
		Workers:  max(1, runtime.NumCPU()/2),
		TempTTL:  15 * time.Minute,
		DirGrace: 5 * time.Minute,
	}
}

// Walker traverses a cache tree once.
type Walker struct {
	root   string
	queue  *pqueue.Queue
	config Config
	dirs   *dirQueue
	logger *slog.Logger
	now    func() time.Time
}

// New creates a walker rooted at root, emitting candidates to queue.
func New(root string, queue *pqueue.Queue, config Config) *Walker {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.TempTTL <= 0 {
		config.TempTTL = def.TempTTL
	}
	if config.DirGrace <= 0 {
		config.DirGrace = def.DirGrace
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if queue == nil {
		queue = pqueue.New(0)
	}
	return &Walker{
		root:   filepath.Clean(root),
		queue:  queue,
		config: config,
		dirs:   newDirQueue(),
		logger: config.Logger,
		now:    config.Now,
	}
}

// Run performs the walk and returns the merged per-worker statistics.
// It returns once the work queue is empty and every worker is idle, or
// once ctx is cancelled.
func (w *Walker) Run(ctx context.Context) (htcachesweep.Stats, error) {
	w.dirs.push(dirItem{path: w.root})

	stop := context.AfterFunc(ctx, w.dirs.close)
	defer stop()

	perWorker := make([]htcachesweep.Stats, w.config.Workers)
	g := new(errgroup.Group)
	for i := range perWorker {
		st := &perWorker[i]
		g.Go(func() error {
			for {
				it, ok := w.dirs.pop()
				if !ok {
					return nil
				}
				w.processDir(it, st)
				w.dirs.release()
			}
		})
	}
	_ = g.Wait()

	var total htcachesweep.Stats
	for _, st := range perWorker {
		total.Merge(st)
	}
	return total, ctx.Err()
}

// SweepTempFiles deletes stale aptmp files directly inside root without
// descending. Used by the planner's pre-scan phase; temp files live at
// the top level by convention.
func SweepTempFiles(root string, config Config) htcachesweep.Stats {
	w := New(root, nil, config)
	var st htcachesweep.Stats

	entries, err := w.readDir(w.root)
	if err != nil {
		st.Failed++
		w.logger.Warn("skipped", "path", w.root, "error", err)
		return st
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasPrefix(entry.Name(), htcachesweep.TempPrefix) {
			continue
		}
		st.Scanned++
		w.removeTempIfStale(filepath.Join(w.root, entry.Name()), &st)
	}
	return st
}

func (w *Walker) processDir(it dirItem, st *htcachesweep.Stats) {
	// Stat before listing: reading the directory refreshes its access time.
	before, beforeErr := os.Lstat(it.path)
	entries, err := w.readDir(it.path)
	if err != nil {
		st.Failed++
		w.logger.Warn("skipped", "path", it.path, "error", err)
		return
	}

	known := make(map[string]struct{})
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			w.dirs.push(dirItem{
				path:   filepath.Join(it.path, name),
				inVary: it.inVary || strings.HasSuffix(name, htcachesweep.VaryDirSuffix),
			})
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}
		st.Scanned++

		switch {
		case strings.HasPrefix(name, htcachesweep.TempPrefix):
			w.removeTempIfStale(filepath.Join(it.path, name), st)

		case strings.HasSuffix(name, htcachesweep.HeaderSuffix):
			known[strings.TrimSuffix(name, htcachesweep.HeaderSuffix)] = struct{}{}
			w.processHeader(filepath.Join(it.path, name), it.inVary, st)

		case strings.HasSuffix(name, htcachesweep.DataSuffix):
			stem := strings.TrimSuffix(name, htcachesweep.DataSuffix)
			if _, seen := known[stem]; seen {
				continue
			}
			headerPath := filepath.Join(it.path, stem+htcachesweep.HeaderSuffix)
			if _, err := os.Lstat(headerPath); errors.Is(err, fs.ErrNotExist) {
				if w.removeFile(filepath.Join(it.path, name), st) {
					st.OrphanDeleted++
				}
			}
		}
	}

	if it.path != w.root && beforeErr == nil {
		w.removeDirIfStale(it.path, before, st)
	}
}

func (w *Walker) processHeader(headerPath string, inVary bool, st *htcachesweep.Stats) {
	f, err := htcachesweep.OpenHeaderFile(headerPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Unlinked by another process between readdir and open.
			return
		}
		st.Failed++
		w.logger.Warn("skipped", "path", headerPath, "error", err)
		return
	}
	fi, statErr := f.Stat()
	hdr, parseErr := htcachesweep.ParseHeader(f)
	_ = f.Close()

	dataPath := strings.TrimSuffix(headerPath, htcachesweep.HeaderSuffix) + htcachesweep.DataSuffix

	if errors.Is(parseErr, htcachesweep.ErrCorruptHeader) {
		deleted := w.removeFile(headerPath, st)
		w.removeFile(dataPath, st)
		if deleted {
			st.CorruptDeleted++
		}
		return
	}
	if parseErr != nil {
		st.Failed++
		w.logger.Warn("skipped", "path", headerPath, "error", parseErr)
		return
	}
	if statErr != nil {
		st.Failed++
		w.logger.Warn("skipped", "path", headerPath, "error", statErr)
		return
	}

	if hdr.Vary() && !inVary {
		// A data file next to a vary header is never valid; variants live
		// under the vary directory.
		if w.removeFile(dataPath, st) {
			st.OrphanDeleted++
		}
		if !w.config.Desperate && w.varyDirPopulated(headerPath+htcachesweep.VaryDirSuffix) {
			return
		}
	}

	var bodySize int64
	bodyMissing := false
	if dfi, err := os.Lstat(dataPath); err == nil {
		bodySize = dfi.Size()
	} else {
		bodyMissing = true
	}

	atime, mtime := htcachesweep.FileTimes(fi)
	w.queue.Push(htcachesweep.Candidate{
		HeaderPath:  headerPath,
		Score:       htcachesweep.NewScore(hdr.Expiry, atime, hdr.ResponseTime, mtime),
		HeaderSize:  fi.Size(),
		BodySize:    bodySize,
		BodyMissing: bodyMissing,
		Vary:        hdr.Vary(),
	})
	st.Enqueued++
}

// readDir lists a directory, retrying transient failures up to three
// times with exponential backoff. A directory that vanished mid-walk is
// treated as empty.
func (w *Walker) readDir(dir string) ([]os.DirEntry, error) {
	var entries []os.DirEntry
	op := func() error {
		var err error
		entries, err = os.ReadDir(dir)
		if err == nil {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, unix.ENOTDIR) {
			entries = nil
			return nil
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, 3)); err != nil {
		return nil, err
	}
	return entries, nil
}

// removeTempIfStale deletes a temp file once both its modification and
// access times are older than the TTL. Recent temp files belong to
// in-flight writes and are left alone.
func (w *Walker) removeTempIfStale(path string, st *htcachesweep.Stats) {
	fi, err := os.Lstat(path)
	if err != nil {
		return
	}
	atime, mtime := htcachesweep.FileTimes(fi)
	now := w.now()
	if now.Sub(mtime) < w.config.TempTTL || now.Sub(atime) < w.config.TempTTL {
		return
	}
	if w.removeFile(path, st) {
		st.TempDeleted++
	}
}

// removeDirIfStale removes a directory once it is empty and old enough.
// The access time is taken from before, the stat made ahead of the
// directory listing. ENOTEMPTY is the normal case, not an error.
func (w *Walker) removeDirIfStale(dir string, before os.FileInfo, st *htcachesweep.Stats) {
	fi, err := os.Lstat(dir)
	if err != nil || !fi.IsDir() {
		return
	}
	if lc := htcachesweep.LinkCount(fi); lc > 2 {
		return
	}
	atime, _ := htcachesweep.FileTimes(before)
	_, mtime := htcachesweep.FileTimes(fi)
	now := w.now()
	if now.Sub(mtime) < w.config.DirGrace || now.Sub(atime) < w.config.DirGrace {
		return
	}
	if w.config.DryRun {
		return
	}
	switch err := os.Remove(dir); {
	case err == nil:
		st.DirsRemoved++
		w.logger.Debug("removed empty directory", "path", dir)
	case errors.Is(err, unix.ENOTEMPTY), errors.Is(err, fs.ErrNotExist):
	default:
		st.Failed++
		w.logger.Warn("skipped", "path", dir, "error", err)
	}
}

// removeFile unlinks path, honouring dry-run mode and treating a file
// that already disappeared as not deleted but not failed either.
func (w *Walker) removeFile(path string, st *htcachesweep.Stats) bool {
	var size int64
	if fi, err := os.Lstat(path); err == nil {
		size = fi.Size()
	} else {
		return false
	}

	if w.config.DryRun {
		st.BytesFreed += uint64(size)
		w.logger.Info("evicted", "path", path, "bytes", size, "dry_run", true)
		return true
	}

	switch err := os.Remove(path); {
	case err == nil:
		st.BytesFreed += uint64(size)
		w.logger.Debug("evicted", "path", path, "bytes", size)
		return true
	case errors.Is(err, fs.ErrNotExist):
		return false
	default:
		st.Failed++
		w.logger.Warn("skipped", "path", path, "error", err)
		return false
	}
}

// varyDirPopulated reports whether the vary directory exists and still
// has subdirectories; such a header must not be evicted on its own.
func (w *Walker) varyDirPopulated(varyPath string) bool {
	fi, err := os.Lstat(varyPath)
	if err != nil || !fi.IsDir() {
		return false
	}
	return htcachesweep.LinkCount(fi) > 2
}
