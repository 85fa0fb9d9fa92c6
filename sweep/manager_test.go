package sweep

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	htcachesweep "github.com/wolfeidau/htcache-sweep"
	"github.com/wolfeidau/htcache-sweep/fsprobe"
)

// treeProbe derives usage by walking the cache tree, so deletions made by
// the planner show up in the next snapshot just like on a real partition.
type treeProbe struct {
	root string
}

func (p *treeProbe) Snapshot() (fsprobe.Snapshot, error) {
	var bytes, inodes uint64
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			bytes += uint64(fi.Size())
			inodes++
		}
		return nil
	})
	if err != nil {
		return fsprobe.Snapshot{}, err
	}
	return fsprobe.Snapshot{
		BytesUsed:   bytes,
		BytesTotal:  1 << 40,
		InodesUsed:  inodes,
		InodesTotal: 1 << 20,
	}, nil
}

// staticProbe reports the same snapshot forever.
type staticProbe struct {
	snap fsprobe.Snapshot
}

func (p staticProbe) Snapshot() (fsprobe.Snapshot, error) { return p.snap, nil }

type errProbe struct{}

func (errProbe) Snapshot() (fsprobe.Snapshot, error) {
	return fsprobe.Snapshot{}, errors.New("statfs: no such device")
}

func headerBytes(flags uint32, expiry time.Time) []byte {
	buf := make([]byte, 40)
	binary.LittleEndian.PutUint32(buf[0:4], htcachesweep.HeaderMagic)
	binary.LittleEndian.PutUint32(buf[4:8], flags)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(expiry.UnixMicro()))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(expiry.Add(-time.Hour).UnixMicro()))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(expiry.Add(-time.Hour).UnixMicro()))
	binary.LittleEndian.PutUint64(buf[32:40], 1000)
	return buf
}

// writeEntry creates a header/data pair with a 1000 byte body.
func writeEntry(t *testing.T, dir, stem string, expiry time.Time) (headerPath, dataPath string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	headerPath = filepath.Join(dir, stem+htcachesweep.HeaderSuffix)
	dataPath = filepath.Join(dir, stem+htcachesweep.DataSuffix)
	require.NoError(t, os.WriteFile(headerPath, headerBytes(0, expiry), 0644))
	require.NoError(t, os.WriteFile(dataPath, make([]byte, 1000), 0644))
	return headerPath, dataPath
}

// usedBytes measures the tree the way treeProbe does.
func usedBytes(t *testing.T, root string) uint64 {
	t.Helper()
	snap, err := (&treeProbe{root: root}).Snapshot()
	require.NoError(t, err)
	return snap.BytesUsed
}

func listTree(t *testing.T, root string) []string {
	t.Helper()
	var paths []string
	require.NoError(t, filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		paths = append(paths, path)
		return nil
	}))
	sort.Strings(paths)
	return paths
}

func newPlanner(t *testing.T, root string, probe fsprobe.Probe, config Config) *Planner {
	t.Helper()
	config.Workers = 2
	p, err := New(root, probe, config,
		WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))),
	)
	require.NoError(t, err)
	return p
}

func TestNewRequiresALimit(t *testing.T) {
	_, err := New(t.TempDir(), staticProbe{}, Config{})
	require.ErrorIs(t, err, ErrNoLimits)
}

func TestRunProbeFailure(t *testing.T) {
	p := newPlanner(t, t.TempDir(), errProbe{}, Config{BytesLimit: 1000})
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrProbe)
}

func TestRunNoopUnderThreshold(t *testing.T) {
	root := t.TempDir()
	fresh := time.Now().Add(time.Hour)
	for i := range 10 {
		writeEntry(t, root, fmt.Sprintf("fresh%02d", i), fresh)
	}

	before := listTree(t, root)
	p := newPlanner(t, root, &treeProbe{root: root}, Config{
		BytesLimit: usedBytes(t, root) * 10,
	})

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.InBand)
	assert.Zero(t, result.EntriesEvicted)
	assert.Zero(t, result.Scan.Scanned, "no scan below the threshold")
	assert.Equal(t, before, listTree(t, root))
}

func TestRunEmptyCache(t *testing.T) {
	root := t.TempDir()
	p := newPlanner(t, root, &treeProbe{root: root}, Config{BytesLimit: 1000})

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.InBand)
	assert.Zero(t, result.EntriesEvicted)
}

// Scan thresholds are inclusive at exactly 90% and exclusive just below.
func TestRunScanThresholdBoundary(t *testing.T) {
	expired := time.Now().Add(-7 * time.Hour)

	t.Run("just under", func(t *testing.T) {
		root := t.TempDir()
		writeEntry(t, root, "stale", expired)
		p := newPlanner(t, root, staticProbe{fsprobe.Snapshot{BytesUsed: 8999}}, Config{
			BytesLimit: 10000,
		})
		result, err := p.Run(context.Background())
		require.NoError(t, err)
		assert.Zero(t, result.Scan.Scanned)
		assert.FileExists(t, filepath.Join(root, "stale.header"))
	})

	t.Run("exactly at", func(t *testing.T) {
		root := t.TempDir()
		writeEntry(t, root, "stale", expired)
		p := newPlanner(t, root, staticProbe{fsprobe.Snapshot{BytesUsed: 9000}}, Config{
			BytesLimit: 10000,
		})
		result, err := p.Run(context.Background())
		require.NoError(t, err)
		assert.NotZero(t, result.Scan.Scanned)
		assert.Equal(t, uint64(1), result.EntriesEvicted)
		assert.NoFileExists(t, filepath.Join(root, "stale.header"))
	})
}

func TestRunTidiesGarbageUnderGentlePressure(t *testing.T) {
	root := t.TempDir()
	fresh := time.Now().Add(time.Hour)

	var keep []string
	for i := range 5 {
		h, d := writeEntry(t, root, fmt.Sprintf("fresh%02d", i), fresh)
		keep = append(keep, h, d)
	}
	for i := range 3 {
		tmp := filepath.Join(root, fmt.Sprintf("aptmp%06d", i))
		require.NoError(t, os.WriteFile(tmp, make([]byte, 100), 0644))
		old := time.Now().Add(-20 * time.Minute)
		require.NoError(t, os.Chtimes(tmp, old, old))
	}
	orphans := []string{filepath.Join(root, "gone1.data"), filepath.Join(root, "gone2.data")}
	for _, o := range orphans {
		require.NoError(t, os.WriteFile(o, make([]byte, 500), 0644))
	}

	// Sit in the gentle bracket so a scan runs but no fresh entry matches.
	limit := uint64(float64(usedBytes(t, root)) / 0.93)
	p := newPlanner(t, root, &treeProbe{root: root}, Config{BytesLimit: limit})

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.InBand)
	assert.Equal(t, uint64(3), result.Scan.TempDeleted)
	assert.Equal(t, uint64(2), result.Scan.OrphanDeleted)
	assert.Zero(t, result.EntriesEvicted)

	for _, path := range keep {
		assert.FileExists(t, path)
	}
	for _, o := range orphans {
		assert.NoFileExists(t, o)
	}
}

func TestRunGentlePressureEvictsLongExpired(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	var expired, fresh []string
	for i := range 5 {
		h, _ := writeEntry(t, root, fmt.Sprintf("old%02d", i), now.Add(-7*time.Hour))
		expired = append(expired, h)
	}
	for i := range 5 {
		h, _ := writeEntry(t, root, fmt.Sprintf("new%02d", i), now.Add(time.Hour))
		fresh = append(fresh, h)
	}

	limit := uint64(float64(usedBytes(t, root)) / 0.91)
	p := newPlanner(t, root, &treeProbe{root: root}, Config{BytesLimit: limit})

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.InBand)
	assert.Equal(t, uint64(5), result.EntriesEvicted)

	for _, h := range expired {
		assert.NoFileExists(t, h)
	}
	for _, h := range fresh {
		assert.FileExists(t, h)
	}
}

func TestRunHeavyPressureEscalates(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	// Ten entries expired over an hour ago (distinct ages for a stable
	// eviction order) and ten expired only minutes ago.
	var longExpired, justExpired []string
	for i := range 10 {
		h, _ := writeEntry(t, root, fmt.Sprintf("old%02d", i), now.Add(-2*time.Hour-time.Duration(i)*time.Minute))
		longExpired = append(longExpired, h)
	}
	for i := range 10 {
		h, _ := writeEntry(t, root, fmt.Sprintf("recent%02d", i), now.Add(-5*time.Minute-time.Duration(i)*time.Minute))
		justExpired = append(justExpired, h)
	}

	limit := uint64(float64(usedBytes(t, root)) / 0.996)
	p := newPlanner(t, root, &treeProbe{root: root}, Config{
		BytesLimit:   limit,
		ReprobeEvery: 4,
	})

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.InBand)
	assert.Equal(t, 1, result.Rounds, "round one victims must be enough")
	assert.Equal(t, uint64(4), result.EntriesEvicted, "stops at the first re-probe inside the band")

	// Oldest first: old09..old06 go, the rest survive.
	for _, h := range longExpired[6:] {
		assert.NoFileExists(t, h)
	}
	for _, h := range longExpired[:6] {
		assert.FileExists(t, h)
	}
	for _, h := range justExpired {
		assert.FileExists(t, h, "entries expired under an hour are untouched in round one")
	}
}

func TestRunInodePressure(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	var headers []string
	for i := range 15 {
		h, _ := writeEntry(t, root, fmt.Sprintf("e%02d", i), now.Add(-2*time.Hour-time.Duration(i)*time.Minute))
		headers = append(headers, h)
	}

	// 30 files against a limit of 30 inodes; bytes are unconstrained.
	probe := &inodeOnlyProbe{treeProbe{root: root}}
	p := newPlanner(t, root, probe, Config{
		InodesLimit:  30,
		ReprobeEvery: 2,
	})

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.InBand)
	assert.Equal(t, uint64(2), result.EntriesEvicted)
	assert.NoFileExists(t, headers[14])
	assert.NoFileExists(t, headers[13])
	assert.FileExists(t, headers[0])
}

// inodeOnlyProbe hides byte usage so only the inode signal drives the run.
type inodeOnlyProbe struct {
	treeProbe
}

func (p *inodeOnlyProbe) Snapshot() (fsprobe.Snapshot, error) {
	snap, err := p.treeProbe.Snapshot()
	snap.BytesUsed = 0
	return snap, err
}

func TestRunOutOfBudgetKeepsFreshEntries(t *testing.T) {
	root := t.TempDir()
	fresh := time.Now().Add(time.Hour)
	var keep []string
	for i := range 5 {
		h, d := writeEntry(t, root, fmt.Sprintf("fresh%02d", i), fresh)
		keep = append(keep, h, d)
	}

	p := newPlanner(t, root, staticProbe{fsprobe.Snapshot{BytesUsed: 9960}}, Config{
		BytesLimit: 10000,
	})

	result, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrOutOfBudget)
	assert.False(t, result.InBand)
	assert.Equal(t, len(escalationLadder), result.Rounds)
	assert.Zero(t, result.EntriesEvicted)
	for _, path := range keep {
		assert.FileExists(t, path)
	}
}

func TestRunDryRunLeavesTreeIntact(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	for i := range 10 {
		writeEntry(t, root, fmt.Sprintf("old%02d", i), now.Add(-2*time.Hour))
	}
	tmp := filepath.Join(root, "aptmp000000")
	require.NoError(t, os.WriteFile(tmp, []byte("x"), 0644))
	old := now.Add(-time.Hour)
	require.NoError(t, os.Chtimes(tmp, old, old))

	before := listTree(t, root)

	limit := uint64(float64(usedBytes(t, root)) / 0.996)
	p := newPlanner(t, root, &treeProbe{root: root}, Config{
		BytesLimit: limit,
		DryRun:     true,
	})

	result, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrOutOfBudget, "usage cannot move without deleting")
	assert.Equal(t, before, listTree(t, root))
	assert.NotZero(t, result.EntriesEvicted, "would-be deletions are still reported")
	assert.Equal(t, uint64(1), result.Scan.TempDeleted)
}

func TestRunDesperateBodyOnlyDeletion(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	var headers, datas []string
	for i := range 3 {
		h, d := writeEntry(t, root, fmt.Sprintf("e%d", i), now.Add(-2*time.Hour-time.Duration(i)*time.Minute))
		headers = append(headers, h)
		datas = append(datas, d)
	}

	// At 105% of the byte limit; freeing one body crosses the band.
	p := newPlanner(t, root, staticProbe{fsprobe.Snapshot{BytesUsed: 1050}}, Config{
		BytesLimit: 1000,
	})

	result, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrOutOfBudget, "static probe never re-enters the band")

	assert.Equal(t, uint64(1), result.BodiesEvicted)
	assert.Equal(t, uint64(2), result.EntriesEvicted)

	// The oldest entry loses only its body; the header survives to keep
	// its metadata around for the next run.
	assert.FileExists(t, headers[2])
	assert.NoFileExists(t, datas[2])
	assert.NoFileExists(t, headers[0])
	assert.NoFileExists(t, headers[1])
}

func TestRunZeroQueueCapacity(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	writeEntry(t, root, "old", now.Add(-7*time.Hour))
	orphan := filepath.Join(root, "lonely.data")
	require.NoError(t, os.WriteFile(orphan, make([]byte, 10), 0644))

	p := newPlanner(t, root, staticProbe{fsprobe.Snapshot{BytesUsed: 9960}}, Config{
		BytesLimit: 10000,
		QueueCap:   -1,
	})

	result, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrOutOfBudget)
	assert.Zero(t, result.EntriesEvicted, "no candidates retained")
	assert.Equal(t, uint64(1), result.Scan.OrphanDeleted, "direct-delete path stays active")
	assert.FileExists(t, filepath.Join(root, "old.header"))
}

func TestRunMissingBodyTolerated(t *testing.T) {
	// A reader racing the sweep may have unlinked files between scan and
	// drain; ENOENT during deletion is success.
	root := t.TempDir()
	now := time.Now()
	headerPath, dataPath := writeEntry(t, root, "racy", now.Add(-7*time.Hour))
	h2, _ := writeEntry(t, root, "second", now.Add(-7*time.Hour))

	probe := &removeBetweenProbe{treeProbe: treeProbe{root: root}, victim: dataPath}
	limit := uint64(float64(usedBytes(t, root)) / 0.91)
	p := newPlanner(t, root, probe, Config{BytesLimit: limit})

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.NoFileExists(t, headerPath)
	assert.NoFileExists(t, h2)
	assert.Zero(t, result.Failed)
}

// removeBetweenProbe deletes a file out from under the planner on its
// second snapshot, simulating a concurrent writer.
type removeBetweenProbe struct {
	treeProbe
	victim string
	calls  int
}

func (p *removeBetweenProbe) Snapshot() (fsprobe.Snapshot, error) {
	p.calls++
	if p.calls == 2 {
		_ = os.Remove(p.victim)
	}
	return p.treeProbe.Snapshot()
}
