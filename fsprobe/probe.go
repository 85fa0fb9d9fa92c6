// Package fsprobe reports disk space and inode usage for the partition
// holding the cache root.
package fsprobe

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Snapshot is a point-in-time view of partition usage. Byte usage is
// derived from the partition's free space rather than by summing entry
// sizes, so writes by other processes are accounted for.
type Snapshot struct {
	BytesUsed   uint64
	BytesTotal  uint64
	InodesUsed  uint64
	InodesTotal uint64
}

// ByteUtil returns bytes used as a fraction of the given limit.
// A zero limit disables byte-based eviction and reports zero.
func (s Snapshot) ByteUtil(limit uint64) float64 {
	if limit == 0 {
		return 0
	}
	return float64(s.BytesUsed) / float64(limit)
}

// InodeUtil returns inodes used as a fraction of the given limit.
// A zero limit disables inode-based eviction and reports zero.
func (s Snapshot) InodeUtil(limit uint64) float64 {
	if limit == 0 {
		return 0
	}
	return float64(s.InodesUsed) / float64(limit)
}

// Util returns the more aggressive of the byte and inode signals.
func (s Snapshot) Util(byteLimit, inodeLimit uint64) float64 {
	return max(s.ByteUtil(byteLimit), s.InodeUtil(inodeLimit))
}

// Probe supplies usage snapshots. The planner calls it frequently during
// the deletion pass, so implementations must be cheap.
type Probe interface {
	Snapshot() (Snapshot, error)
}

// StatfsProbe reads usage with a single statfs syscall.
type StatfsProbe struct {
	path string
}

// New returns a probe for the partition containing path.
func New(path string) *StatfsProbe {
	return &StatfsProbe{path: path}
}

// Snapshot implements Probe.
func (p *StatfsProbe) Snapshot() (Snapshot, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(p.path, &st); err != nil {
		return Snapshot{}, fmt.Errorf("statfs %s: %w", p.path, err)
	}

	bsize := uint64(st.Bsize)
	if bsize == 0 {
		bsize = 4096
	}
	total := uint64(st.Blocks) * bsize
	avail := uint64(st.Bavail) * bsize

	return Snapshot{
		BytesUsed:   total - min(total, avail),
		BytesTotal:  total,
		InodesUsed:  uint64(st.Files) - min(uint64(st.Files), uint64(st.Ffree)),
		InodesTotal: uint64(st.Files),
	}, nil
}

var _ Probe = (*StatfsProbe)(nil)
