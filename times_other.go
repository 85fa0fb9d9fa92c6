//go:build !linux && !darwin

package htcachesweep

import (
	"os"
	"time"
)

// FileTimes returns the access and modification times recorded in fi.
// Platforms without stat access times report the modification time twice.
func FileTimes(fi os.FileInfo) (atime, mtime time.Time) {
	mtime = fi.ModTime()
	return mtime, mtime
}

// LinkCount returns the hard link count of fi, or 0 when unknown.
func LinkCount(fi os.FileInfo) uint64 {
	return 0
}
