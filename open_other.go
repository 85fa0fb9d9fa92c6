//go:build !linux

package htcachesweep

import "os"

// OpenHeaderFile opens a header file for reading. O_NOATIME is a
// Linux-only optimisation; other platforms take the plain path.
func OpenHeaderFile(path string) (*os.File, error) {
	return os.Open(path)
}
