//go:build linux

package htcachesweep

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// OpenHeaderFile opens a header file for reading without updating its
// access time. O_NOATIME is only honoured for files we own; on EPERM the
// open is retried without it.
func OpenHeaderFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOATIME|unix.O_CLOEXEC, 0)
	if err != nil && errors.Is(err, unix.EPERM) {
		return os.Open(path)
	}
	return f, err
}
