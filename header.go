// Package htcachesweep provides the core types for the htcache-sweep disk
// cache cleaner: the cache entry header codec, the composite eviction score,
// and the shared statistics counters.
package htcachesweep

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// HeaderMagic is the format version expected at the start of every
// .header file. Entries with any other value are considered corrupt.
const HeaderMagic uint32 = 0x01030107

// Header flag bits.
const (
	// FlagVary marks an entry with content negotiation variants stored in a
	// sibling <stem>.header.vary directory.
	FlagVary uint32 = 0x1
)

// headerPrefixLen is the fixed-layout prefix every valid header carries.
// Variable-length request headers and the URL follow but are not needed
// for eviction decisions.
const headerPrefixLen = 40

// ErrCorruptHeader is returned by ParseHeader when a header file is
// truncated or its magic does not match HeaderMagic. A corrupt entry is
// unconditionally deletable.
var ErrCorruptHeader = errors.New("corrupt cache header")

// Header is the parsed fixed prefix of a cache entry header file.
type Header struct {
	Flags        uint32
	Expiry       time.Time
	RequestTime  time.Time
	ResponseTime time.Time
	BodyLength   uint64
}

// Vary reports whether the entry has a sibling vary directory.
func (h Header) Vary() bool {
	return h.Flags&FlagVary != 0
}

// ParseHeader reads the fixed 40-byte prefix of a cache header file.
//
// A short read or a magic mismatch yields an error wrapping
// ErrCorruptHeader; any other error is a transient read failure and the
// entry should be skipped rather than deleted. The reader is never
// advanced past the fixed prefix.
func ParseHeader(r io.Reader) (Header, error) {
	var buf [headerPrefixLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, fmt.Errorf("%w: short header (%v)", ErrCorruptHeader, err)
		}
		return Header{}, fmt.Errorf("reading header prefix: %w", err)
	}

	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != HeaderMagic {
		return Header{}, fmt.Errorf("%w: unexpected magic %#010x", ErrCorruptHeader, magic)
	}

	return Header{
		Flags:        binary.LittleEndian.Uint32(buf[4:8]),
		Expiry:       timeFromMicros(binary.LittleEndian.Uint64(buf[8:16])),
		RequestTime:  timeFromMicros(binary.LittleEndian.Uint64(buf[16:24])),
		ResponseTime: timeFromMicros(binary.LittleEndian.Uint64(buf[24:32])),
		BodyLength:   binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}

// timeFromMicros converts microseconds since the epoch to a time.Time.
// Out-of-range values collapse to the epoch, which sorts as infinitely old.
func timeFromMicros(us uint64) time.Time {
	if us > math.MaxInt64 {
		return time.UnixMicro(0).UTC()
	}
	return time.UnixMicro(int64(us)).UTC()
}
