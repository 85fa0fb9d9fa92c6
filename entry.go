package htcachesweep

import (
	"strings"
	"time"
)

// Filename suffixes making up a cache entry on disk.
const (
	HeaderSuffix  = ".header"
	DataSuffix    = ".data"
	VaryDirSuffix = ".vary"
	TempPrefix    = "aptmp"
)

// Score is the composite age key candidates are ranked by. All fields are
// microseconds since the epoch, saturated at zero so that times before the
// epoch (and missing times) sort as infinitely old.
//
// Expiry is the primary key, the later of access and response time the
// secondary, and the file modification time the tiebreaker.
type Score struct {
	Expiry   int64
	LastUse  int64
	Modified int64
}

// NewScore builds a Score from the header times and the stat times of the
// header file.
func NewScore(expiry, accessed, response, modified time.Time) Score {
	return Score{
		Expiry:   saturatingMicros(expiry),
		LastUse:  max(saturatingMicros(accessed), saturatingMicros(response)),
		Modified: saturatingMicros(modified),
	}
}

func saturatingMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	us := t.UnixMicro()
	if us < 0 {
		return 0
	}
	return us
}

// Candidate is a cache entry enqueued for possible deletion.
type Candidate struct {
	HeaderPath  string
	Score       Score
	HeaderSize  int64
	BodySize    int64
	BodyMissing bool
	Vary        bool
}

// DataPath returns the path of the entry's body file.
func (c Candidate) DataPath() string {
	return strings.TrimSuffix(c.HeaderPath, HeaderSuffix) + DataSuffix
}

// VaryPath returns the path of the entry's vary directory.
func (c Candidate) VaryPath() string {
	return c.HeaderPath + VaryDirSuffix
}

// EvictBefore reports whether c should be evicted before o. Older entries
// sort first; ties are broken by path so the ordering is total.
func (c Candidate) EvictBefore(o Candidate) bool {
	if c.Score.Expiry != o.Score.Expiry {
		return c.Score.Expiry < o.Score.Expiry
	}
	if c.Score.LastUse != o.Score.LastUse {
		return c.Score.LastUse < o.Score.LastUse
	}
	if c.Score.Modified != o.Score.Modified {
		return c.Score.Modified < o.Score.Modified
	}
	return c.HeaderPath < o.HeaderPath
}
