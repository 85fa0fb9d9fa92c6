package htcachesweep

import (
	"fmt"
	"strconv"
	"strings"
)

// SizeSpec is a user-specified limit, either an absolute value or a
// percentage of the partition total. Absolute values accept decimal
// (K/M/G/T) and binary (Ki/Mi/Gi/Ti) suffixes.
type SizeSpec struct {
	abs     uint64
	percent float64
	isPct   bool
}

// AbsoluteSize returns a SizeSpec for a fixed number of bytes or inodes.
func AbsoluteSize(n uint64) SizeSpec {
	return SizeSpec{abs: n}
}

// PercentSize returns a SizeSpec expressed as a percentage of the total.
func PercentSize(pct float64) SizeSpec {
	return SizeSpec{percent: pct, isPct: true}
}

// Value resolves the spec against the partition total.
func (s SizeSpec) Value(total uint64) uint64 {
	if s.isPct {
		return uint64(s.percent / 100.0 * float64(total))
	}
	return s.abs
}

// IsZero reports whether the spec is the zero value, which an absolute
// size of 0 also is.
func (s SizeSpec) IsZero() bool {
	return !s.isPct && s.abs == 0
}

func (s SizeSpec) String() string {
	if s.isPct {
		return strconv.FormatFloat(s.percent, 'f', -1, 64) + "%"
	}
	n := s.abs
	switch {
	case n < 1000:
		return strconv.FormatUint(n, 10)
	case n < 1000000:
		return trimFloat(float64(n)/1000.0) + "K"
	case n < 1000000000:
		return trimFloat(float64(n)/1000000.0) + "M"
	case n < 1000000000000:
		return trimFloat(float64(n)/1000000000.0) + "G"
	default:
		return trimFloat(float64(n)/1000000000000.0) + "T"
	}
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var sizeUnits = map[string]float64{
	"K": 1e3, "k": 1e3, "M": 1e6, "G": 1e9, "T": 1e12,
	"Ki": 1 << 10, "ki": 1 << 10, "Mi": 1 << 20, "Gi": 1 << 30, "Ti": 1 << 40,
}

// ParseSizeSpec parses strings like "500M", "1.5Gi", "10%" or "4096".
func ParseSizeSpec(text string) (SizeSpec, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return SizeSpec{}, fmt.Errorf("empty size: expected a positive numeric value with an optional unit")
	}
	if strings.HasPrefix(s, "-") {
		return SizeSpec{}, fmt.Errorf("negative size %q", text)
	}

	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			return SizeSpec{}, fmt.Errorf("invalid percentage %q", text)
		}
		return PercentSize(v), nil
	}

	for _, unit := range []string{"Ki", "ki", "Mi", "Gi", "Ti", "K", "k", "M", "G", "T"} {
		num, ok := strings.CutSuffix(s, unit)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return SizeSpec{}, fmt.Errorf("invalid size %q", text)
		}
		return AbsoluteSize(uint64(v * sizeUnits[unit])), nil
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		last := s[len(s)-1]
		if last < '0' || last > '9' {
			return SizeSpec{}, fmt.Errorf("unknown unit %q in %q: known units are K, Ki, M, Mi, G, Gi, T, Ti, %%", string(last), text)
		}
		return SizeSpec{}, fmt.Errorf("invalid size %q", text)
	}
	return AbsoluteSize(n), nil
}

// UnmarshalText lets SizeSpec be used directly as a CLI flag type.
func (s *SizeSpec) UnmarshalText(text []byte) error {
	parsed, err := ParseSizeSpec(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s SizeSpec) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
