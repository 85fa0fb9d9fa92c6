package htcachesweep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSizeSpec(t *testing.T) {
	tests := []struct {
		in    string
		total uint64
		want  uint64
	}{
		{"0", 0, 0},
		{"100", 0, 100},
		{"4096", 999, 4096},
		{"50K", 0, 50000},
		{"1M", 0, 1000000},
		{"42G", 0, 42000000000},
		{"1T", 0, 1000000000000},
		{"0.5Ki", 0, 512},
		{"1Mi", 0, 1 << 20},
		{"1Gi", 0, 1 << 30},
		{"1Ti", 0, 1 << 40},
		{"10%", 10000, 1000},
		{"0%", 10000, 0},
		{"99.5%", 1000000, 995000},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			spec, err := ParseSizeSpec(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, spec.Value(tt.total))
		})
	}
}

func TestParseSizeSpecErrors(t *testing.T) {
	for _, in := range []string{"", "-1", "-50K", "-1%", "1x", "5.5!", "K", "%", "abc"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseSizeSpec(in)
			require.Error(t, err)
		})
	}
}

func TestSizeSpecString(t *testing.T) {
	for _, s := range []string{"0", "100", "50K", "1M", "42G", "1T", "10%", "99.5%"} {
		spec, err := ParseSizeSpec(s)
		require.NoError(t, err)
		assert.Equal(t, s, spec.String())
	}

	spec, err := ParseSizeSpec("0.512K")
	require.NoError(t, err)
	assert.Equal(t, "512", spec.String())
}

func TestSizeSpecUnmarshalText(t *testing.T) {
	var spec SizeSpec
	require.NoError(t, spec.UnmarshalText([]byte("2G")))
	assert.Equal(t, uint64(2000000000), spec.Value(0))
	assert.False(t, spec.IsZero())

	require.Error(t, spec.UnmarshalText([]byte("2X")))
}

func TestSizeSpecAbsoluteIgnoresTotal(t *testing.T) {
	spec := AbsoluteSize(1000)
	assert.Equal(t, uint64(1000), spec.Value(0))
	assert.Equal(t, uint64(1000), spec.Value(9999999))

	pct := PercentSize(10)
	assert.Equal(t, uint64(1), pct.Value(10))
	assert.Equal(t, uint64(0), pct.Value(1))
}
