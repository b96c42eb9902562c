package limits_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskqd/taskqd/internal/limits"
)

func TestParse_FullTuple(t *testing.T) {
	l := limits.Parse("2\n1\n1024\n512\n9000")
	assert.Equal(t, int64(2), l.CPU)
	assert.Equal(t, int64(1), l.GPU)
	assert.Equal(t, int64(1024), l.Memory)
	assert.Equal(t, int64(512), l.GPUMemory)
	assert.Equal(t, int64(9000), l.Storage)
}

func TestParse_ShortTuplePadsWithZero(t *testing.T) {
	l := limits.Parse("4\n0\n2048")
	assert.Equal(t, int64(4), l.CPU)
	assert.Equal(t, int64(2048), l.Memory)
	assert.Equal(t, int64(0), l.GPUMemory)
	assert.Equal(t, int64(0), l.Storage)
}

func TestEncode_RoundTrip(t *testing.T) {
	l := limits.Limits{CPU: 2, Memory: 4096, Storage: 10}
	assert.Equal(t, "2\n0\n4096\n0\n10", l.Encode())
	assert.Equal(t, l, limits.Parse(l.Encode()))
}

func TestMinimal_ZeroIsUnconstrained(t *testing.T) {
	task := limits.Limits{CPU: 4}
	user := limits.Limits{CPU: 2}
	def := limits.Limits{}

	got := limits.Minimal(task, user, def)
	assert.Equal(t, int64(2), got.CPU)

	// 0 loses to any positive value
	got = limits.Minimal(limits.Limits{}, user, def)
	assert.Equal(t, int64(2), got.CPU)

	// all zero stays zero
	got = limits.Minimal(limits.Limits{}, limits.Limits{}, limits.Limits{})
	assert.Equal(t, int64(0), got.CPU)
}

func TestMinimal_Monotonic(t *testing.T) {
	user := limits.Limits{CPU: 8}
	def := limits.Limits{CPU: 16}

	// larger task limit never yields a smaller result
	prev := int64(0)
	for _, x := range []int64{1, 2, 4, 8, 32} {
		got := limits.Minimal(limits.Limits{CPU: x}, user, def).CPU
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestParseMemory(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"4K", 4 * 1024},
		{"2M", 2 * 1024 * 1024},
		{"1G", 1024 * 1024 * 1024},
		{"3g", 3 * 1024 * 1024 * 1024},
		{"", 0},
	}

	for _, tc := range cases {
		got, err := limits.ParseMemory(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := limits.ParseMemory("abc")
	assert.Error(t, err)
}
