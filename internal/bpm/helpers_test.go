package bpm

import (
	"testing"

	"github.com/23skdu/bpmstage/internal/gpu"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const bases = "ACGTN"

func toBases(syms []int) []byte {
	out := make([]byte, len(syms))
	for i, s := range syms {
		out[i] = bases[s%len(bases)]
	}
	return out
}

// repeatBases returns n bases cycling through ACGT starting at offset.
func repeatBases(n, offset int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = "ACGT"[(i+offset)%4]
	}
	return out
}

// editDistance is the quadratic semi-global reference the kernel must match.
func editDistance(pattern, text []byte) Alignment {
	m := len(pattern)
	if m == 0 {
		return Alignment{}
	}
	if len(text) == 0 {
		return Alignment{Score: uint32(m)}
	}
	prev := make([]uint32, m+1)
	cur := make([]uint32, m+1)
	for i := range prev {
		prev[i] = uint32(i)
	}
	best := Alignment{Score: ^uint32(0)}
	for j, t := range text {
		cur[0] = 0
		for i := 1; i <= m; i++ {
			cost := uint32(1)
			if symbol(pattern[i-1]) == symbol(t) {
				cost = 0
			}
			cur[i] = min(prev[i-1]+cost, prev[i]+1, cur[i-1]+1)
		}
		if cur[m] < best.Score {
			best = Alignment{Column: uint32(j), Score: cur[m]}
		}
		prev, cur = cur, prev
	}
	return best
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

func newSimDevice(t *testing.T, cfg gpu.SimConfig) *gpu.SimDevice {
	t.Helper()
	dev := gpu.NewSimDevice(0, cfg, zerolog.Nop())
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func newTestBuffer(t *testing.T, dev gpu.Device, size int, avg, cpq uint32, kernel Kernel) *Buffer {
	t.Helper()
	s, err := dev.NewStream()
	require.NoError(t, err)
	b, err := NewBuffer(dev, s, 0, size, avg, cpq, kernel, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}
