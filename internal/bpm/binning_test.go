package bpm

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTable(numCandidates int) *ReorderTable {
	return &ReorderTable{
		InitPosPerBucket:  make([]uint32, NumBuckets),
		InitWarpPerBucket: make([]uint32, NumBuckets),
		ReorderBuffer:     make([]uint32, numCandidates+int(BinningPaddingCandidates())),
	}
}

// workload builds one query per size and the candidates pointing at them.
func workload(sizes []uint32, candidateQueries []uint32) ([]QueryInfo, []CandidateInfo) {
	queries := make([]QueryInfo, len(sizes))
	var pos uint32
	for i, s := range sizes {
		queries[i] = QueryInfo{PosEntry: pos, Size: s}
		pos += EntriesFor(s)
	}
	cands := make([]CandidateInfo, len(candidateQueries))
	for i, q := range candidateQueries {
		cands[i] = CandidateInfo{Position: uint64(i), Query: q, Size: sizes[q] + 8}
	}
	return queries, cands
}

func TestBucketOf(t *testing.T) {
	assert.Equal(t, uint32(0), BucketOf(0))
	assert.Equal(t, uint32(0), BucketOf(1))
	assert.Equal(t, uint32(0), BucketOf(128))
	assert.Equal(t, uint32(1), BucketOf(129))
	assert.Equal(t, uint32(1), BucketOf(150))
	assert.Equal(t, uint32(31), BucketOf(4096))
	assert.Equal(t, uint32(32), BucketOf(4097))
	assert.Equal(t, uint32(32), BucketOf(1<<20))
}

func TestBinningEnabled(t *testing.T) {
	assert.True(t, BinningEnabled(0))
	assert.True(t, BinningEnabled(3))
	assert.True(t, BinningEnabled(12))
	assert.False(t, BinningEnabled(1))
	assert.False(t, BinningEnabled(4))
	assert.False(t, BinningEnabled(32))
}

func TestReorder_ThreeBuckets(t *testing.T) {
	sizes := []uint32{100, 200, 300}
	order := []uint32{2, 0, 1, 2, 0, 2, 0, 1, 2, 0, 2, 1, 2, 0, 2}
	queries, cands := workload(sizes, order)
	table := newTable(len(cands))

	n := Reorder(queries, cands, 0, table)

	assert.Equal(t, uint32(58), n)
	assert.Equal(t, uint32(58), table.ElementsPerBuffer)
	assert.Equal(t, uint32(3), table.NumWarps)
	assert.Equal(t, [3]uint32{5, 3, 7}, [3]uint32(table.CandidatesPerBucket[:3]))

	assert.Equal(t, []uint32{0, 32, 48, 58, 58}, table.InitPosPerBucket[:5])
	assert.Equal(t, uint32(58), table.InitPosPerBucket[NumBuckets-1])
	assert.Equal(t, []uint32{0, 1, 2, 3, 3}, table.InitWarpPerBucket[:5])
	assert.Equal(t, uint32(3), table.InitWarpPerBucket[NumBuckets-1])
	assert.IsNonDecreasing(t, table.InitPosPerBucket)

	// bucket 0 holds candidates 1, 4, 6, 9, 13 in order, then padding
	assert.Equal(t, []uint32{1, 4, 6, 9, 13, 13}, table.ReorderBuffer[:6])
	assert.Equal(t, uint32(13), table.ReorderBuffer[31])
	assert.Equal(t, []uint32{2, 7, 11, 11}, table.ReorderBuffer[32:36])
	assert.Equal(t, []uint32{0, 3, 5, 8, 10, 12, 14, 14, 14, 14}, table.ReorderBuffer[48:58])

	stats := table.Stats(0, uint32(len(cands)))
	assert.True(t, stats.Binning)
	assert.Equal(t, 3, stats.NonEmptyBuckets)
	assert.Equal(t, uint32(58-15), stats.PaddingSlots)
	assert.Zero(t, stats.Unbinned)

	for b := uint32(0); b < 3; b++ {
		padding := table.WarpsPerBucket[b]*queriesPerWarp(b) - table.CandidatesPerBucket[b]
		assert.LessOrEqual(t, padding, queriesPerWarp(b)-1, "bucket %d", b)
	}
}

func TestReorder_CatchAllGetsNoSlot(t *testing.T) {
	queries, cands := workload([]uint32{5000, 64}, []uint32{0, 1, 0})
	table := newTable(len(cands))

	n := Reorder(queries, cands, 0, table)

	assert.Equal(t, uint32(32), n)
	assert.Equal(t, uint32(2), table.CandidatesPerBucket[NumBuckets-1])
	assert.Equal(t, uint32(1), table.NumWarps)
	for _, slot := range table.ReorderBuffer[:n] {
		assert.Equal(t, uint32(1), slot)
	}
	assert.Equal(t, uint32(2), table.Stats(0, 3).Unbinned)
}

func TestReorder_UniformBins(t *testing.T) {
	sizes := make([]uint32, 25)
	order := make([]uint32, 100)
	for i := range sizes {
		sizes[i] = 150
	}
	for i := range order {
		order[i] = uint32(i / 4)
	}
	queries, cands := workload(sizes, order)
	table := newTable(len(cands))

	n := Reorder(queries, cands, 4, table)

	assert.Zero(t, n)
	assert.Zero(t, table.ElementsPerBuffer)
	assert.Equal(t, uint32(13), table.NumWarps)
	assert.Equal(t, []uint32{0, 0, 0, 0, 100}, table.InitPosPerBucket[:5])
	assert.Equal(t, []uint32{0, 0, 0, 0, 13}, table.InitWarpPerBucket[:5])
	assert.Equal(t, uint32(100), table.InitPosPerBucket[NumBuckets-1])
	assert.Equal(t, uint32(100), table.CandidatesPerBucket[1])
	assert.False(t, table.Stats(4, 100).Binning)
}

func TestReorder_UniformWideBinsDoNotWrap(t *testing.T) {
	queries, cands := workload([]uint32{150}, []uint32{0, 0, 0, 0})
	table := newTable(len(cands))

	Reorder(queries, cands, 1<<30, table)
	assert.Equal(t, uint32(1<<27), table.NumWarps)
}

func TestReorder_ResetsBetweenPasses(t *testing.T) {
	queries, cands := workload([]uint32{100, 700}, []uint32{0, 1, 1, 0})
	table := newTable(len(cands))

	first := Reorder(queries, cands, 0, table)
	firstPos := append([]uint32(nil), table.InitPosPerBucket...)
	firstSlots := append([]uint32(nil), table.ReorderBuffer[:first]...)

	Reorder(queries, cands, 8, table)
	second := Reorder(queries, cands, 0, table)

	require.Equal(t, first, second)
	assert.Equal(t, firstPos, table.InitPosPerBucket)
	assert.Equal(t, firstSlots, table.ReorderBuffer[:second])
}

func TestReorderProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	build := func(sizes []uint32, picks []int) ([]QueryInfo, []CandidateInfo, *ReorderTable) {
		if len(sizes) == 0 {
			sizes = []uint32{1}
		}
		order := make([]uint32, len(picks))
		for i, p := range picks {
			order[i] = uint32(p % len(sizes))
		}
		queries, cands := workload(sizes, order)
		table := newTable(len(cands))
		Reorder(queries, cands, 0, table)
		return queries, cands, table
	}

	properties.Property("bucket counts sum to the candidates", prop.ForAll(
		func(sizes []uint32, picks []int) bool {
			_, cands, table := build(sizes, picks)
			var sum uint32
			for _, n := range table.CandidatesPerBucket {
				sum += n
			}
			return sum == uint32(len(cands))
		},
		gen.SliceOf(gen.UInt32Range(1, 5000)),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.Property("bucket segments are whole warps with bounded padding", prop.ForAll(
		func(sizes []uint32, picks []int) bool {
			_, _, table := build(sizes, picks)
			var elements uint32
			for b := uint32(0); b < NumBuckets-1; b++ {
				qpw := queriesPerWarp(b)
				segment := table.InitPosPerBucket[b+1] - table.InitPosPerBucket[b]
				if segment%qpw != 0 || segment-table.CandidatesPerBucket[b] > qpw-1 {
					return false
				}
				elements += segment
			}
			return elements == table.ElementsPerBuffer
		},
		gen.SliceOf(gen.UInt32Range(1, 5000)),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.Property("every slot runs a candidate of its own bucket", prop.ForAll(
		func(sizes []uint32, picks []int) bool {
			queries, cands, table := build(sizes, picks)
			seen := make(map[uint32]bool)
			for b := uint32(0); b < NumBuckets-1; b++ {
				for s := table.InitPosPerBucket[b]; s < table.InitPosPerBucket[b+1]; s++ {
					c := table.ReorderBuffer[s]
					if int(c) >= len(cands) || BucketOf(queries[cands[c].Query].Size) != b {
						return false
					}
					seen[c] = true
				}
			}
			for i, c := range cands {
				if BucketOf(queries[c.Query].Size) < NumBuckets-1 && !seen[uint32(i)] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt32Range(1, 5000)),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.Property("init positions never decrease", prop.ForAll(
		func(sizes []uint32, picks []int) bool {
			_, _, table := build(sizes, picks)
			for b := 1; b < NumBuckets; b++ {
				if table.InitPosPerBucket[b] < table.InitPosPerBucket[b-1] ||
					table.InitWarpPerBucket[b] < table.InitWarpPerBucket[b-1] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt32Range(1, 5000)),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}
