package bpm

import "math"

// ReorderTable is the bucket metadata and slot permutation the kernel walks.
// The slices alias the buffer's host regions.
type ReorderTable struct {
	InitPosPerBucket  []uint32
	InitWarpPerBucket []uint32
	// ReorderBuffer maps an execution slot to the original candidate index.
	ReorderBuffer     []uint32
	ElementsPerBuffer uint32
	NumWarps          uint32

	CandidatesPerBucket [NumBuckets]uint32
	WarpsPerBucket      [NumBuckets]uint32
}

// BinningStats summarizes one Reorder pass.
type BinningStats struct {
	Binning         bool
	NonEmptyBuckets int
	// PaddingSlots counts slots replicated to complete a warp.
	PaddingSlots uint32
	// Unbinned counts catch-all candidates that received no slot.
	Unbinned uint32
}

// BinningEnabled reports whether binSize asks for length binning: any size
// that is not a power of two, 0 included, means query sizes are heterogeneous.
func BinningEnabled(binSize uint32) bool {
	return !isPow2(binSize)
}

// BucketOf returns the bucket for a query of size bases.
func BucketOf(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	return min((size-1)/LanesPerQueryStep, NumBuckets-1)
}

// lanesPerQuery is the number of lanes a query of bucket b occupies.
func lanesPerQuery(b uint32) uint32 { return b + 1 }

// queriesPerWarp is the number of bucket b queries one warp executes.
func queriesPerWarp(b uint32) uint32 { return WarpSize / lanesPerQuery(b) }

func (t *ReorderTable) reset() {
	for b := range t.InitPosPerBucket {
		t.InitPosPerBucket[b] = 0
		t.InitWarpPerBucket[b] = 0
	}
	t.ElementsPerBuffer = 0
	t.NumWarps = 0
	t.CandidatesPerBucket = [NumBuckets]uint32{}
	t.WarpsPerBucket = [NumBuckets]uint32{}
}

// Reorder fills t for cands and returns the number of reordered results the
// kernel produces. With binning disabled only the bucket boundaries above
// binSize are set and no results are reordered.
func Reorder(queries []QueryInfo, cands []CandidateInfo, binSize uint32, t *ReorderTable) uint32 {
	t.reset()
	for _, c := range cands {
		t.CandidatesPerBucket[BucketOf(queries[c.Query].Size)]++
	}
	if !BinningEnabled(binSize) {
		return t.uniform(uint32(len(cands)), binSize)
	}
	return t.bin(queries, cands)
}

func (t *ReorderTable) uniform(numCandidates, binSize uint32) uint32 {
	lanes := uint64(binSize) * uint64(numCandidates)
	t.NumWarps = uint32(min((lanes+WarpSize-1)/WarpSize, math.MaxUint32))
	for b := binSize; b < NumBuckets; b++ {
		t.InitPosPerBucket[b] = numCandidates
		t.InitWarpPerBucket[b] = t.NumWarps
	}
	return 0
}

func (t *ReorderTable) bin(queries []QueryInfo, cands []CandidateInfo) uint32 {
	const last = NumBuckets - 1

	for b := uint32(0); b < last; b++ {
		qpw := queriesPerWarp(b)
		t.WarpsPerBucket[b] = divCeil(t.CandidatesPerBucket[b], qpw)
		t.InitPosPerBucket[b] = t.ElementsPerBuffer
		t.ElementsPerBuffer += t.WarpsPerBucket[b] * qpw
		t.NumWarps += t.WarpsPerBucket[b]
	}
	t.InitPosPerBucket[last] = t.ElementsPerBuffer
	for b := 1; b < NumBuckets; b++ {
		t.InitWarpPerBucket[b] = t.InitWarpPerBucket[b-1] + t.WarpsPerBucket[b-1]
	}

	slots := t.ReorderBuffer[:t.ElementsPerBuffer]
	for i := range slots {
		slots[i] = emptySlot
	}
	var next [NumBuckets]uint32
	copy(next[:], t.InitPosPerBucket)
	for i, c := range cands {
		b := BucketOf(queries[c.Query].Size)
		if b == last {
			continue
		}
		slots[next[b]] = uint32(i)
		next[b]++
	}
	// Slot 0 always holds a real candidate: the first bucket with warps
	// starts there and receives its first candidate first.
	for i := 1; i < len(slots); i++ {
		if slots[i] == emptySlot {
			slots[i] = slots[i-1]
		}
	}
	return t.ElementsPerBuffer
}

// Stats summarizes the table after Reorder over numCandidates candidates.
func (t *ReorderTable) Stats(binSize, numCandidates uint32) BinningStats {
	s := BinningStats{Binning: BinningEnabled(binSize)}
	for _, n := range t.CandidatesPerBucket {
		if n > 0 {
			s.NonEmptyBuckets++
		}
	}
	if s.Binning {
		s.Unbinned = t.CandidatesPerBucket[NumBuckets-1]
		s.PaddingSlots = t.ElementsPerBuffer - (numCandidates - s.Unbinned)
	}
	return s
}
