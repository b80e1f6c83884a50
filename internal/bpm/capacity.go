package bpm

import (
	"fmt"
	"math"

	"github.com/23skdu/bpmstage/internal/memory"
)

// numRegions is the number of regions in a BPM layout.
const numRegions = 8

// Capacity holds the element counts a buffer layout is carved for.
type Capacity struct {
	MaxPEQEntries    uint32
	MaxQueries       uint32
	MaxCandidates    uint32
	MaxReorderBuffer uint32
	MaxBuckets       uint32
	MaxAlignments    uint32
}

// Fits reports whether d stays within every input limit of c.
func (c Capacity) Fits(d Dimensions) bool {
	return d.Entries <= c.MaxPEQEntries &&
		d.Queries <= c.MaxQueries &&
		d.Candidates <= c.MaxCandidates
}

// BytesPerCandidate is the amortized buffer cost of one candidate: its share
// of query entries and query info plus the candidate, result, reordered
// result and reorder slot it occupies.
func BytesPerCandidate(avgQuerySize, candidatesPerQuery uint32) float64 {
	avgQuerySize = max(avgQuerySize, 1)
	candidatesPerQuery = max(candidatesPerQuery, 1)
	queryBytes := float64(EntriesFor(avgQuerySize)*sizeQueryEntry + sizeQueryInfo)
	return queryBytes/float64(candidatesPerQuery) +
		sizeCandidateInfo + sizeAlignment + sizeAlignment + sizeSlot
}

// BinningPaddingCandidates bounds the padding slots binning can add:
// a bucket whose queries use b lanes wastes at most WarpSize/b slots.
func BinningPaddingCandidates() uint32 {
	var padding uint32
	for b := uint32(1); b < NumBuckets-1; b++ {
		padding += WarpSize / b
	}
	return padding
}

// fixedOverhead is the layout cost independent of the candidate count.
func fixedOverhead() float64 {
	return float64(2*NumBuckets*sizeSlot + numRegions*memory.DefaultAlignment)
}

// DeriveCapacity computes how much work a buffer of bufferBytes holds for
// queries averaging avgQuerySize bases with candidatesPerQuery candidates each.
func DeriveCapacity(bufferBytes int, avgQuerySize, candidatesPerQuery uint32) Capacity {
	avgQuerySize = max(avgQuerySize, 1)
	candidatesPerQuery = max(candidatesPerQuery, 1)

	c := Capacity{MaxBuckets: NumBuckets}
	usable := float64(bufferBytes)*(1-SlackFraction) - fixedOverhead()
	if usable <= 0 {
		return c
	}
	numInputs := math.Floor(usable / BytesPerCandidate(avgQuerySize, candidatesPerQuery))
	padding := float64(BinningPaddingCandidates())
	if numInputs <= padding {
		return c
	}
	maxCandidates := uint32(min(numInputs-padding, math.MaxUint32-padding))

	c.MaxCandidates = maxCandidates
	c.MaxAlignments = maxCandidates
	c.MaxQueries = maxCandidates / candidatesPerQuery
	c.MaxPEQEntries = c.MaxQueries * EntriesFor(avgQuerySize)
	c.MaxReorderBuffer = maxCandidates + BinningPaddingCandidates()
	return c
}

// RatiosOf returns the average query size, rounded up to whole entries, and
// the candidates per query of d.
func RatiosOf(d Dimensions) (avgQuerySize, candidatesPerQuery uint32) {
	queries := max(d.Queries, 1)
	avgQuerySize = max(divCeil(d.Entries, queries), 1) * PEQEntryLength
	candidatesPerQuery = max(d.Candidates/queries, 1)
	return avgQuerySize, candidatesPerQuery
}

// RequiredBytes is the candidate-proportional buffer cost of d at its own ratios.
func RequiredBytes(d Dimensions) float64 {
	avg, cpq := RatiosOf(d)
	n := max(d.Candidates, d.Queries)
	return float64(n) * BytesPerCandidate(avg, cpq)
}

// GrowSize returns a buffer size that fits d at its own ratios with
// GrowthFactor headroom, on top of the padding and fixed layout cost.
func GrowSize(d Dimensions) int {
	avg, cpq := RatiosOf(d)
	perCandidate := BytesPerCandidate(avg, cpq)
	fixed := (float64(BinningPaddingCandidates())*perCandidate + fixedOverhead()) / (1 - SlackFraction)
	return int(math.Ceil(RequiredBytes(d)*GrowthFactor)) + int(math.Ceil(fixed)) + memory.DefaultAlignment
}

// NewLayout carves the BPM regions for c.
func NewLayout(c Capacity) memory.Layout {
	return memory.NewLayoutBuilder(memory.DefaultAlignment).
		Add(RegionPEQEntries, int(c.MaxPEQEntries), sizeQueryEntry).
		Add(RegionQueryInfo, int(c.MaxQueries), sizeQueryInfo).
		Add(RegionCandidates, int(c.MaxCandidates), sizeCandidateInfo).
		Add(RegionReorderBuffer, int(c.MaxReorderBuffer), sizeSlot).
		Add(RegionInitPosPerBucket, int(c.MaxBuckets), sizeSlot).
		Add(RegionInitWarpPerBucket, int(c.MaxBuckets), sizeSlot).
		Add(RegionReorderAlignments, int(c.MaxReorderBuffer), sizeAlignment).
		Add(RegionAlignments, int(c.MaxAlignments), sizeAlignment).
		Build()
}

func (c Capacity) String() string {
	return fmt.Sprintf("entries=%d queries=%d candidates=%d reorder=%d",
		c.MaxPEQEntries, c.MaxQueries, c.MaxCandidates, c.MaxReorderBuffer)
}
