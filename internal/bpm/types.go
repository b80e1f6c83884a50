package bpm

import "math"

const (
	// WarpSize is the number of SIMT lanes in one execution unit.
	WarpSize = 32
	// PEQEntryLength is the number of bases encoded in one query entry.
	PEQEntryLength = 128
	// LanesPerQueryStep is the number of query bases one lane handles.
	LanesPerQueryStep = 128
	// NumBuckets is the number of binning buckets; the last one is a catch-all
	// for queries longer than WarpSize*LanesPerQueryStep bases.
	NumBuckets = WarpSize + 1
	// PEQAlphabetSize covers A, C, G, T and N.
	PEQAlphabetSize = 5
	// PEQSubEntries is the number of 32-bit words per symbol in an entry.
	PEQSubEntries = PEQEntryLength / 32

	// SlackFraction of every buffer is left unassigned.
	SlackFraction = 0.05
	// GrowthFactor over-provisions a regrown buffer.
	GrowthFactor = 2.0
	// CompactCopyThreshold is the utilization above which inputs go to the
	// device in one contiguous copy.
	CompactCopyThreshold = 0.15
)

// Region names of the BPM buffer layout, in layout order.
const (
	RegionPEQEntries        = "peq_entries"
	RegionQueryInfo         = "query_info"
	RegionCandidates        = "candidates"
	RegionReorderBuffer     = "reorder_buffer"
	RegionInitPosPerBucket  = "init_pos_per_bucket"
	RegionInitWarpPerBucket = "init_warp_per_bucket"
	RegionReorderAlignments = "reorder_alignments"
	RegionAlignments        = "alignments"
)

// QueryEntry is the pattern-equality bitmap of PEQEntryLength query bases.
// Bit p of Bitmap[s][w] is set when base w*32+p of the entry is symbol s.
type QueryEntry struct {
	Bitmap [PEQAlphabetSize][PEQSubEntries]uint32
}

// QueryInfo locates a query's entries.
type QueryInfo struct {
	PosEntry uint32
	Size     uint32
}

// CandidateInfo is a query paired with a reference window to verify.
type CandidateInfo struct {
	Position uint64
	Query    uint32
	Size     uint32
}

// Alignment is the kernel's verdict for one candidate: the best edit score
// and the text column where the best alignment ends.
type Alignment struct {
	Column uint32
	Score  uint32
}

// InvalidAlignment marks candidates the kernel produced no result for.
var InvalidAlignment = Alignment{Column: math.MaxUint32, Score: math.MaxUint32}

// Valid reports whether a carries a kernel result.
func (a Alignment) Valid() bool { return a != InvalidAlignment }

const (
	sizeQueryEntry    = 4 * PEQAlphabetSize * PEQSubEntries
	sizeQueryInfo     = 8
	sizeCandidateInfo = 16
	sizeAlignment     = 8
	sizeSlot          = 4
	emptySlot         = math.MaxUint32
)

// Dimensions counts the work a unit (or a whole buffer) stages.
type Dimensions struct {
	Entries    uint32
	Queries    uint32
	Candidates uint32
}

// Add returns the element-wise sum of d and o.
func (d Dimensions) Add(o Dimensions) Dimensions {
	return Dimensions{
		Entries:    d.Entries + o.Entries,
		Queries:    d.Queries + o.Queries,
		Candidates: d.Candidates + o.Candidates,
	}
}

// EntriesFor returns the number of query entries a pattern of size bases needs.
func EntriesFor(size uint32) uint32 {
	return divCeil(size, PEQEntryLength)
}

func divCeil(a, b uint32) uint32 {
	return (a + b - 1) / b
}

func isPow2(x uint32) bool {
	return x != 0 && x&(x-1) == 0
}

// symbol maps a base to its PEQ alphabet index.
func symbol(b byte) int {
	switch b {
	case 'A', 'a':
		return 0
	case 'C', 'c':
		return 1
	case 'G', 'g':
		return 2
	case 'T', 't':
		return 3
	default:
		return 4
	}
}

// EncodeQuery writes the PEQ bitmaps of pattern into entries, which must hold
// EntriesFor(len(pattern)) elements.
func EncodeQuery(pattern []byte, entries []QueryEntry) {
	for i := range entries {
		entries[i] = QueryEntry{}
	}
	for i, b := range pattern {
		e := i / PEQEntryLength
		p := i % PEQEntryLength
		entries[e].Bitmap[symbol(b)][p/32] |= 1 << (p % 32)
	}
}

// DecodeQuery reverses EncodeQuery for a pattern of size bases.
func DecodeQuery(entries []QueryEntry, size uint32) []byte {
	const alphabet = "ACGTN"
	out := make([]byte, size)
	for i := range out {
		e := i / PEQEntryLength
		p := i % PEQEntryLength
		out[i] = 'N'
		for s := 0; s < PEQAlphabetSize; s++ {
			if entries[e].Bitmap[s][p/32]&(1<<(p%32)) != 0 {
				out[i] = alphabet[s]
				break
			}
		}
	}
	return out
}
