package bpm

import (
	"fmt"

	"github.com/23skdu/bpmstage/internal/gpu"
	"github.com/23skdu/bpmstage/internal/memory"
)

// HostKernel verifies candidates on a simulated device's stream.
//
// Each candidate's query is decoded from its PEQ entries and aligned against
// the reference window with the bit-parallel edit distance of Myers, in
// 32-bit blocks as the device kernel does. The result is the lowest score
// over all window columns and the first column reaching it.
type HostKernel struct {
	reference []byte
}

// NewHostKernel returns a kernel that verifies against reference.
func NewHostKernel(reference []byte) *HostKernel {
	return &HostKernel{reference: reference}
}

// Process enqueues verification of the buffer described by args.
func (k *HostKernel) Process(dev gpu.Device, stream gpu.Stream, args KernelArgs) error {
	sim, ok := dev.(*gpu.SimDevice)
	if !ok {
		return fmt.Errorf("host kernel needs a simulated device, got %T", dev)
	}
	return sim.Launch(stream, func() error {
		mem, err := sim.Memory(args.Base, args.Layout.Size())
		if err != nil {
			return err
		}
		k.run(mem, args)
		return nil
	})
}

func (k *HostKernel) run(mem []byte, args KernelArgs) {
	l := args.Layout
	entries := memory.View[QueryEntry](mem, l.Region(RegionPEQEntries))
	infos := memory.View[QueryInfo](mem, l.Region(RegionQueryInfo))
	cands := memory.View[CandidateInfo](mem, l.Region(RegionCandidates))

	if !args.Binning {
		out := memory.View[Alignment](mem, l.Region(RegionAlignments))
		for i := range cands[:args.NumCandidates] {
			out[i] = k.verify(entries, infos, cands[i])
		}
		return
	}

	slots := memory.View[uint32](mem, l.Region(RegionReorderBuffer))[:args.NumReordered]
	out := memory.View[Alignment](mem, l.Region(RegionReorderAlignments))
	for i, c := range slots {
		out[i] = k.verify(entries, infos, cands[c])
	}
}

func (k *HostKernel) window(position uint64, size uint32) []byte {
	n := uint64(len(k.reference))
	if position >= n {
		return nil
	}
	return k.reference[position:min(position+uint64(size), n)]
}

func (k *HostKernel) verify(entries []QueryEntry, infos []QueryInfo, c CandidateInfo) Alignment {
	q := infos[c.Query]
	return bpmAlign(entries[q.PosEntry:q.PosEntry+EntriesFor(q.Size)], q.Size, k.window(c.Position, c.Size))
}

// bpmAlign runs the multi-block Myers recurrence of a pattern of size bases
// over text, starting every column with a free text prefix.
func bpmAlign(entries []QueryEntry, size uint32, text []byte) Alignment {
	if size == 0 {
		return Alignment{Column: 0, Score: 0}
	}
	if len(text) == 0 {
		return Alignment{Column: 0, Score: size}
	}

	words := int(divCeil(size, 32))
	pv := make([]uint32, words)
	mv := make([]uint32, words)
	for w := range pv {
		pv[w] = ^uint32(0)
	}
	lastBit := uint32(1) << ((size - 1) % 32)

	best := Alignment{Column: 0, Score: ^uint32(0)}
	score := size
	for col, b := range text {
		s := symbol(b)
		hin := 0
		for w := 0; w < words; w++ {
			eq := entries[w/PEQSubEntries].Bitmap[s][w%PEQSubEntries]
			var ph, mh uint32
			pv[w], mv[w], ph, mh, hin = bpmBlock(pv[w], mv[w], eq, hin)
			if w == words-1 {
				switch {
				case ph&lastBit != 0:
					score++
				case mh&lastBit != 0:
					score--
				}
			}
		}
		if score < best.Score {
			best = Alignment{Column: uint32(col), Score: score}
		}
	}
	return best
}

// bpmBlock advances one 32-row block by one text column. hin and hout are
// the horizontal deltas entering the top and leaving the bottom of the block;
// ph and mh are the unshifted horizontal delta vectors.
func bpmBlock(pv, mv, eq uint32, hin int) (pvOut, mvOut, ph, mh uint32, hout int) {
	var hinNeg uint32
	if hin < 0 {
		hinNeg = 1
	}
	xv := eq | mv
	eq |= hinNeg
	xh := (((eq & pv) + pv) ^ pv) | eq
	ph = mv | ^(xh | pv)
	mh = pv & xh

	switch {
	case ph&(1<<31) != 0:
		hout = 1
	case mh&(1<<31) != 0:
		hout = -1
	}

	phs := ph<<1 | boolBit(hin > 0)
	mhs := mh<<1 | hinNeg
	pvOut = mhs | ^(xv | phs)
	mvOut = phs & xv
	return pvOut, mvOut, ph, mh, hout
}

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
