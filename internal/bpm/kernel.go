package bpm

import (
	"github.com/23skdu/bpmstage/internal/gpu"
	"github.com/23skdu/bpmstage/internal/memory"
)

// KernelArgs describes a sent buffer to the verification kernel.
type KernelArgs struct {
	// Layout addresses the regions relative to Base.
	Layout memory.Layout
	Base   gpu.DevicePtr

	NumEntries    uint32
	NumQueries    uint32
	NumCandidates uint32
	NumReordered  uint32
	NumWarps      uint32

	Binning bool
	BinSize uint32
}

// Region returns the device address of the named region.
func (a KernelArgs) Region(name string) gpu.DevicePtr {
	return a.Base.Add(a.Layout.Region(name).Offset)
}

// Kernel verifies the candidates of a buffer already copied to the device.
//
// Process must enqueue its work on stream and return without waiting for it;
// results are read back by the copy the caller queues after it. With binning
// the kernel writes one result per reorder slot into reorder_alignments,
// otherwise one result per candidate into alignments.
type Kernel interface {
	Process(dev gpu.Device, stream gpu.Stream, args KernelArgs) error
}
