package bpm

import (
	"time"

	bperrors "github.com/23skdu/bpmstage/internal/errors"
	"github.com/23skdu/bpmstage/internal/memory"
	"github.com/23skdu/bpmstage/internal/metrics"
)

const (
	transferCompacted = "compacted"
	transferDiscrete  = "discrete"
	transferResults   = "results"
)

// Send bins the staged candidates, queues their transfer to the device, the
// kernel launch and the copy of results back, all on the buffer's stream.
// It does not wait for any of them. binSize 0, or any size that is not a
// power of two, enables length binning; a power of two gives every candidate
// binSize lanes.
func (b *Buffer) Send(binSize uint32) error {
	if b.closed {
		return ErrBufferClosed
	}
	if b.inFlight {
		return bperrors.WrapPipelineError(ErrBufferInFlight, "send", "buffer already sent")
	}
	if b.host == nil {
		return bperrors.WrapCapacityError(ErrBufferReleased, "send", "buffer memory was released")
	}
	if err := b.dev.Select(); err != nil {
		return bperrors.WrapDeviceError(err, "send", "select device")
	}

	b.binning = BinningEnabled(binSize)
	b.binSize = binSize
	if b.binning {
		b.binSize = 0
	}
	d := b.dims
	b.numReordered = Reorder(b.infos[:d.Queries], b.cands[:d.Candidates], b.binSize, &b.table)

	stats := b.table.Stats(b.binSize, d.Candidates)
	metrics.BinningWarps.Observe(float64(b.table.NumWarps))
	metrics.BinningPaddingSlotsTotal.Add(float64(stats.PaddingSlots))

	b.inFlight = true
	mode, err := b.transferInputs()
	if err != nil {
		return err
	}

	args := KernelArgs{
		Layout:        b.layout,
		Base:          b.base,
		NumEntries:    d.Entries,
		NumQueries:    d.Queries,
		NumCandidates: d.Candidates,
		NumReordered:  b.numReordered,
		NumWarps:      b.table.NumWarps,
		Binning:       b.binning,
		BinSize:       b.binSize,
	}
	if err := b.kernel.Process(b.dev, b.stream, args); err != nil {
		return bperrors.WrapDeviceError(err, "send", "launch kernel").
			WithContext("warps", b.table.NumWarps)
	}
	if err := b.transferResults(); err != nil {
		return err
	}

	b.logger.Debug().
		Str("mode", mode).
		Bool("binning", b.binning).
		Uint32("candidates", d.Candidates).
		Uint32("warps", b.table.NumWarps).
		Int("buckets", stats.NonEmptyBuckets).
		Uint32("padding", stats.PaddingSlots).
		Msg("buffer sent")
	return nil
}

// copyBytes is the size of the live data across every region.
func (b *Buffer) copyBytes() int {
	d := b.dims
	return int(d.Entries)*sizeQueryEntry +
		int(d.Queries)*sizeQueryInfo +
		int(d.Candidates)*sizeCandidateInfo +
		int(b.table.ElementsPerBuffer)*sizeSlot +
		2*NumBuckets*sizeSlot +
		int(b.numReordered)*sizeAlignment +
		int(d.Candidates)*sizeAlignment
}

// transferInputs copies the inputs and reorder tables in one span when the
// buffer is well utilized and region by region otherwise.
func (b *Buffer) transferInputs() (string, error) {
	utilization := float64(b.copyBytes()) / float64(b.size)
	metrics.BufferUtilization.Observe(utilization)

	l := b.layout
	if utilization > CompactCopyThreshold {
		first := l.Region(RegionPEQEntries)
		last := l.Region(RegionInitWarpPerBucket)
		span := memory.Region{Name: "inputs", Offset: first.Offset, Count: last.End() - first.Offset, ElemSize: 1}
		return transferCompacted, b.toDevice(span, span.Size(), transferCompacted)
	}

	d := b.dims
	copies := []struct {
		region string
		bytes  int
	}{
		{RegionPEQEntries, int(d.Entries) * sizeQueryEntry},
		{RegionQueryInfo, int(d.Queries) * sizeQueryInfo},
		{RegionCandidates, int(d.Candidates) * sizeCandidateInfo},
		{RegionReorderBuffer, int(b.table.ElementsPerBuffer) * sizeSlot},
		{RegionInitPosPerBucket, NumBuckets * sizeSlot},
		{RegionInitWarpPerBucket, NumBuckets * sizeSlot},
	}
	for _, c := range copies {
		if err := b.toDevice(l.Region(c.region), c.bytes, transferDiscrete); err != nil {
			return transferDiscrete, err
		}
	}
	return transferDiscrete, nil
}

func (b *Buffer) toDevice(r memory.Region, n int, mode string) error {
	if n == 0 {
		return nil
	}
	src := b.host[r.Offset : r.Offset+n]
	if err := b.dev.CopyHostToDevice(b.stream, b.base.Add(r.Offset), src); err != nil {
		return bperrors.WrapDeviceError(err, "send", "host to device copy").
			WithContext("region", r.Name).
			WithContext("bytes", n)
	}
	metrics.TransfersTotal.WithLabelValues("h2d", mode).Inc()
	metrics.TransferBytesTotal.WithLabelValues("h2d").Add(float64(n))
	return nil
}

// transferResults queues the copy of the kernel output back to the host:
// the reordered results when binning, the direct results otherwise.
func (b *Buffer) transferResults() error {
	r := b.layout.Region(RegionAlignments)
	n := int(b.dims.Candidates) * sizeAlignment
	if b.binning {
		r = b.layout.Region(RegionReorderAlignments)
		n = int(b.numReordered) * sizeAlignment
	}
	if n == 0 {
		return nil
	}
	dst := b.host[r.Offset : r.Offset+n]
	if err := b.dev.CopyDeviceToHost(b.stream, dst, b.base.Add(r.Offset)); err != nil {
		return bperrors.WrapDeviceError(err, "send", "device to host copy").
			WithContext("region", r.Name).
			WithContext("bytes", n)
	}
	metrics.TransfersTotal.WithLabelValues("d2h", transferResults).Inc()
	metrics.TransferBytesTotal.WithLabelValues("d2h").Add(float64(n))
	return nil
}

// Receive blocks until the buffer's stream has drained and restores the
// results to candidate order. It is the only blocking call of a buffer.
func (b *Buffer) Receive() error {
	if !b.inFlight {
		return bperrors.NewPipelineError("receive", "buffer was not sent")
	}
	if err := b.dev.Select(); err != nil {
		return bperrors.WrapDeviceError(err, "receive", "select device")
	}

	start := time.Now()
	err := b.dev.Synchronize(b.stream)
	metrics.StreamSyncSeconds.Observe(time.Since(start).Seconds())
	b.inFlight = false
	if err != nil {
		return bperrors.WrapDeviceError(err, "receive", "synchronize stream")
	}

	b.unreorder()
	return nil
}

// unreorder writes each reordered result back to its candidate. Padding
// slots repeat a candidate and rewrite the same value. Candidates without a
// slot keep InvalidAlignment.
func (b *Buffer) unreorder() {
	if !b.binning {
		return
	}
	out := b.alignments[:b.dims.Candidates]
	for i := range out {
		out[i] = InvalidAlignment
	}
	for i, c := range b.table.ReorderBuffer[:b.numReordered] {
		out[c] = b.reorderAlignments[i]
	}
}
