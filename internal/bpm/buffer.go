package bpm

import (
	"errors"
	"fmt"
	"strconv"

	bperrors "github.com/23skdu/bpmstage/internal/errors"
	"github.com/23skdu/bpmstage/internal/gpu"
	"github.com/23skdu/bpmstage/internal/memory"
	"github.com/23skdu/bpmstage/internal/metrics"
	"github.com/rs/zerolog"
)

var (
	// ErrBufferInFlight is returned when a buffer is modified while its
	// stream still has work queued against it.
	ErrBufferInFlight = errors.New("bpm: buffer has outstanding asynchronous work")
	// ErrCapacityExceeded is returned when encoding past the derived capacity.
	ErrCapacityExceeded = errors.New("bpm: buffer capacity exceeded")
	// ErrBufferClosed is returned by operations on a closed buffer.
	ErrBufferClosed = errors.New("bpm: buffer closed")
	// ErrBufferReleased is returned when a buffer lost its memory to a
	// failed Resize and has not been reallocated since.
	ErrBufferReleased = errors.New("bpm: buffer has no memory")
)

// Buffer is a pinned host allocation and its device twin laid out for BPM
// verification, bound to one device and one stream.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	dev    gpu.Device
	stream gpu.Stream
	kernel Kernel
	logger zerolog.Logger

	deviceLabel string
	bufferLabel string

	size int
	host []byte
	base gpu.DevicePtr

	avgQuerySize       uint32
	candidatesPerQuery uint32
	capacity           Capacity
	layout             memory.Layout

	entries           []QueryEntry
	infos             []QueryInfo
	cands             []CandidateInfo
	table             ReorderTable
	reorderAlignments []Alignment
	alignments        []Alignment

	dims         Dimensions
	numReordered uint32
	binSize      uint32
	binning      bool

	inFlight bool
	closed   bool
}

// NewBuffer allocates a buffer of sizeBuffer bytes on dev and lays it out for
// queries averaging avgQuerySize bases with candidatesPerQuery candidates each.
// index is the buffer's slot in its pool; several buffers may share a stream
// but never an index.
func NewBuffer(dev gpu.Device, stream gpu.Stream, index int, sizeBuffer int, avgQuerySize, candidatesPerQuery uint32, kernel Kernel, logger zerolog.Logger) (*Buffer, error) {
	b := &Buffer{
		dev:         dev,
		stream:      stream,
		kernel:      kernel,
		deviceLabel: strconv.Itoa(dev.ID()),
		bufferLabel: strconv.Itoa(index),
	}
	b.logger = logger.With().
		Int("device", dev.ID()).
		Int("buffer", index).
		Int("stream", int(stream)).
		Logger()

	if err := b.allocate(sizeBuffer); err != nil {
		return nil, err
	}
	if err := b.reinit(avgQuerySize, candidatesPerQuery); err != nil {
		_ = b.release()
		return nil, err
	}
	b.logger.Debug().
		Int("bytes", sizeBuffer).
		Stringer("capacity", b.capacity).
		Msg("staging buffer allocated")
	return b, nil
}

func (b *Buffer) allocate(size int) error {
	if err := b.dev.Select(); err != nil {
		return bperrors.WrapDeviceError(err, "allocate", "select device")
	}
	host, err := b.dev.AllocHost(size)
	if err != nil {
		return bperrors.WrapDeviceError(err, "allocate", "pinned host allocation").
			WithContext("bytes", size)
	}
	base, err := b.dev.AllocDevice(size)
	if err != nil {
		_ = b.dev.FreeHost(host)
		return bperrors.WrapDeviceError(err, "allocate", "device allocation").
			WithContext("bytes", size)
	}
	b.host, b.base, b.size = host, base, size
	metrics.BufferSizeBytes.WithLabelValues(b.deviceLabel, b.bufferLabel).Set(float64(size))
	return nil
}

func (b *Buffer) release() error {
	if b.host == nil {
		return nil
	}
	var errs []error
	if err := b.dev.FreeHost(b.host); err != nil {
		errs = append(errs, err)
	}
	if err := b.dev.FreeDevice(b.base); err != nil {
		errs = append(errs, err)
	}
	b.host, b.base, b.size = nil, 0, 0
	if err := errors.Join(errs...); err != nil {
		return bperrors.WrapDeviceError(err, "release", "free buffer memory")
	}
	return nil
}

// reinit re-derives capacity and layout for new ratios at the current size.
func (b *Buffer) reinit(avgQuerySize, candidatesPerQuery uint32) error {
	c := DeriveCapacity(b.size, avgQuerySize, candidatesPerQuery)
	l := NewLayout(c)
	if l.Size() > b.size {
		return bperrors.WrapCapacityError(ErrCapacityExceeded, "reinit", "layout exceeds allocation").
			WithContext("layout_bytes", l.Size()).
			WithContext("buffer_bytes", b.size)
	}

	b.avgQuerySize = max(avgQuerySize, 1)
	b.candidatesPerQuery = max(candidatesPerQuery, 1)
	b.capacity = c
	b.layout = l

	b.entries = memory.View[QueryEntry](b.host, l.Region(RegionPEQEntries))
	b.infos = memory.View[QueryInfo](b.host, l.Region(RegionQueryInfo))
	b.cands = memory.View[CandidateInfo](b.host, l.Region(RegionCandidates))
	b.table = ReorderTable{
		ReorderBuffer:     memory.View[uint32](b.host, l.Region(RegionReorderBuffer)),
		InitPosPerBucket:  memory.View[uint32](b.host, l.Region(RegionInitPosPerBucket)),
		InitWarpPerBucket: memory.View[uint32](b.host, l.Region(RegionInitWarpPerBucket)),
	}
	b.reorderAlignments = memory.View[Alignment](b.host, l.Region(RegionReorderAlignments))
	b.alignments = memory.View[Alignment](b.host, l.Region(RegionAlignments))
	b.resetCounts()
	return nil
}

// drop detaches the views and capacity from memory that is gone. Nothing can
// be encoded or sent until the memory is allocated again.
func (b *Buffer) drop() {
	b.capacity = Capacity{}
	b.layout = memory.Layout{}
	b.entries, b.infos, b.cands = nil, nil, nil
	b.table = ReorderTable{}
	b.reorderAlignments, b.alignments = nil, nil
	b.resetCounts()
	metrics.BufferSizeBytes.WithLabelValues(b.deviceLabel, b.bufferLabel).Set(0)
}

func (b *Buffer) resetCounts() {
	b.dims = Dimensions{}
	b.numReordered = 0
	b.binSize = 0
	b.binning = false
}

// Device returns the device the buffer lives on.
func (b *Buffer) Device() gpu.Device { return b.dev }

// Stream returns the stream the buffer's work is queued on.
func (b *Buffer) Stream() gpu.Stream { return b.stream }

// Size returns the byte size of the host and device allocations.
func (b *Buffer) Size() int { return b.size }

// Capacity returns the limits of the current layout.
func (b *Buffer) Capacity() Capacity { return b.capacity }

// Layout returns the current region table.
func (b *Buffer) Layout() memory.Layout { return b.layout }

// Dimensions returns the work encoded so far.
func (b *Buffer) Dimensions() Dimensions { return b.dims }

// Empty reports whether nothing has been encoded since the last Clear.
func (b *Buffer) Empty() bool { return b.dims == Dimensions{} }

// InFlight reports whether the buffer has been sent and not yet received.
func (b *Buffer) InFlight() bool { return b.inFlight }

// Binning reports whether the last Send binned candidates by query length.
func (b *Buffer) Binning() bool { return b.binning }

// NumReordered returns the number of reordered results of the last Send.
func (b *Buffer) NumReordered() uint32 { return b.numReordered }

// Table returns the reorder table of the last Send.
func (b *Buffer) Table() *ReorderTable { return &b.table }

// Ratios returns the query size and candidates per query the layout assumes.
func (b *Buffer) Ratios() (avgQuerySize, candidatesPerQuery uint32) {
	return b.avgQuerySize, b.candidatesPerQuery
}

// Fits reports whether d can be encoded on top of the current contents.
//
// A buffer holding work never grows; it reports false so the caller moves on.
// An empty buffer is re-laid out for the ratios of d and, if that is still
// too small, reallocated with headroom. An error means the device could not
// provide the memory.
func (b *Buffer) Fits(d Dimensions) (bool, error) {
	if b.closed {
		return false, ErrBufferClosed
	}
	if b.host != nil && b.capacity.Fits(b.dims.Add(d)) {
		return true, nil
	}
	if !b.Empty() {
		return false, nil
	}

	avg, cpq := RatiosOf(d)
	if b.host == nil {
		// A failed Resize left no memory behind; retry the allocation.
		b.avgQuerySize, b.candidatesPerQuery = avg, cpq
	} else {
		if err := b.reinit(avg, cpq); err != nil {
			return false, err
		}
		if b.capacity.Fits(d) {
			return true, nil
		}
	}

	newSize := GrowSize(d)
	b.logger.Info().
		Int("old_bytes", b.size).
		Int("new_bytes", newSize).
		Uint32("entries", d.Entries).
		Uint32("queries", d.Queries).
		Uint32("candidates", d.Candidates).
		Msg("growing staging buffer")
	if err := b.Resize(newSize); err != nil {
		return false, err
	}
	if !b.capacity.Fits(d) {
		return false, bperrors.WrapCapacityError(ErrCapacityExceeded, "fits", "grown buffer still too small").
			WithContext("bytes", b.size).
			WithContext("capacity", b.capacity.String())
	}
	return true, nil
}

// Resize frees the buffer's memory and allocates newSize bytes, keeping the
// current ratios. Contents are discarded.
func (b *Buffer) Resize(newSize int) error {
	if b.closed {
		return ErrBufferClosed
	}
	if b.inFlight {
		return bperrors.WrapCapacityError(ErrBufferInFlight, "resize", "resize of a sent buffer")
	}
	if err := b.release(); err != nil {
		b.drop()
		return err
	}
	if err := b.allocate(newSize); err != nil {
		b.drop()
		return err
	}
	metrics.BufferResizesTotal.Inc()
	return b.reinit(b.avgQuerySize, b.candidatesPerQuery)
}

// AddQuery encodes pattern and returns its query index.
func (b *Buffer) AddQuery(pattern []byte) (uint32, error) {
	size := uint32(len(pattern))
	n := EntriesFor(size)
	if b.dims.Queries+1 > b.capacity.MaxQueries || b.dims.Entries+n > b.capacity.MaxPEQEntries {
		return 0, bperrors.WrapCapacityError(ErrCapacityExceeded, "add_query", "query does not fit").
			WithContext("size", size)
	}
	pos := b.dims.Entries
	EncodeQuery(pattern, b.entries[pos:pos+n])

	id := b.dims.Queries
	b.infos[id] = QueryInfo{PosEntry: pos, Size: size}
	b.dims.Entries += n
	b.dims.Queries++
	return id, nil
}

// Query returns the decoded pattern of query i.
func (b *Buffer) Query(i uint32) []byte {
	q := b.infos[i]
	return DecodeQuery(b.entries[q.PosEntry:q.PosEntry+EntriesFor(q.Size)], q.Size)
}

// AddCandidate stages verification of query against the size-base reference
// window at position and returns the candidate index.
func (b *Buffer) AddCandidate(query uint32, position uint64, size uint32) (uint32, error) {
	if query >= b.dims.Queries {
		return 0, bperrors.NewValidationError("add_candidate", "unknown query").
			WithContext("query", query)
	}
	if b.dims.Candidates+1 > b.capacity.MaxCandidates {
		return 0, bperrors.WrapCapacityError(ErrCapacityExceeded, "add_candidate", "candidate does not fit")
	}
	id := b.dims.Candidates
	b.cands[id] = CandidateInfo{Position: position, Query: query, Size: size}
	b.dims.Candidates++
	return id, nil
}

// Candidate returns candidate i.
func (b *Buffer) Candidate(i uint32) CandidateInfo { return b.cands[i] }

// Alignment returns the result for candidate i after Receive.
func (b *Buffer) Alignment(i uint32) Alignment { return b.alignments[i] }

// Clear discards the encoded work so the buffer can be refilled.
func (b *Buffer) Clear() error {
	if b.inFlight {
		return ErrBufferInFlight
	}
	b.resetCounts()
	return nil
}

// Close waits for outstanding work and frees the buffer's memory.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	var errs []error
	if b.inFlight {
		if err := b.dev.Synchronize(b.stream); err != nil {
			errs = append(errs, err)
		}
		b.inFlight = false
	}
	if err := b.release(); err != nil {
		errs = append(errs, err)
	}
	metrics.BufferSizeBytes.DeleteLabelValues(b.deviceLabel, b.bufferLabel)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close buffer: %w", err)
	}
	return nil
}
