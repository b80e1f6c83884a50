package gpu

import (
	"fmt"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"github.com/23skdu/bpmstage/internal/memory"
	"github.com/23skdu/bpmstage/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// simBaseAlignment matches the allocation granularity of real device allocators.
const simBaseAlignment = 256

// Op names a device operation a fault can be injected into.
type Op string

const (
	OpSelect      Op = "select"
	OpAllocHost   Op = "alloc_host"
	OpAllocDevice Op = "alloc_device"
	OpCopy        Op = "copy"
	OpLaunch      Op = "launch"
	OpSynchronize Op = "synchronize"
	// OpExecute fails the next operation a stream executes; the failure
	// surfaces from Synchronize, like an asynchronous kernel fault.
	OpExecute Op = "execute"
)

// SimConfig configures a host-simulated device.
type SimConfig struct {
	// HostMemoryBytes caps pinned host memory. 0 means unlimited.
	HostMemoryBytes int64
	// DeviceMemoryBytes caps device memory. 0 means unlimited.
	DeviceMemoryBytes int64
	// OpLatency delays every stream operation, making asynchrony observable.
	OpLatency time.Duration
	// QueueDepth bounds the operations queued per stream before Enqueue blocks.
	QueueDepth int
}

// SimDevice is a Device whose memory and streams live in the host process.
//
// Device memory is ordinary Go memory addressed through DevicePtr values that
// pack an allocation id in the upper 32 bits and a byte offset in the lower
// 32 bits. Each stream is a goroutine executing its queue in order.
type SimDevice struct {
	id     int
	cfg    SimConfig
	logger zerolog.Logger
	label  string

	hostSem *semaphore.Weighted
	devSem  *semaphore.Weighted

	mu          sync.Mutex
	allocs      map[uint32][]byte
	nextAlloc   uint32
	hostAllocs  map[uintptr]int
	hostBytes   int64
	deviceBytes int64
	streams     []*simStream
	faults      map[Op]error
	closed      bool
}

// NewSimDevice creates a host-simulated device with the given ordinal.
func NewSimDevice(id int, cfg SimConfig, logger zerolog.Logger) *SimDevice {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	d := &SimDevice{
		id:         id,
		cfg:        cfg,
		logger:     logger.With().Int("device", id).Str("kind", "sim").Logger(),
		label:      strconv.Itoa(id),
		allocs:     make(map[uint32][]byte),
		nextAlloc:  1,
		hostAllocs: make(map[uintptr]int),
		faults:     make(map[Op]error),
	}
	if cfg.HostMemoryBytes > 0 {
		d.hostSem = semaphore.NewWeighted(cfg.HostMemoryBytes)
	}
	if cfg.DeviceMemoryBytes > 0 {
		d.devSem = semaphore.NewWeighted(cfg.DeviceMemoryBytes)
	}
	return d
}

// ID returns the device ordinal.
func (d *SimDevice) ID() int { return d.id }

// InjectFault makes every subsequent op of the given kind fail with err.
func (d *SimDevice) InjectFault(op Op, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = err
}

// ClearFaults removes all injected faults.
func (d *SimDevice) ClearFaults() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = make(map[Op]error)
}

func (d *SimDevice) faultLocked(op Op) error {
	if d.closed {
		return ErrDeviceClosed
	}
	if err, ok := d.faults[op]; ok {
		return fmt.Errorf("%s on device %d: %w", op, d.id, err)
	}
	return nil
}

func (d *SimDevice) check(op Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.faultLocked(op)
}

// Select is a no-op beyond fault injection; simulated devices have no
// per-thread current device.
func (d *SimDevice) Select() error {
	return d.check(OpSelect)
}

// AllocHost allocates aligned host memory counted against the pinned budget.
func (d *SimDevice) AllocHost(n int) ([]byte, error) {
	if err := d.check(OpAllocHost); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("gpu: invalid host allocation size %d", n)
	}
	if d.hostSem != nil && !d.hostSem.TryAcquire(int64(n)) {
		return nil, fmt.Errorf("pinned host allocation of %d bytes: %w", n, ErrOutOfMemory)
	}

	buf := memory.AllocAligned(n, simBaseAlignment)

	d.mu.Lock()
	d.hostAllocs[uintptr(unsafe.Pointer(&buf[0]))] = n //nolint:gosec // allocation identity
	d.hostBytes += int64(n)
	metrics.DeviceMemoryBytes.WithLabelValues(d.label, "pinned").Set(float64(d.hostBytes))
	d.mu.Unlock()

	return buf, nil
}

// FreeHost releases memory returned by AllocHost.
func (d *SimDevice) FreeHost(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	key := uintptr(unsafe.Pointer(&b[0])) //nolint:gosec // allocation identity

	d.mu.Lock()
	n, ok := d.hostAllocs[key]
	if ok {
		delete(d.hostAllocs, key)
		d.hostBytes -= int64(n)
		metrics.DeviceMemoryBytes.WithLabelValues(d.label, "pinned").Set(float64(d.hostBytes))
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("gpu: free of unknown host allocation")
	}
	if d.hostSem != nil {
		d.hostSem.Release(int64(n))
	}
	return nil
}

// AllocDevice allocates zeroed device memory counted against the device budget.
func (d *SimDevice) AllocDevice(n int) (DevicePtr, error) {
	if n <= 0 || int64(n) > 1<<32-1 {
		return 0, fmt.Errorf("gpu: invalid device allocation size %d", n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.faultLocked(OpAllocDevice); err != nil {
		return 0, err
	}
	if d.devSem != nil && !d.devSem.TryAcquire(int64(n)) {
		return 0, fmt.Errorf("device allocation of %d bytes: %w", n, ErrOutOfMemory)
	}

	id := d.nextAlloc
	d.nextAlloc++
	d.allocs[id] = make([]byte, n)
	d.deviceBytes += int64(n)
	metrics.DeviceMemoryBytes.WithLabelValues(d.label, "device").Set(float64(d.deviceBytes))

	return DevicePtr(uint64(id) << 32), nil
}

// FreeDevice releases memory returned by AllocDevice.
func (d *SimDevice) FreeDevice(p DevicePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := uint32(p >> 32)
	buf, ok := d.allocs[id]
	if !ok || uint32(p) != 0 {
		return fmt.Errorf("free %#x: %w", uint64(p), ErrInvalidPointer)
	}
	delete(d.allocs, id)
	d.deviceBytes -= int64(len(buf))
	metrics.DeviceMemoryBytes.WithLabelValues(d.label, "device").Set(float64(d.deviceBytes))
	if d.devSem != nil {
		d.devSem.Release(int64(len(buf)))
	}
	return nil
}

// Memory returns the n device bytes starting at p.
// Simulated kernels use it from inside stream operations.
func (d *SimDevice) Memory(p DevicePtr, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolveLocked(p, n)
}

func (d *SimDevice) resolveLocked(p DevicePtr, n int) ([]byte, error) {
	buf, ok := d.allocs[uint32(p>>32)]
	if !ok {
		return nil, fmt.Errorf("resolve %#x: %w", uint64(p), ErrInvalidPointer)
	}
	off := int(uint32(p))
	if n < 0 || off+n > len(buf) {
		return nil, fmt.Errorf("resolve %#x+%d beyond %d-byte allocation: %w", uint64(p), n, len(buf), ErrInvalidPointer)
	}
	return buf[off : off+n : off+n], nil
}

// NewStream starts a stream worker.
func (d *SimDevice) NewStream() (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrDeviceClosed
	}
	s := newSimStream(d.cfg.QueueDepth, d.cfg.OpLatency, d.label)
	d.streams = append(d.streams, s)
	return Stream(len(d.streams) - 1), nil
}

func (d *SimDevice) stream(s Stream) (*simStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	if int(s) < 0 || int(s) >= len(d.streams) {
		return nil, fmt.Errorf("stream %d: %w", s, ErrInvalidStream)
	}
	st := d.streams[s]
	if err, ok := d.faults[OpExecute]; ok {
		st.failNext(fmt.Errorf("%s on device %d: %w", OpExecute, d.id, err))
	}
	return st, nil
}

// CopyHostToDevice enqueues a host to device copy on s.
func (d *SimDevice) CopyHostToDevice(s Stream, dst DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	d.mu.Lock()
	if err := d.faultLocked(OpCopy); err != nil {
		d.mu.Unlock()
		return err
	}
	target, err := d.resolveLocked(dst, len(src))
	d.mu.Unlock()
	if err != nil {
		return err
	}

	st, err := d.stream(s)
	if err != nil {
		return err
	}
	st.enqueue(func() error {
		copy(target, src)
		return nil
	})
	return nil
}

// CopyDeviceToHost enqueues a device to host copy on s.
func (d *SimDevice) CopyDeviceToHost(s Stream, dst []byte, src DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	d.mu.Lock()
	if err := d.faultLocked(OpCopy); err != nil {
		d.mu.Unlock()
		return err
	}
	source, err := d.resolveLocked(src, len(dst))
	d.mu.Unlock()
	if err != nil {
		return err
	}

	st, err := d.stream(s)
	if err != nil {
		return err
	}
	st.enqueue(func() error {
		copy(dst, source)
		return nil
	})
	return nil
}

// Launch enqueues a simulated kernel on s.
func (d *SimDevice) Launch(s Stream, kernel func() error) error {
	if err := d.check(OpLaunch); err != nil {
		return err
	}
	st, err := d.stream(s)
	if err != nil {
		return err
	}
	st.enqueue(kernel)
	return nil
}

// Synchronize blocks until s drains and returns the first failure it hit.
// Failures are sticky: once a stream has failed every later Synchronize
// reports the same error.
func (d *SimDevice) Synchronize(s Stream) error {
	if err := d.check(OpSynchronize); err != nil {
		return err
	}
	st, err := d.stream(s)
	if err != nil {
		return err
	}
	return st.synchronize()
}

// Close drains and stops every stream and releases all memory.
func (d *SimDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	streams := d.streams
	d.streams = nil
	d.mu.Unlock()

	for _, st := range streams {
		st.close()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.allocs = make(map[uint32][]byte)
	d.hostAllocs = make(map[uintptr]int)
	d.hostBytes = 0
	d.deviceBytes = 0
	metrics.DeviceMemoryBytes.WithLabelValues(d.label, "pinned").Set(0)
	metrics.DeviceMemoryBytes.WithLabelValues(d.label, "device").Set(0)
	d.logger.Debug().Int("streams", len(streams)).Msg("device closed")
	return nil
}

// MemoryInUse returns the pinned host and device bytes currently allocated.
func (d *SimDevice) MemoryInUse() (host, device int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hostBytes, d.deviceBytes
}
