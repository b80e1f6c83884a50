package gpu

import "errors"

var (
	// ErrGPUNotAvailable is returned when accelerator support is not compiled in
	ErrGPUNotAvailable = errors.New("GPU support not enabled in this build")
	// ErrOutOfMemory is returned when a host or device allocation exceeds the budget
	ErrOutOfMemory = errors.New("gpu: out of memory")
	// ErrInvalidPointer is returned for device pointers outside any live allocation
	ErrInvalidPointer = errors.New("gpu: invalid device pointer")
	// ErrInvalidStream is returned for streams the device did not create
	ErrInvalidStream = errors.New("gpu: invalid stream")
	// ErrDeviceClosed is returned for operations on a closed device
	ErrDeviceClosed = errors.New("gpu: device closed")
)

// DevicePtr addresses a byte inside device memory.
//
// Pointers are plain addresses: Add moves within an allocation, so a layout
// computed as offsets from a base resolves the same way on host and device.
type DevicePtr uint64

// Add returns the pointer off bytes past p.
func (p DevicePtr) Add(off int) DevicePtr { return p + DevicePtr(off) }

// Stream identifies an in-order queue of asynchronous device operations.
type Stream int

// Device is the capability set the staging layer needs from an accelerator.
//
// Copies and launches are asynchronous and ordered per stream; Synchronize is
// the only blocking call. Every method reports failure through its error; the
// caller decides whether it is fatal.
type Device interface {
	// ID returns the device ordinal.
	ID() int

	// Select makes the device current for the calling thread.
	Select() error

	// AllocHost allocates pinned host memory visible to async copies.
	AllocHost(n int) ([]byte, error)

	// FreeHost releases memory returned by AllocHost.
	FreeHost(b []byte) error

	// AllocDevice allocates n bytes of device memory.
	AllocDevice(n int) (DevicePtr, error)

	// FreeDevice releases memory returned by AllocDevice.
	FreeDevice(p DevicePtr) error

	// NewStream creates an execution stream.
	NewStream() (Stream, error)

	// CopyHostToDevice enqueues a copy of src to dst on s.
	// src must not be modified until s is synchronized.
	CopyHostToDevice(s Stream, dst DevicePtr, src []byte) error

	// CopyDeviceToHost enqueues a copy of len(dst) bytes from src to dst on s.
	CopyDeviceToHost(s Stream, dst []byte, src DevicePtr) error

	// Synchronize blocks until all work queued on s has completed.
	Synchronize(s Stream) error

	// Close releases every stream and allocation held by the device.
	Close() error
}
