//go:build gpu

package gpu

/*
#cgo LDFLAGS: -lcudart
#include <stdlib.h>
#include <cuda_runtime.h>
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/rs/zerolog"
)

// CUDADevice drives a CUDA device through the runtime API.
type CUDADevice struct {
	id      int
	logger  zerolog.Logger
	mu      sync.Mutex
	streams []C.cudaStream_t
	closed  bool
}

func cudaCheck(op string, rc C.cudaError_t) error {
	if rc == C.cudaSuccess {
		return nil
	}
	return fmt.Errorf("%s: %s", op, C.GoString(C.cudaGetErrorString(rc)))
}

// NewCUDADevice opens the CUDA device with the given ordinal.
func NewCUDADevice(id int, logger zerolog.Logger) (Device, error) {
	var count C.int
	if err := cudaCheck("cudaGetDeviceCount", C.cudaGetDeviceCount(&count)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGPUNotAvailable, err)
	}
	if id < 0 || id >= int(count) {
		return nil, fmt.Errorf("device %d of %d: %w", id, int(count), ErrGPUNotAvailable)
	}
	return &CUDADevice{id: id, logger: logger.With().Int("device", id).Str("kind", "cuda").Logger()}, nil
}

// CUDAAvailable reports whether accelerator support is compiled in.
func CUDAAvailable() bool { return true }

func (d *CUDADevice) ID() int { return d.id }

func (d *CUDADevice) Select() error {
	return cudaCheck("cudaSetDevice", C.cudaSetDevice(C.int(d.id)))
}

func (d *CUDADevice) AllocHost(n int) ([]byte, error) {
	var p unsafe.Pointer
	if err := cudaCheck("cudaHostAlloc", C.cudaHostAlloc(&p, C.size_t(n), C.cudaHostAllocMapped)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	return unsafe.Slice((*byte)(p), n), nil
}

func (d *CUDADevice) FreeHost(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return cudaCheck("cudaFreeHost", C.cudaFreeHost(unsafe.Pointer(&b[0])))
}

func (d *CUDADevice) AllocDevice(n int) (DevicePtr, error) {
	var p unsafe.Pointer
	if err := cudaCheck("cudaMalloc", C.cudaMalloc(&p, C.size_t(n))); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	return DevicePtr(uintptr(p)), nil
}

func (d *CUDADevice) FreeDevice(p DevicePtr) error {
	return cudaCheck("cudaFree", C.cudaFree(unsafe.Pointer(uintptr(p))))
}

func (d *CUDADevice) NewStream() (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var s C.cudaStream_t
	if err := cudaCheck("cudaStreamCreate", C.cudaStreamCreate(&s)); err != nil {
		return 0, err
	}
	d.streams = append(d.streams, s)
	return Stream(len(d.streams) - 1), nil
}

func (d *CUDADevice) stream(s Stream) (C.cudaStream_t, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(s) < 0 || int(s) >= len(d.streams) {
		return nil, fmt.Errorf("stream %d: %w", s, ErrInvalidStream)
	}
	return d.streams[s], nil
}

// RawStream exposes the CUDA stream handle to kernel launchers.
func (d *CUDADevice) RawStream(s Stream) (unsafe.Pointer, error) {
	st, err := d.stream(s)
	return unsafe.Pointer(st), err
}

func (d *CUDADevice) CopyHostToDevice(s Stream, dst DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	st, err := d.stream(s)
	if err != nil {
		return err
	}
	return cudaCheck("cudaMemcpyAsync(h2d)", C.cudaMemcpyAsync(unsafe.Pointer(uintptr(dst)), unsafe.Pointer(&src[0]),
		C.size_t(len(src)), C.cudaMemcpyHostToDevice, st))
}

func (d *CUDADevice) CopyDeviceToHost(s Stream, dst []byte, src DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	st, err := d.stream(s)
	if err != nil {
		return err
	}
	return cudaCheck("cudaMemcpyAsync(d2h)", C.cudaMemcpyAsync(unsafe.Pointer(&dst[0]), unsafe.Pointer(uintptr(src)),
		C.size_t(len(dst)), C.cudaMemcpyDeviceToHost, st))
}

func (d *CUDADevice) Synchronize(s Stream) error {
	st, err := d.stream(s)
	if err != nil {
		return err
	}
	return cudaCheck("cudaStreamSynchronize", C.cudaStreamSynchronize(st))
}

func (d *CUDADevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for _, st := range d.streams {
		if err := cudaCheck("cudaStreamDestroy", C.cudaStreamDestroy(st)); err != nil {
			return err
		}
	}
	d.streams = nil
	return nil
}
