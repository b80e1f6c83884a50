//go:build !gpu

package gpu

import "github.com/rs/zerolog"

// NewCUDADevice returns ErrGPUNotAvailable in builds without the gpu tag.
func NewCUDADevice(id int, logger zerolog.Logger) (Device, error) {
	return nil, ErrGPUNotAvailable
}

// CUDAAvailable reports whether accelerator support is compiled in.
func CUDAAvailable() bool { return false }
