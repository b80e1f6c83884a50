package memory

import "unsafe"

// DefaultAlignment is the boundary every region of a staging buffer starts on.
const DefaultAlignment = 16

// AlignUp rounds n up to the next multiple of alignment, which must be a power of two.
func AlignUp(n, alignment int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

// AllocAligned allocates a byte slice of the given size whose first byte sits
// on an address divisible by alignment.
//
// The slice is carved out of a slightly larger allocation; the underlying
// array is kept alive by the returned slice.
func AllocAligned(size, alignment int) []byte {
	if size <= 0 {
		return nil
	}
	if alignment <= 0 {
		alignment = DefaultAlignment
	}

	buf := make([]byte, size+alignment)
	addr := uintptr(unsafe.Pointer(&buf[0])) //nolint:gosec // address arithmetic for alignment
	offset := int((uintptr(alignment) - (addr & uintptr(alignment-1))) & uintptr(alignment-1))

	return buf[offset : offset+size : offset+size]
}

// IsAligned reports whether the first byte of b sits on the alignment boundary.
func IsAligned(b []byte, alignment int) bool {
	if len(b) == 0 {
		return true
	}
	addr := uintptr(unsafe.Pointer(&b[0])) //nolint:gosec // address arithmetic for alignment
	return addr&uintptr(alignment-1) == 0
}
