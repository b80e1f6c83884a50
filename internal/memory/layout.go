package memory

import (
	"fmt"
	"unsafe"
)

// Region is a named, aligned sub-range of a staging buffer.
type Region struct {
	Name     string
	Offset   int
	Count    int
	ElemSize int
}

// Size returns the number of bytes the region spans.
func (r Region) Size() int { return r.Count * r.ElemSize }

// End returns the offset one past the last byte of the region.
func (r Region) End() int { return r.Offset + r.Size() }

// Layout is the table of regions carved out of one raw allocation.
//
// The table holds offsets relative to the allocation base, so the same Layout
// addresses a host allocation and its device twin as long as both bases are
// aligned to at least the layout alignment.
type Layout struct {
	alignment int
	regions   []Region
	index     map[string]int
	size      int
}

// LayoutBuilder advances a cursor over a raw allocation one region at a time.
type LayoutBuilder struct {
	layout Layout
	cursor int
}

// NewLayoutBuilder starts a layout whose regions begin on alignment boundaries.
func NewLayoutBuilder(alignment int) *LayoutBuilder {
	if alignment <= 0 {
		alignment = DefaultAlignment
	}
	return &LayoutBuilder{
		layout: Layout{
			alignment: alignment,
			index:     make(map[string]int),
		},
	}
}

// Add appends a region of count elements of elemSize bytes.
func (b *LayoutBuilder) Add(name string, count, elemSize int) *LayoutBuilder {
	if _, dup := b.layout.index[name]; dup {
		panic(fmt.Sprintf("memory: duplicate region %q", name))
	}
	if count < 0 {
		count = 0
	}
	offset := AlignUp(b.cursor, b.layout.alignment)
	r := Region{Name: name, Offset: offset, Count: count, ElemSize: elemSize}
	b.layout.index[name] = len(b.layout.regions)
	b.layout.regions = append(b.layout.regions, r)
	b.cursor = r.End()
	b.layout.size = b.cursor
	return b
}

// Build returns the finished layout.
func (b *LayoutBuilder) Build() Layout {
	return b.layout
}

// Region returns the region registered under name.
func (l Layout) Region(name string) Region {
	i, ok := l.index[name]
	if !ok {
		panic(fmt.Sprintf("memory: unknown region %q", name))
	}
	return l.regions[i]
}

// Regions returns the regions in layout order.
func (l Layout) Regions() []Region {
	out := make([]Region, len(l.regions))
	copy(out, l.regions)
	return out
}

// Size is the number of bytes from the base to the end of the last region.
func (l Layout) Size() int { return l.size }

// Alignment returns the boundary regions are aligned to.
func (l Layout) Alignment() int { return l.alignment }

// Bytes returns the raw bytes of region r inside buf.
func Bytes(buf []byte, r Region) []byte {
	return buf[r.Offset:r.End():r.End()]
}

// View returns a typed slice over region r of buf.
// The slice aliases buf and stays valid as long as buf does.
func View[T any](buf []byte, r Region) []T {
	if r.Count == 0 {
		return nil
	}
	var zero T
	if int(unsafe.Sizeof(zero)) != r.ElemSize {
		panic(fmt.Sprintf("memory: region %q holds %d-byte elements, view wants %d", r.Name, r.ElemSize, unsafe.Sizeof(zero)))
	}
	if r.End() > len(buf) {
		panic(fmt.Sprintf("memory: region %q ends at %d past buffer of %d bytes", r.Name, r.End(), len(buf)))
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&buf[r.Offset])), r.Count) //nolint:gosec // region bounds checked above
}
