// Package memory lays out fixed-size staging buffers.
//
// A staging buffer is one raw allocation partitioned into named, aligned,
// non-overlapping regions. The partition is computed once from capacity counts
// by a LayoutBuilder and exposed as typed views with View.
package memory
