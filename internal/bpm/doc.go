// Package bpm stages bit-parallel (BPM) filter work for an accelerator.
//
// A Buffer owns one pinned host allocation and one device allocation of the
// same size, partitioned into the regions the verification kernel reads:
//
//	peq_entries | query_info | candidates | reorder_buffer |
//	init_pos_per_bucket | init_warp_per_bucket | reorder_alignments | alignments
//
// Work units encode queries and candidates into the host regions. Send bins
// candidates by query length into warp-sized buckets, copies the inputs to the
// device, launches the kernel and queues the result copy, all on the buffer's
// stream. Receive waits on the stream and restores the original candidate
// order of the results.
package bpm
