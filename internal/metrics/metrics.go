package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BufferResizesTotal counts grow-and-reinit cycles of staging buffers
	BufferResizesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bpmstage_buffer_resizes_total",
			Help: "Total number of staging buffer reallocations triggered by capacity overflow",
		},
	)

	// BufferSizeBytes tracks the current byte size of each staging buffer
	BufferSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bpmstage_buffer_size_bytes",
			Help: "Current size of each staging buffer in bytes",
		},
		[]string{"device", "buffer"},
	)

	// TransfersTotal counts async copies issued between host and device
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bpmstage_transfers_total",
			Help: "Total number of asynchronous copies issued",
		},
		[]string{"direction", "mode"}, // direction: h2d|d2h, mode: compacted|discrete|results
	)

	// TransferBytesTotal counts bytes moved between host and device
	TransferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bpmstage_transfer_bytes_total",
			Help: "Total bytes copied between host and device",
		},
		[]string{"direction"},
	)

	// BufferUtilization observes the share of a buffer carrying live data at send time
	BufferUtilization = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bpmstage_buffer_utilization",
			Help:    "Fraction of the staging buffer populated when it is sent",
			Buckets: []float64{0.01, 0.05, 0.1, 0.15, 0.25, 0.5, 0.75, 0.9, 1.0},
		},
	)

	// StreamSyncSeconds measures the blocking wait on a buffer's stream
	StreamSyncSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bpmstage_stream_sync_seconds",
			Help:    "Time the host spends waiting on a buffer's stream before retrieving it",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 0.5, 1.0},
		},
	)

	// BinningWarps observes the number of execution units scheduled per buffer
	BinningWarps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bpmstage_binning_warps",
			Help:    "Warps scheduled per sent buffer",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	// BinningPaddingSlotsTotal counts reorder slots filled with replicated candidates
	BinningPaddingSlotsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bpmstage_binning_padding_slots_total",
			Help: "Total reorder slots padded with a replicated candidate",
		},
	)

	// StageSearchesTotal counts work units flowing through pipeline stages
	StageSearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bpmstage_stage_searches_total",
			Help: "Total work units accepted into or retrieved from pipeline stages",
		},
		[]string{"op"}, // sent|retrieved
	)

	// StageRejectionsTotal counts back-pressure signals returned to callers
	StageRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bpmstage_stage_rejections_total",
			Help: "Total work units rejected because every stage buffer was full",
		},
	)

	// StageBuffersSentTotal counts buffers flushed to the device
	StageBuffersSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bpmstage_stage_buffers_sent_total",
			Help: "Total staging buffers flushed to the device by pipeline stages",
		},
	)
)
