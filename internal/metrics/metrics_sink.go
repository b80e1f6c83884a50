package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResultRowsWrittenTotal counts verification results persisted by sinks
	ResultRowsWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bpmstage_result_rows_written_total",
			Help: "Total verification result rows written to output files",
		},
	)

	// ResultFileSizeBytes observes the size of finished result files
	ResultFileSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bpmstage_result_file_size_bytes",
			Help:    "Size of finished result files in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)
)
