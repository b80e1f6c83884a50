package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeviceMemoryBytes tracks memory held on behalf of each device
	DeviceMemoryBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bpmstage_device_memory_bytes",
			Help: "Bytes currently allocated per device",
		},
		[]string{"device", "kind"}, // kind: pinned|device
	)

	// DeviceOpsTotal counts stream operations executed by simulated devices
	DeviceOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bpmstage_device_ops_total",
			Help: "Total stream operations executed per device",
		},
		[]string{"device", "status"},
	)

	// LogEntriesTotal counts log entries by level
	LogEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bpmstage_log_entries_total",
			Help: "Total number of log entries by level",
		},
		[]string{"level"},
	)
)

var (
	// HealthCheckDurationSeconds measures each component health check
	HealthCheckDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bpmstage_health_check_duration_seconds",
			Help:    "Duration of component health checks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)

	// HealthCheckStatus is the last status per component (1=healthy, 0.5=degraded, 0=unhealthy)
	HealthCheckStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bpmstage_health_check_status",
			Help: "Last health check status per component (1=healthy, 0.5=degraded, 0=unhealthy)",
		},
		[]string{"component"},
	)
)
