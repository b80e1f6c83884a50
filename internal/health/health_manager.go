// Package health aggregates component checks into one status served over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/23skdu/bpmstage/internal/metrics"
	"github.com/rs/zerolog"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

func (s HealthStatus) value() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

// worse reports whether s is a worse status than o.
func (s HealthStatus) worse(o HealthStatus) bool { return s.value() < o.value() }

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Name        string         `json:"name"`
	Status      HealthStatus   `json:"status"`
	Message     string         `json:"message,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SystemHealth represents the overall health of the process
type SystemHealth struct {
	Status     HealthStatus                `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Uptime     time.Duration               `json:"uptime"`
	Components map[string]*ComponentHealth `json:"components"`
	System     SystemInfo                  `json:"system"`
	CheckCount int64                       `json:"check_count"`
}

// SystemInfo provides runtime information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	HeapAlloc     uint64 `json:"heap_alloc_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// HealthChecker defines the interface for component health checks
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) *ComponentHealth
}

// HealthManager runs the registered checkers on demand.
// Checkers must be registered before the manager is served.
type HealthManager struct {
	startTime  time.Time
	checkers   []HealthChecker
	logger     zerolog.Logger
	checkCount atomic.Int64
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger zerolog.Logger) *HealthManager {
	return &HealthManager{
		startTime: time.Now(),
		logger:    logger,
	}
}

// RegisterChecker registers a health checker
func (hm *HealthManager) RegisterChecker(checker HealthChecker) {
	hm.checkers = append(hm.checkers, checker)
	hm.logger.Debug().Str("component", checker.Name()).Msg("Registered health checker")
}

// CheckHealth performs health checks on all registered components. The
// overall status is the worst component status.
func (hm *HealthManager) CheckHealth(ctx context.Context) *SystemHealth {
	health := &SystemHealth{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Uptime:     time.Since(hm.startTime),
		Components: make(map[string]*ComponentHealth, len(hm.checkers)),
		System:     systemInfo(),
		CheckCount: hm.checkCount.Add(1),
	}

	for _, checker := range hm.checkers {
		start := time.Now()
		ch := checker.Check(ctx)
		metrics.HealthCheckDurationSeconds.WithLabelValues(checker.Name()).Observe(time.Since(start).Seconds())
		metrics.HealthCheckStatus.WithLabelValues(checker.Name()).Set(ch.Status.value())

		health.Components[checker.Name()] = ch
		if ch.Status.worse(health.Status) {
			health.Status = ch.Status
		}
	}

	hm.logger.Debug().
		Str("overall_status", string(health.Status)).
		Int("components_checked", len(hm.checkers)).
		Msg("Health check completed")
	return health
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		HeapAlloc:     m.HeapAlloc,
		NumGC:         m.NumGC,
	}
}

// HTTPHandler returns an http handler for health checks
func (hm *HealthManager) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := hm.CheckHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			http.Error(w, "Failed to encode health response", http.StatusInternalServerError)
		}
	})
}
