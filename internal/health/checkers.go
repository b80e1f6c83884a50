package health

import (
	"context"
	"fmt"
	"time"
)

// degradedMemoryShare is the share of a device budget above which the device
// reports itself degraded.
const degradedMemoryShare = 0.9

// MemoryReporter is a device that can report its memory in use.
type MemoryReporter interface {
	ID() int
	MemoryInUse() (host, device int64)
}

// DeviceChecker reports the memory pressure of one device
type DeviceChecker struct {
	name   string
	dev    MemoryReporter
	budget int64
}

// NewDeviceChecker checks dev against a device memory budget; 0 is unlimited.
func NewDeviceChecker(dev MemoryReporter, budget int64) *DeviceChecker {
	return &DeviceChecker{
		name:   fmt.Sprintf("device-%d", dev.ID()),
		dev:    dev,
		budget: budget,
	}
}

func (dc *DeviceChecker) Name() string {
	return dc.name
}

func (dc *DeviceChecker) Check(_ context.Context) *ComponentHealth {
	host, device := dc.dev.MemoryInUse()

	status := StatusHealthy
	message := "device memory within budget"
	meta := map[string]any{
		"pinned_bytes": host,
		"device_bytes": device,
	}
	if dc.budget > 0 {
		share := float64(device) / float64(dc.budget)
		meta["device_budget_share"] = share
		if share >= degradedMemoryShare {
			status = StatusDegraded
			message = "device memory close to budget"
		}
	}

	return &ComponentHealth{
		Name:        dc.name,
		Status:      status,
		Message:     message,
		LastChecked: time.Now(),
		Metadata:    meta,
	}
}

// ProgressSource reports how far a run is.
type ProgressSource interface {
	Progress() (retrieved, total int64, failed error)
}

// RunChecker reports the progress of a verification run
type RunChecker struct {
	src ProgressSource
}

func NewRunChecker(src ProgressSource) *RunChecker {
	return &RunChecker{src: src}
}

func (rc *RunChecker) Name() string {
	return "run"
}

func (rc *RunChecker) Check(_ context.Context) *ComponentHealth {
	retrieved, total, failed := rc.src.Progress()

	ch := &ComponentHealth{
		Name:        rc.Name(),
		Status:      StatusHealthy,
		Message:     "running",
		LastChecked: time.Now(),
		Metadata: map[string]any{
			"retrieved": retrieved,
			"total":     total,
		},
	}
	switch {
	case failed != nil:
		ch.Status = StatusUnhealthy
		ch.Message = failed.Error()
	case total > 0 && retrieved >= total:
		ch.Message = "complete"
	}
	return ch
}
