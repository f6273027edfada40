package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ResourceUsage is a point-in-time CPU and memory sample of one process.
type ResourceUsage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// SampleProcess reads CPU and memory usage for pid.
func SampleProcess(ctx context.Context, pid int32) (ResourceUsage, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("failed to create process handle: %w", err)
	}

	cpuPercent, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		slog.Debug("Failed to get CPU percent", "pid", pid, "error", err)
		cpuPercent = 0
	}

	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("failed to get memory info: %w", err)
	}

	numThreads, err := proc.NumThreadsWithContext(ctx)
	if err != nil {
		slog.Debug("Failed to get thread count", "pid", pid, "error", err)
		numThreads = 0
	}

	u := ResourceUsage{
		PID:        pid,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: numThreads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if numFDs, err := proc.NumFDsWithContext(ctx); err == nil {
			u.NumFDs = numFDs
		}
	}
	return u, nil
}
