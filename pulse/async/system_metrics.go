package async

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/tally/errors"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Number of workers currently executing jobs
	WorkersTotal  int     `json:"workers_total"`   // Total configured workers
	JobsProcessed int     `json:"jobs_processed"`  // Jobs taken since Start
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
	JobsQueued    int     `json:"jobs_queued"`     // Jobs waiting in queue
	JobsRunning   int     `json:"jobs_running"`    // Jobs currently executing
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// getMemoryStats returns current memory usage in bytes
var getMemoryStats = func() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeWorkerCount recommends a worker count for the available memory.
// A CSV worker holds the running totals of one job plus a read buffer; the
// cap follows the CPU count since aggregation is CPU bound once the input is
// buffered.
func calculateSafeWorkerCount(availableGB float64, cpus int) int {
	const memoryPerWorker = 0.5 // GB per concurrent aggregation with wide key sets
	const memoryBuffer = 1.0    // GB reserved for the rest of the system

	if cpus < 1 {
		cpus = 1
	}
	if availableGB < memoryBuffer {
		return 1
	}

	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	if recommended < 1 {
		return 1
	}
	if recommended > cpus*2 {
		return cpus * 2
	}
	return recommended
}

// GetSystemMetrics returns current system resource usage
func (wp *WorkerPool) GetSystemMetrics(ctx context.Context) SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	queued, running, err := wp.queue.GetJobCounts(ctx)
	// Store errors degrade to zero counts
	if err != nil {
		queued, running = 0, 0
	}

	wp.mu.Lock()
	activeWorkers := wp.activeWorkers
	processed := wp.jobsProcessed
	var uptime float64
	if wp.started {
		uptime = time.Since(wp.startTime).Seconds()
	}
	wp.mu.Unlock()

	return SystemMetrics{
		WorkersActive: activeWorkers,
		WorkersTotal:  wp.workers,
		JobsProcessed: processed,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
		JobsQueued:    queued,
		JobsRunning:   running,
		UptimeSeconds: uptime,
	}
}

// checkMemoryPressure validates worker count against available memory
// Returns warning message if worker count may be too high, empty string if OK
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return "" // Can't check, assume OK
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB, runtime.NumCPU())

	if wp.workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing workers to prevent memory pressure.",
			wp.workers, recommended, totalGB-availableGB, totalGB)
	}

	return ""
}
