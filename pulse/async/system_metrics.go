package async

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Workers currently executing jobs
	WorkersTotal  int     `json:"workers_total"`   // Configured worker slots
	JobsRunning   int     `json:"jobs_running"`    // Fired jobs not yet finished, including those waiting for a slot
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
}

// getMemoryStats returns total and available memory in bytes.
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return v.Total, v.Available, nil
}

// SystemMetrics returns current system resource usage.
// Memory figures stay zero when the platform does not report them.
func (wp *WorkerPool) SystemMetrics() SystemMetrics {
	m := SystemMetrics{
		WorkersActive: int(wp.active.Load()),
		WorkersTotal:  wp.workers,
		JobsRunning:   wp.tracker.Len(),
	}

	total, available, err := getMemoryStats()
	if err == nil && total > 0 {
		const gb = 1024 * 1024 * 1024
		m.MemoryTotalGB = float64(total) / gb
		m.MemoryUsedGB = float64(total-available) / gb
		m.MemoryPercent = m.MemoryUsedGB / m.MemoryTotalGB * 100
	}
	return m
}
