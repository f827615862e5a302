package docker

import "github.com/docker/docker/api/types/container"

const bytesPerMB = 1024 * 1024

// ComputeSnapshot derives CPU and memory figures from a single stats reading,
// which carries both the current and the previous cumulative CPU counters.
// CPU is 0 when the system delta is not positive and never exceeds
// 100 × online CPUs.
func ComputeSnapshot(s *container.StatsResponse) ResourceSnapshot {
	var snap ResourceSnapshot

	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}

	// Counters are unsigned; compute the deltas in float so a counter reset
	// yields a negative delta instead of wrapping.
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if systemDelta > 0 && cpuDelta > 0 {
		snap.CPUPercent = min(cpuDelta/systemDelta*cpus*100, cpus*100)
	}

	usage := float64(s.MemoryStats.Usage)
	limit := float64(s.MemoryStats.Limit)
	snap.MemoryUsageMB = usage / bytesPerMB
	snap.MemoryLimitMB = limit / bytesPerMB
	if limit > 0 {
		snap.MemoryPercent = usage / limit * 100
	}
	return snap
}
