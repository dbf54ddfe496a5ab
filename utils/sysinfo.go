package utils

import (
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

// SystemStats is a point-in-time sample of host and process load.
type SystemStats struct {
	HostCPUPercent    float64
	ProcessCPUPercent float64
	ProcessRSSMB      float64
}

// GetSystemStats samples current CPU and memory usage. Used by the
// auto-tuner to back off when the process is saturating the host.
func GetSystemStats() (*SystemStats, error) {
	stats := &SystemStats{}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.HostCPUPercent = percents[0]
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	if pct, err := proc.CPUPercent(); err == nil {
		stats.ProcessCPUPercent = pct
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.ProcessRSSMB = float64(mem.RSS) / (1024 * 1024)
	}
	return stats, nil
}
