package queue

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// ResourceMonitor samples live system utilization. The controller
// checks it at every batch boundary.
type ResourceMonitor interface {
	// Sample returns current CPU and memory utilization in percent.
	Sample() (cpuPercent, memPercent float64, err error)
}

// SystemMonitor reads utilization from the host via gopsutil.
type SystemMonitor struct{}

// Sample returns instantaneous CPU utilization averaged over all cores
// and the used-memory percentage.
func (SystemMonitor) Sample() (float64, float64, error) {
	cpuPercents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, err
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return cpuPercent, vm.UsedPercent, nil
}
