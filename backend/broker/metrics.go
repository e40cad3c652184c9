package broker

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// memorySnapshot captures host memory usage for health-check details.
func memorySnapshot() map[string]any {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{
		"used_gb":  float64(vm.Used) / (1 << 30),
		"total_gb": float64(vm.Total) / (1 << 30),
		"percent":  vm.UsedPercent,
	}
}
