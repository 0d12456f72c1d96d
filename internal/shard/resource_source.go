package shard

import "runtime"

// RuntimeResourceSource is the shipped default ResourceSource: it
// reports process-wide goroutine count and heap usage as stand-ins for
// per-shard CPU/memory, matching the teacher's
// BusinessMetricsCollector.collectSystemMetrics use of the runtime
// package. Synthetic but real-shaped, as spec.md §4.D licenses when a
// true per-shard resource source isn't wired up.
type RuntimeResourceSource struct{}

func (RuntimeResourceSource) CPUUsage(string) float64 {
	return float64(runtime.NumGoroutine())
}

func (RuntimeResourceSource) MemoryUsage(string) float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc)
}

func (RuntimeResourceSource) GPUUsage(string) (float64, bool) {
	return 0, false
}
