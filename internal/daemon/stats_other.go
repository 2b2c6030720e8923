//go:build !linux

package daemon

type cpuSample struct {
	total uint64
	idle  uint64
}

// Resource gauges are wired to /proc and Statfs on Linux. Other
// platforms report zeros, so they heartbeat fine but never alert.

func readCPUCounters() (cpuSample, bool) { return cpuSample{}, false }

func sampleMemory() float64 { return 0 }

func sampleDisk(string) float64 { return 0 }
