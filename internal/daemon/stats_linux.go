//go:build linux

package daemon

import (
	"os"
	"strconv"
	"strings"
	"syscall"
)

type cpuSample struct {
	total uint64
	idle  uint64
}

// readCPUCounters parses the aggregate cpu line of /proc/stat. Idle time
// includes iowait.
func readCPUCounters() (cpuSample, bool) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return cpuSample{}, false
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuSample{}, false
	}
	var sample cpuSample
	for i, field := range fields[1:] {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return cpuSample{}, false
		}
		sample.total += v
		if i == 3 || i == 4 { // idle, iowait
			sample.idle += v
		}
	}
	return sample, true
}

// sampleMemory derives used percent from MemTotal and MemAvailable.
func sampleMemory() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var total, available float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseFloat(fields[1], 64)
		case "MemAvailable:":
			available, _ = strconv.ParseFloat(fields[1], 64)
		}
	}
	if total <= 0 {
		return 0
	}
	return (total - available) / total * 100
}

func sampleDisk(path string) float64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0
	}
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0
	}
	free := stat.Bfree * uint64(stat.Bsize)
	return float64(total-free) / float64(total) * 100
}
