package daemon

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	alfred "github.com/0xcha05/alfred"
	"github.com/0xcha05/alfred/internal/wire"
)

const criticalUsage = 95.0

// Stats is one resource sample. Zero values mean the platform offers no
// reading, not an idle machine; alerts only ever fire on real numbers.
type Stats struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
}

// Monitor samples resource usage and turns sustained pressure into alert
// frames, at most one per type per cooldown window. It is not safe for
// concurrent use; the client's heartbeat loop is the only caller.
type Monitor struct {
	logger *slog.Logger

	cpuThreshold  float64
	memThreshold  float64
	diskThreshold float64
	diskPath      string
	cooldown      time.Duration

	cpu       cpuSample // previous counters, for the usage delta
	lastAlert map[string]time.Time
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the structured logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// WithThresholds overrides the alert thresholds (percent). Zero disables
// that check.
func WithThresholds(cpu, mem, disk float64) MonitorOption {
	return func(m *Monitor) {
		m.cpuThreshold, m.memThreshold, m.diskThreshold = cpu, mem, disk
	}
}

// WithAlertCooldown sets the minimum gap between alerts of the same type.
func WithAlertCooldown(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.cooldown = d }
}

// WithDiskPath sets the filesystem the disk gauge watches.
func WithDiskPath(path string) MonitorOption {
	return func(m *Monitor) { m.diskPath = path }
}

// NewMonitor creates a Monitor with the default thresholds: cpu 80%,
// memory 85%, disk 90%, 5-minute cooldown.
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		logger:        alfred.NopLogger,
		cpuThreshold:  80,
		memThreshold:  85,
		diskThreshold: 90,
		diskPath:      "/",
		cooldown:      5 * time.Minute,
		lastAlert:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sample reads the current gauges. CPU usage is the busy share since the
// previous sample, so the first call reports zero.
func (m *Monitor) Sample() Stats {
	s := Stats{
		MemoryPercent: sampleMemory(),
		DiskPercent:   sampleDisk(m.diskPath),
	}

	cur, ok := readCPUCounters()
	if !ok {
		return s
	}
	prev := m.cpu
	m.cpu = cur
	if prev.total == 0 || cur.total <= prev.total {
		return s
	}
	total := float64(cur.total - prev.total)
	idle := float64(cur.idle - prev.idle)
	busy := (total - idle) / total * 100
	if busy < 0 {
		busy = 0
	}
	if busy > 100 {
		busy = 100
	}
	s.CPUPercent = busy
	return s
}

// Alerts compares a sample against the thresholds and returns the alert
// frames due now. Crossing a threshold alerts once; the same type stays
// quiet until its cooldown expires, however long the pressure lasts.
func (m *Monitor) Alerts(s Stats) []wire.Alert {
	now := time.Now()
	var alerts []wire.Alert
	checks := []struct {
		alertType string
		value     float64
		threshold float64
	}{
		{"cpu_high", s.CPUPercent, m.cpuThreshold},
		{"memory_high", s.MemoryPercent, m.memThreshold},
		{"disk_high", s.DiskPercent, m.diskThreshold},
	}
	for _, check := range checks {
		if check.threshold <= 0 || check.value <= check.threshold {
			continue
		}
		if last, ok := m.lastAlert[check.alertType]; ok && now.Sub(last) < m.cooldown {
			continue
		}
		m.lastAlert[check.alertType] = now

		severity := "warning"
		if check.value >= criticalUsage {
			severity = "critical"
		}
		gauge := strings.TrimSuffix(check.alertType, "_high")
		m.logger.Warn("resource threshold crossed",
			"gauge", gauge, "value", check.value, "threshold", check.threshold)
		alerts = append(alerts, wire.Alert{
			Type:      wire.TypeAlert,
			AlertType: check.alertType,
			Severity:  severity,
			Message:   fmt.Sprintf("%s at %.1f%% (threshold %.0f%%)", gauge, check.value, check.threshold),
			Payload:   map[string]any{"percent": check.value, "threshold": check.threshold},
		})
	}
	return alerts
}
