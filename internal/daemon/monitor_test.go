package daemon

import (
	"testing"
	"time"
)

func TestMonitorAlertsAboveThreshold(t *testing.T) {
	m := NewMonitor()
	alerts := m.Alerts(Stats{CPUPercent: 92, MemoryPercent: 50, DiskPercent: 50})
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].AlertType != "cpu_high" {
		t.Errorf("alert_type = %q, want cpu_high", alerts[0].AlertType)
	}
	if alerts[0].Severity != "warning" {
		t.Errorf("severity = %q, want warning", alerts[0].Severity)
	}
	if alerts[0].Type != "alert" {
		t.Errorf("frame type = %q, want alert", alerts[0].Type)
	}
}

func TestMonitorCooldownSilencesRepeats(t *testing.T) {
	m := NewMonitor()
	if got := m.Alerts(Stats{CPUPercent: 92}); len(got) != 1 {
		t.Fatalf("first crossing: expected 1 alert, got %d", len(got))
	}
	if got := m.Alerts(Stats{CPUPercent: 93}); len(got) != 0 {
		t.Fatalf("inside cooldown: expected 0 alerts, got %d", len(got))
	}

	// Expired cooldown fires again, and sustained pressure at 95+ is critical.
	m.lastAlert["cpu_high"] = time.Now().Add(-6 * time.Minute)
	got := m.Alerts(Stats{CPUPercent: 97})
	if len(got) != 1 {
		t.Fatalf("after cooldown: expected 1 alert, got %d", len(got))
	}
	if got[0].Severity != "critical" {
		t.Errorf("severity = %q, want critical", got[0].Severity)
	}
}

func TestMonitorIndependentGauges(t *testing.T) {
	m := NewMonitor()
	alerts := m.Alerts(Stats{CPUPercent: 85, MemoryPercent: 90, DiskPercent: 96})
	if len(alerts) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(alerts))
	}
	byType := map[string]string{}
	for _, a := range alerts {
		byType[a.AlertType] = a.Severity
	}
	if byType["disk_high"] != "critical" {
		t.Errorf("disk severity = %q, want critical", byType["disk_high"])
	}
	if byType["cpu_high"] != "warning" || byType["memory_high"] != "warning" {
		t.Errorf("severities = %v", byType)
	}
}

func TestMonitorZeroReadingsNeverAlert(t *testing.T) {
	m := NewMonitor()
	if got := m.Alerts(Stats{}); len(got) != 0 {
		t.Errorf("zero sample alerted: %v", got)
	}

	disabled := NewMonitor(WithThresholds(0, 0, 0))
	if got := disabled.Alerts(Stats{CPUPercent: 99, MemoryPercent: 99, DiskPercent: 99}); len(got) != 0 {
		t.Errorf("disabled thresholds alerted: %v", got)
	}
}

func TestMonitorSampleStaysInBounds(t *testing.T) {
	m := NewMonitor()
	m.Sample() // prime the CPU counters
	time.Sleep(20 * time.Millisecond)
	s := m.Sample()
	for name, v := range map[string]float64{
		"cpu":    s.CPUPercent,
		"memory": s.MemoryPercent,
		"disk":   s.DiskPercent,
	} {
		if v < 0 || v > 100 {
			t.Errorf("%s = %f, want 0..100", name, v)
		}
	}
}
