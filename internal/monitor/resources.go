package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/joescharf/agentsafe/internal/models"
)

// ResourceSnapshot is one reading of host resources. Percentages are 0-100.
type ResourceSnapshot struct {
	CPU         float64   `json:"cpu_percent"`
	Memory      float64   `json:"memory_percent"`
	Disk        float64   `json:"disk_percent"`
	Temperature *float64  `json:"temperature,omitempty"`
	Load1       float64   `json:"load_1"`
	Load5       float64   `json:"load_5"`
	Load15      float64   `json:"load_15"`
	At          time.Time `json:"at"`
}

// ResourcePoller reads host resources. Implementations must honor ctx.
type ResourcePoller interface {
	PollResources(ctx context.Context) (ResourceSnapshot, error)
}

// SystemPoller reads the local host with gopsutil.
type SystemPoller struct {
	// DiskPath is the filesystem whose usage is reported.
	DiskPath string
	// CPUSample is how long CPU usage is sampled for.
	CPUSample time.Duration
}

// NewSystemPoller returns a poller for the filesystem holding diskPath.
func NewSystemPoller(diskPath string) *SystemPoller {
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemPoller{DiskPath: diskPath, CPUSample: 500 * time.Millisecond}
}

// PollResources reads CPU, memory and disk; a failure of any of those fails
// the poll. Load average and temperature are best-effort, since many hosts do
// not expose them.
func (p *SystemPoller) PollResources(ctx context.Context) (ResourceSnapshot, error) {
	snap := ResourceSnapshot{At: time.Now().UTC()}

	cpus, err := cpu.PercentWithContext(ctx, p.CPUSample, false)
	if err != nil {
		return snap, fmt.Errorf("cpu: %w", err)
	}
	if len(cpus) > 0 {
		snap.CPU = cpus[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, fmt.Errorf("memory: %w", err)
	}
	snap.Memory = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, p.DiskPath)
	if err != nil {
		return snap, fmt.Errorf("disk %s: %w", p.DiskPath, err)
	}
	snap.Disk = du.UsedPercent

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.Load1, snap.Load5, snap.Load15 = avg.Load1, avg.Load5, avg.Load15
	}
	if temps, err := sensors.TemperaturesWithContext(ctx); err == nil {
		snap.Temperature = hottest(temps)
	}
	return snap, nil
}

func hottest(temps []sensors.TemperatureStat) *float64 {
	var hot *float64
	for _, t := range temps {
		if t.Temperature <= 0 {
			continue
		}
		if hot == nil || t.Temperature > *hot {
			v := t.Temperature
			hot = &v
		}
	}
	return hot
}

// Thresholds are the warning and critical levels per metric. Zero disables a check.
// Load levels apply to the raw 1-minute load average, not per core.
type Thresholds struct {
	CPUWarn      float64 `json:"cpu_warn"`
	CPUCritical  float64 `json:"cpu_critical"`
	MemWarn      float64 `json:"mem_warn"`
	MemCritical  float64 `json:"mem_critical"`
	DiskWarn     float64 `json:"disk_warn"`
	DiskCritical float64 `json:"disk_critical"`
	LoadWarn     float64 `json:"load_warn"`
	LoadCritical float64 `json:"load_critical"`
	TempWarn     float64 `json:"temp_warn"`
	TempCritical float64 `json:"temp_critical"`
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarn: 70, CPUCritical: 80,
		MemWarn: 75, MemCritical: 85,
		DiskWarn: 85, DiskCritical: 95,
		LoadWarn: 2, LoadCritical: 4,
		TempWarn: 65, TempCritical: 75,
	}
}

type reading struct {
	name           string
	format         string
	value          float64
	warn, critical float64
}

func (s ResourceSnapshot) readings(t Thresholds) []reading {
	r := []reading{
		{"cpu", "CPU %.1f%%", s.CPU, t.CPUWarn, t.CPUCritical},
		{"memory", "memory %.1f%%", s.Memory, t.MemWarn, t.MemCritical},
		{"disk", "disk %.1f%%", s.Disk, t.DiskWarn, t.DiskCritical},
		{"load", "load %.2f", s.Load1, t.LoadWarn, t.LoadCritical},
	}
	if s.Temperature != nil {
		r = append(r, reading{"temperature", "temperature %.1fC", *s.Temperature, t.TempWarn, t.TempCritical})
	}
	return r
}

// Classify splits the snapshot's readings into critical and warning findings.
// A reading is reported once, at its highest crossed level.
func Classify(s ResourceSnapshot, t Thresholds) (critical, warnings []string) {
	for _, r := range s.readings(t) {
		msg := fmt.Sprintf(r.format, r.value)
		switch {
		case r.critical > 0 && r.value > r.critical:
			critical = append(critical, msg)
		case r.warn > 0 && r.value > r.warn:
			warnings = append(warnings, msg)
		}
	}
	return critical, warnings
}

// Evaluate turns a snapshot into alerts: at most one critical
// system_overload alert and one resource_warning alert. It has no side effects.
func Evaluate(s ResourceSnapshot, t Thresholds) []*models.Alert {
	critical, warnings := Classify(s, t)
	data := map[string]any{"metrics": s}

	var alerts []*models.Alert
	if len(critical) > 0 {
		alerts = append(alerts, &models.Alert{
			EventType:   models.EventSystemOverload,
			Level:       models.AlertCritical,
			Timestamp:   s.At,
			Title:       "System overload detected",
			Description: "Critical resource usage: " + strings.Join(critical, ", "),
			Data:        withFindings(data, "critical", critical),
		})
	}
	if len(warnings) > 0 {
		alerts = append(alerts, &models.Alert{
			EventType:   models.EventResourceWarning,
			Level:       models.AlertWarning,
			Timestamp:   s.At,
			Title:       "System resource warning",
			Description: "High resource usage: " + strings.Join(warnings, ", "),
			Data:        withFindings(data, "warnings", warnings),
		})
	}
	return alerts
}

func withFindings(base map[string]any, key string, findings []string) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[key] = findings
	return out
}
