// Package health assembles the process and host snapshot served by the
// system health endpoint. Collection is best-effort: metrics the platform
// cannot provide are omitted rather than failing the request.
package health

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostMetrics contains system-level metrics.
type HostMetrics struct {
	// CPUPercent is the overall CPU usage percentage (0-100).
	CPUPercent float64 `json:"cpu_percent"`

	// MemTotal is the total system memory in bytes.
	MemTotal uint64 `json:"mem_total"`

	// MemUsed is the used system memory in bytes.
	MemUsed uint64 `json:"mem_used"`

	// MemAvailable is the available system memory in bytes.
	MemAvailable uint64 `json:"mem_available,omitempty"`

	// LoadAvg1 is the 1-minute load average.
	LoadAvg1 float64 `json:"load_avg_1,omitempty"`

	// LoadAvg5 is the 5-minute load average.
	LoadAvg5 float64 `json:"load_avg_5,omitempty"`

	// LoadAvg15 is the 15-minute load average.
	LoadAvg15 float64 `json:"load_avg_15,omitempty"`
}

// ProcessMetrics contains metrics for the gateway process itself.
type ProcessMetrics struct {
	// CPUPercent is the process CPU usage percentage.
	CPUPercent float64 `json:"cpu_percent"`

	// MemRSS is the resident set size in bytes.
	MemRSS uint64 `json:"mem_rss"`

	// MemVMS is the virtual memory size in bytes.
	MemVMS uint64 `json:"mem_vms,omitempty"`

	// NumThreads is the number of OS threads in the process.
	NumThreads int `json:"num_threads,omitempty"`

	// NumFDs is the number of open file descriptors (Unix only).
	NumFDs int `json:"num_fds,omitempty"`
}

// Snapshot is one point-in-time health report.
type Snapshot struct {
	Status     string          `json:"status"`
	Version    string          `json:"version,omitempty"`
	PID        int             `json:"pid"`
	StartedAt  int64           `json:"started_at_ms"`
	UptimeMs   int64           `json:"uptime_ms"`
	Goroutines int             `json:"goroutines"`
	Host       *HostMetrics    `json:"host,omitempty"`
	Process    *ProcessMetrics `json:"process,omitempty"`

	// Subsystems carries gauge counts merged in by the caller
	// (equipment connected, sessions, locks, streams, alarms, jobs).
	Subsystems map[string]interface{} `json:"subsystems,omitempty"`
}

// Collector samples the running process.
type Collector struct {
	version   string
	startedAt time.Time
	pid       int
	proc      *process.Process
}

// NewCollector prepares a collector for the current process.
func NewCollector(version string) *Collector {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		proc = nil
	}
	return &Collector{
		version:   version,
		startedAt: time.Now(),
		pid:       pid,
		proc:      proc,
	}
}

// Snapshot collects the current health report.
func (c *Collector) Snapshot() Snapshot {
	now := time.Now()
	snap := Snapshot{
		Status:     "ok",
		Version:    c.version,
		PID:        c.pid,
		StartedAt:  c.startedAt.UnixMilli(),
		UptimeMs:   now.Sub(c.startedAt).Milliseconds(),
		Goroutines: runtime.NumGoroutine(),
	}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		host := &HostMetrics{CPUPercent: cpuPercent[0]}
		if memInfo, err := mem.VirtualMemory(); err == nil && memInfo != nil {
			host.MemTotal = memInfo.Total
			host.MemUsed = memInfo.Used
			host.MemAvailable = memInfo.Available
		}
		if loadAvg, err := load.Avg(); err == nil && loadAvg != nil {
			host.LoadAvg1 = loadAvg.Load1
			host.LoadAvg5 = loadAvg.Load5
			host.LoadAvg15 = loadAvg.Load15
		}
		snap.Host = host
	}

	if c.proc != nil {
		cpuPct, _ := c.proc.CPUPercent()
		proc := &ProcessMetrics{CPUPercent: cpuPct}
		if memInfo, err := c.proc.MemoryInfo(); err == nil && memInfo != nil {
			proc.MemRSS = memInfo.RSS
			proc.MemVMS = memInfo.VMS
		}
		if numThreads, err := c.proc.NumThreads(); err == nil {
			proc.NumThreads = int(numThreads)
		}
		if numFDs, err := c.proc.NumFDs(); err == nil {
			proc.NumFDs = int(numFDs)
		}
		snap.Process = proc
	}

	return snap
}
