package diagnostics

import (
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// DefaultCacheTTL bounds how often host metrics are re-read.
const DefaultCacheTTL = 2 * time.Second

// SystemMetrics holds host-wide resource usage.
type SystemMetrics struct {
	// CPU
	CPUModel   string  `json:"cpu_model,omitempty"`
	CPUCores   int     `json:"cpu_cores"`
	CPUThreads int     `json:"cpu_threads"`
	CPUPercent float64 `json:"cpu_percent"`

	// Memory (in MB)
	MemTotalMB float64 `json:"mem_total_mb"`
	MemUsedMB  float64 `json:"mem_used_mb"`
	MemPercent float64 `json:"mem_percent"`

	// Disk (in GB)
	DiskTotalGB float64 `json:"disk_total_gb"`
	DiskUsedGB  float64 `json:"disk_used_gb"`
	DiskPercent float64 `json:"disk_percent"`

	// Load average (Unix)
	LoadAvg1  float64 `json:"load_avg_1"`
	LoadAvg5  float64 `json:"load_avg_5"`
	LoadAvg15 float64 `json:"load_avg_15"`
}

// ProcessMetrics holds resource usage of the running process.
type ProcessMetrics struct {
	Goroutines  int     `json:"goroutines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	HeapInUseMB float64 `json:"heap_in_use_mb"`
	NumGC       uint32  `json:"num_gc"`
	UptimeSec   int64   `json:"uptime_sec"`
}

// Snapshot is one reading of host and process usage.
type Snapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	System    SystemMetrics  `json:"system"`
	Process   ProcessMetrics `json:"process"`
	Warnings  []string       `json:"warnings,omitempty"`
}

// Thresholds above which a snapshot carries warnings. Zero disables a check.
type Thresholds struct {
	MemPercent  float64
	DiskPercent float64
	Goroutines  int
}

// DefaultThresholds returns the thresholds used by the health endpoint.
func DefaultThresholds() Thresholds {
	return Thresholds{MemPercent: 90, DiskPercent: 95, Goroutines: 10000}
}

// Collector gathers snapshots.
type Collector struct {
	ttl        time.Duration
	thresholds Thresholds
	started    time.Time
	diskPath   string

	mu           sync.Mutex
	lastCPUTotal float64
	lastCPUIdle  float64

	infoCollected bool
	cpuModel      string
	cpuCores      int
	cpuThreads    int

	cached   SystemMetrics
	cachedAt time.Time
}

// NewCollector creates a collector. A non-positive ttl uses DefaultCacheTTL.
func NewCollector(ttl time.Duration, thresholds Thresholds) *Collector {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Collector{
		ttl:        ttl,
		thresholds: thresholds,
		started:    time.Now(),
		diskPath:   rootDiskPath(),
	}
}

// Collect returns the current snapshot.
func (c *Collector) Collect() Snapshot {
	now := time.Now()
	snap := Snapshot{
		Timestamp: now.UTC(),
		System:    c.system(now),
		Process:   c.process(now),
	}
	snap.Warnings = c.thresholds.check(snap)
	return snap
}

func (c *Collector) system(now time.Time) SystemMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cachedAt.IsZero() && now.Sub(c.cachedAt) < c.ttl {
		return c.cached
	}

	var stats SystemMetrics
	c.collectHardwareInfo(&stats)
	c.collectMemoryInfo(&stats)
	c.collectCPUInfo(&stats)
	c.collectDiskInfo(&stats)
	c.collectLoadAvg(&stats)

	c.cached = stats
	c.cachedAt = now
	return stats
}

func (c *Collector) process(now time.Time) ProcessMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ProcessMetrics{
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(ms.HeapAlloc) / 1024 / 1024,
		HeapInUseMB: float64(ms.HeapInuse) / 1024 / 1024,
		NumGC:       ms.NumGC,
		UptimeSec:   int64(now.Sub(c.started) / time.Second),
	}
}

func (c *Collector) collectMemoryInfo(stats *SystemMetrics) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	stats.MemTotalMB = float64(vm.Total) / 1024 / 1024
	stats.MemUsedMB = float64(vm.Used) / 1024 / 1024
	stats.MemPercent = vm.UsedPercent
}

// collectCPUInfo derives usage from the delta since the previous reading, so
// the first reading reports zero.
func (c *Collector) collectCPUInfo(stats *SystemMetrics) {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return
	}

	t := times[0]
	total := t.User + t.Nice + t.System + t.Idle + t.Iowait + t.Irq + t.Softirq + t.Steal
	idle := t.Idle + t.Iowait

	if c.lastCPUTotal > 0 {
		totalDelta := total - c.lastCPUTotal
		idleDelta := idle - c.lastCPUIdle
		if totalDelta > 0 {
			stats.CPUPercent = (1 - idleDelta/totalDelta) * 100
		}
	}
	c.lastCPUTotal = total
	c.lastCPUIdle = idle
}

func (c *Collector) collectDiskInfo(stats *SystemMetrics) {
	usage, err := disk.Usage(c.diskPath)
	if err != nil {
		return
	}
	stats.DiskTotalGB = float64(usage.Total) / 1024 / 1024 / 1024
	stats.DiskUsedGB = float64(usage.Used) / 1024 / 1024 / 1024
	stats.DiskPercent = usage.UsedPercent
}

func (c *Collector) collectLoadAvg(stats *SystemMetrics) {
	avg, err := load.Avg()
	if err != nil {
		return
	}
	stats.LoadAvg1 = avg.Load1
	stats.LoadAvg5 = avg.Load5
	stats.LoadAvg15 = avg.Load15
}

func (c *Collector) collectHardwareInfo(stats *SystemMetrics) {
	if !c.infoCollected {
		if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
			c.cpuModel = strings.TrimSpace(infos[0].ModelName)
		}
		if cores, err := cpu.Counts(false); err == nil && cores > 0 {
			c.cpuCores = cores
		}
		if threads, err := cpu.Counts(true); err == nil && threads > 0 {
			c.cpuThreads = threads
		}
		c.infoCollected = true
	}
	stats.CPUModel = c.cpuModel
	stats.CPUCores = c.cpuCores
	stats.CPUThreads = c.cpuThreads
}

func (t Thresholds) check(s Snapshot) []string {
	var warnings []string
	if t.MemPercent > 0 && s.System.MemPercent >= t.MemPercent {
		warnings = append(warnings, "memory usage high")
	}
	if t.DiskPercent > 0 && s.System.DiskPercent >= t.DiskPercent {
		warnings = append(warnings, "disk usage high")
	}
	if t.Goroutines > 0 && s.Process.Goroutines >= t.Goroutines {
		warnings = append(warnings, "goroutine count high")
	}
	return warnings
}

func rootDiskPath() string {
	if runtime.GOOS == "windows" {
		drive := os.Getenv("SystemDrive")
		if drive == "" {
			drive = "C:"
		}
		return drive + "\\"
	}
	return "/"
}
