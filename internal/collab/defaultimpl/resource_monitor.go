package defaultimpl

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/swarmguard/delegate-daemon/internal/collab"
)

// ProcStatMonitor estimates CPU/memory use by reading /proc/<pid>/stat and
// /proc/<pid>/status. It is advisory: a read failure (process exited,
// non-Linux kernel, restricted procfs) returns a zero snapshot and an
// error the caller is expected to log and ignore rather than propagate.
//
// It also implements collab.ResourceMonitor's host-wide admission gate,
// CanSpawnWorker, by comparing /proc/loadavg and /proc/meminfo against
// configurable thresholds.
type ProcStatMonitor struct {
	clockTicksPerSec float64
	pageSizeBytes    int64

	// MaxLoadPerCPU refuses admission once the 1-minute load average per
	// CPU exceeds this ratio (default 4.0 — a host already running several
	// times more runnable work than it has cores).
	MaxLoadPerCPU float64
	// MinFreeMemRatio refuses admission once available memory drops below
	// this fraction of total memory (default 0.1).
	MinFreeMemRatio float64
}

// NewProcStatMonitor constructs a monitor using the standard Linux
// USER_HZ (100) and page size (4096) defaults, plus the default admission
// thresholds documented on ProcStatMonitor's fields.
func NewProcStatMonitor() *ProcStatMonitor {
	return &ProcStatMonitor{
		clockTicksPerSec: 100,
		pageSizeBytes:    4096,
		MaxLoadPerCPU:    4.0,
		MinFreeMemRatio:  0.1,
	}
}

// CanSpawnWorker reports whether the host currently has CPU/memory
// headroom to admit another worker. A failed probe (non-Linux kernel,
// restricted procfs) is treated as permissive: monitoring outages never
// block admission on their own.
func (m *ProcStatMonitor) CanSpawnWorker() bool {
	if load, err := readLoadAverage1m(); err == nil {
		if cpus := runtime.NumCPU(); cpus > 0 && load/float64(cpus) > m.MaxLoadPerCPU {
			return false
		}
	}
	if avail, total, err := readMemAvailable(); err == nil && total > 0 {
		if float64(avail)/float64(total) < m.MinFreeMemRatio {
			return false
		}
	}
	return true
}

func readLoadAverage1m() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, fmt.Errorf("read /proc/loadavg: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, fmt.Errorf("parse /proc/loadavg: unexpected format")
	}
	return strconv.ParseFloat(fields[0], 64)
}

func readMemAvailable() (available, total int64, err error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMeminfoKB(line)
		}
	}
	if total == 0 {
		return 0, 0, fmt.Errorf("parse /proc/meminfo: MemTotal not found")
	}
	return available, total, nil
}

func parseMeminfoKB(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	kb, _ := strconv.ParseInt(fields[1], 10, 64)
	return kb
}

// Snapshot reads a point-in-time resource estimate for pid.
func (m *ProcStatMonitor) Snapshot(pid int) (collab.ResourceSnapshot, error) {
	statPath := fmt.Sprintf("/proc/%d/stat", pid)
	data, err := os.ReadFile(statPath)
	if err != nil {
		return collab.ResourceSnapshot{}, fmt.Errorf("read %s: %w", statPath, err)
	}

	// Fields after the trailing ')' of the comm field are space-delimited;
	// utime is field 14, stime field 15 (1-indexed) of the full line.
	idx := strings.LastIndexByte(string(data), ')')
	if idx < 0 || idx+2 >= len(data) {
		return collab.ResourceSnapshot{}, fmt.Errorf("parse %s: unexpected format", statPath)
	}
	fields := strings.Fields(string(data[idx+2:]))
	if len(fields) < 14 {
		return collab.ResourceSnapshot{}, fmt.Errorf("parse %s: too few fields", statPath)
	}
	utime, _ := strconv.ParseFloat(fields[11], 64)
	stime, _ := strconv.ParseFloat(fields[12], 64)
	totalTicks := utime + stime
	cpuSeconds := totalTicks / m.clockTicksPerSec

	statusPath := fmt.Sprintf("/proc/%d/status", pid)
	var rssKB int64
	if sdata, err := os.ReadFile(statusPath); err == nil {
		for _, line := range strings.Split(string(sdata), "\n") {
			if strings.HasPrefix(line, "VmRSS:") {
				fs := strings.Fields(line)
				if len(fs) >= 2 {
					rssKB, _ = strconv.ParseInt(fs[1], 10, 64)
				}
				break
			}
		}
	}

	// CPUPercent is the lifetime average: CPU seconds over the seconds since
	// the process started (starttime, field 22, against /proc/uptime), not
	// an instantaneous reading.
	cpuPercent := 0.0
	if up, err := os.ReadFile("/proc/uptime"); err == nil && len(fields) > 19 {
		upFields := strings.Fields(string(up))
		startTicks, _ := strconv.ParseFloat(fields[19], 64)
		if len(upFields) > 0 {
			uptime, _ := strconv.ParseFloat(upFields[0], 64)
			if elapsed := uptime - startTicks/m.clockTicksPerSec; elapsed > 0 {
				cpuPercent = cpuSeconds / elapsed * 100
			}
		}
	}
	return collab.ResourceSnapshot{
		CPUPercent:  cpuPercent,
		MemoryBytes: rssKB * 1024,
	}, nil
}
