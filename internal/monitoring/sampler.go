// Package monitoring watches the host resources the daemon depends on.
// A sampler reads CPU, memory and disk usage, and a monitor classifies
// each reading against thresholds, persists it, and escalates sustained
// pressure.
package monitoring

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/rotisserie/eris"
)

// cpuCounters holds the aggregate jiffy counters from /proc/stat.
type cpuCounters struct {
	idle  uint64
	total uint64
}

// Sampler reads resource usage from the host. CPU usage is computed
// from the counter delta between consecutive samples, so the first
// sample always reports zero CPU.
type Sampler struct {
	dataDir string

	mu      sync.Mutex
	last    cpuCounters
	hasLast bool

	// Probes are swappable for tests.
	readCPU  func() (cpuCounters, error)
	readMem  func() (float64, error)
	readDisk func(path string) (float64, error)
}

// NewSampler builds a sampler. Disk usage is measured on the filesystem
// holding dataDir.
func NewSampler(dataDir string) *Sampler {
	if dataDir == "" {
		dataDir = "."
	}
	return &Sampler{
		dataDir:  dataDir,
		readCPU:  readProcStat,
		readMem:  readProcMeminfo,
		readDisk: readStatfs,
	}
}

// Sample reads current CPU, memory and disk usage as percentages.
func (s *Sampler) Sample() (cpu, mem, disk float64, err error) {
	counters, err := s.readCPU()
	if err != nil {
		return 0, 0, 0, eris.Wrap(err, "monitoring: read cpu counters")
	}

	s.mu.Lock()
	if s.hasLast {
		cpu = cpuPercent(s.last, counters)
	}
	s.last = counters
	s.hasLast = true
	s.mu.Unlock()

	mem, err = s.readMem()
	if err != nil {
		return 0, 0, 0, eris.Wrap(err, "monitoring: read memory usage")
	}

	disk, err = s.readDisk(s.dataDir)
	if err != nil {
		return 0, 0, 0, eris.Wrap(err, "monitoring: read disk usage")
	}

	return cpu, mem, disk, nil
}

func cpuPercent(prev, cur cpuCounters) float64 {
	totalDelta := cur.total - prev.total
	if cur.total <= prev.total {
		return 0
	}
	idleDelta := cur.idle - prev.idle
	if cur.idle < prev.idle {
		idleDelta = 0
	}
	busy := float64(totalDelta) - float64(idleDelta)
	if busy < 0 {
		busy = 0
	}
	return busy / float64(totalDelta) * 100
}

func readProcStat() (cpuCounters, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return cpuCounters{}, eris.Wrap(err, "monitoring: read /proc/stat")
	}
	return parseCPULine(string(data))
}

// parseCPULine extracts the aggregate counters from the "cpu" line.
// Idle time includes iowait, matching how most tools report CPU usage.
func parseCPULine(data string) (cpuCounters, error) {
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var c cpuCounters
		for i, raw := range fields[1:] {
			// Guest time is already folded into user time.
			if i >= 8 {
				break
			}
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return cpuCounters{}, eris.Wrapf(err, "monitoring: parse cpu field %q", raw)
			}
			c.total += v
			if i == 3 || i == 4 {
				c.idle += v
			}
		}
		return c, nil
	}
	return cpuCounters{}, eris.New("monitoring: no cpu line in /proc/stat")
}

func readProcMeminfo() (float64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, eris.Wrap(err, "monitoring: read /proc/meminfo")
	}
	return parseMeminfo(string(data))
}

// parseMeminfo computes used memory from MemTotal and MemAvailable.
func parseMeminfo(data string) (float64, error) {
	var total, available uint64
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total == 0 {
		return 0, eris.New("monitoring: MemTotal missing from /proc/meminfo")
	}
	return (1 - float64(available)/float64(total)) * 100, nil
}

func readStatfs(path string) (float64, error) {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(path, &fs); err != nil {
		return 0, eris.Wrapf(err, "monitoring: statfs %s", path)
	}
	if fs.Blocks == 0 {
		return 0, eris.Errorf("monitoring: statfs %s reports zero blocks", path)
	}
	return (1 - float64(fs.Bavail)/float64(fs.Blocks)) * 100, nil
}
