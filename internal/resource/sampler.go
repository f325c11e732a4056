package resource

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

func readHeapBytes() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// cpuSampler derives process CPU usage from /proc/self/stat deltas.
// Platforms without procfs report 0.
type cpuSampler struct {
	mu       sync.Mutex
	lastCPU  float64
	lastWall time.Time
	read     func() (float64, error)
}

func newCPUSampler() *cpuSampler {
	return &cpuSampler{read: readProcessCPUSeconds}
}

func readProcessCPUSeconds() (float64, error) {
	proc, err := procfs.Self()
	if err != nil {
		return 0, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, err
	}
	return stat.CPUTime(), nil
}

// percent returns CPU usage since the previous call as a share of all cores
func (c *cpuSampler) percent() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	cpu, err := c.read()
	if err != nil {
		return 0
	}
	now := time.Now()
	defer func() {
		c.lastCPU, c.lastWall = cpu, now
	}()

	if c.lastWall.IsZero() {
		return 0
	}
	wall := now.Sub(c.lastWall).Seconds()
	if wall <= 0 {
		return 0
	}
	return (cpu - c.lastCPU) / wall / float64(runtime.NumCPU()) * 100
}
