package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ProcessUsage is the coarse resource usage reported next to the pipelines.
type ProcessUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	HeapBytes     uint64  `json:"heap_bytes"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// usageSampler derives CPU utilisation from the delta between two reads of
// the scheduler CPU counter.
type usageSampler struct {
	mu       sync.Mutex
	started  time.Time
	samples  []metrics.Sample
	lastCPU  float64
	lastRead time.Time
	numCPU   float64
}

func newUsageSampler() *usageSampler {
	return &usageSampler{
		started: time.Now(),
		samples: []metrics.Sample{{Name: "/sched/cpu:seconds"}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

// Sample reads the current usage. The first call reports zero CPU.
func (u *usageSampler) Sample() ProcessUsage {
	if u == nil {
		return ProcessUsage{}
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.samples) == 0 {
		u.samples = []metrics.Sample{{Name: "/sched/cpu:seconds"}}
	}
	metrics.Read(u.samples)
	now := time.Now()

	var cpuPercent float64
	if v := u.samples[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if !u.lastRead.IsZero() && u.numCPU > 0 {
			if wall := now.Sub(u.lastRead).Seconds(); wall > 0 {
				cpuPercent = (cpu - u.lastCPU) / wall / u.numCPU * 100
			}
		}
		u.lastCPU = cpu
	}
	u.lastRead = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	usage := ProcessUsage{
		CPUPercent: cpuPercent,
		HeapBytes:  mem.HeapAlloc,
		Goroutines: runtime.NumGoroutine(),
	}
	if !u.started.IsZero() {
		usage.UptimeSeconds = now.Sub(u.started).Seconds()
	}
	return usage
}
