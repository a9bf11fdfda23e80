package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const cpuMetric = "/cpu/classes/user:cpu-seconds"

// ResourceUsage is a coarse view of process resource consumption.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// resourceTracker samples process CPU usage. It is the default
// scheduler.ResourceSampler and feeds the resource section of the statistics.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	lastPercent    float64
	numCPU         float64
	now            func() time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{{Name: cpuMetric}},
		numCPU:  float64(runtime.NumCPU()),
		now:     time.Now,
	}
}

// CPUPercent returns the share of all CPUs used since the previous sample.
// The first call establishes the baseline and reports zero.
func (r *resourceTracker) CPUPercent() float64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sampleLocked()
}

func (r *resourceTracker) sampleLocked() float64 {
	if len(r.samples) == 0 {
		r.samples = []metrics.Sample{{Name: cpuMetric}}
	}
	if r.now == nil {
		r.now = time.Now
	}
	metrics.Read(r.samples)
	sample := r.samples[0]
	if sample.Value.Kind() != metrics.KindFloat64 {
		return 0
	}
	cpuSeconds := sample.Value.Float64()
	now := r.now()
	if !r.lastSample.IsZero() {
		deltaWall := now.Sub(r.lastSample).Seconds()
		if deltaWall > 0 && r.numCPU > 0 {
			r.lastPercent = (cpuSeconds - r.lastCPUSeconds) / deltaWall / r.numCPU * 100
		}
	}
	r.lastCPUSeconds = cpuSeconds
	r.lastSample = now
	return r.lastPercent
}

// Snapshot reports the last CPU reading together with memory and goroutine
// counts. It does not move the CPU baseline, so reading statistics leaves the
// scheduler's sampling window intact.
func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	cpu := r.lastPercent
	r.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return ResourceUsage{
		CPUPercent:  cpu,
		MemoryBytes: mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
	}
}
