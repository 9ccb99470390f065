package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	sampleCPU        = "/cpu/classes/total:cpu-seconds"
	sampleHeapBytes  = "/memory/classes/heap/objects:bytes"
	sampleGoroutines = "/sched/goroutines:goroutines"
)

// resourceTracker samples process CPU, heap and goroutine counts for handler
// stats and the service status.
type resourceTracker struct {
	mu      sync.Mutex
	samples []metrics.Sample
	numCPU  float64

	prevCPU float64
	prevAt  time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: resourceSamples(),
		numCPU:  float64(runtime.NumCPU()),
	}
}

func resourceSamples() []metrics.Sample {
	return []metrics.Sample{
		{Name: sampleCPU},
		{Name: sampleHeapBytes},
		{Name: sampleGoroutines},
	}
}

// Snapshot reads the samples. CPUPercent is averaged over all cores since the
// previous call and is zero on the first one.
func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = resourceSamples()
	}
	if r.numCPU <= 0 {
		r.numCPU = float64(runtime.NumCPU())
	}
	metrics.Read(r.samples)

	var usage ResourceUsage
	now := time.Now()
	for _, sample := range r.samples {
		switch sample.Name {
		case sampleCPU:
			if sample.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpu := sample.Value.Float64()
			if !r.prevAt.IsZero() {
				if wall := now.Sub(r.prevAt).Seconds(); wall > 0 {
					usage.CPUPercent = (cpu - r.prevCPU) / wall / r.numCPU * 100
				}
			}
			r.prevCPU = cpu
		case sampleHeapBytes:
			if sample.Value.Kind() == metrics.KindUint64 {
				usage.MemoryBytes = sample.Value.Uint64()
			}
		case sampleGoroutines:
			if sample.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = int(sample.Value.Uint64())
			}
		}
	}
	r.prevAt = now

	if usage.CPUPercent < 0 {
		usage.CPUPercent = 0
	}
	if usage.Goroutines == 0 {
		usage.Goroutines = runtime.NumGoroutine()
	}
	return usage
}
