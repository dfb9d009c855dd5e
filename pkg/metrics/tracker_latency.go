// Package metrics keeps in-process latency percentiles for pipeline stages.
package metrics

import (
	"sort"
	"sync"
	"time"
)

const defaultWindow = 1000

// Stage names recorded by the pipeline.
const (
	StageWebhookAccept = "webhook.accept"
	StageBatchProcess  = "notification.batch"
	StageWorkerJob     = "worker.job"
)

// LatencyTracker keeps the most recent samples in a ring buffer.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
	count   int64
}

func NewLatencyTracker(window int) *LatencyTracker {
	if window <= 0 {
		window = defaultWindow
	}
	return &LatencyTracker{samples: make([]time.Duration, window)}
}

func (t *LatencyTracker) Record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples[t.next] = d
	t.next++
	if t.next == len(t.samples) {
		t.next = 0
		t.full = true
	}
	t.count++
}

// LatencyStats summarises the samples currently in the window. Count is the
// lifetime number of recordings.
type LatencyStats struct {
	Count   int64         `json:"count"`
	Samples int           `json:"samples"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Avg     time.Duration `json:"avg"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
}

func (t *LatencyTracker) Stats() LatencyStats {
	t.mu.Lock()
	n := t.next
	if t.full {
		n = len(t.samples)
	}
	window := make([]time.Duration, n)
	copy(window, t.samples[:n])
	count := t.count
	t.mu.Unlock()

	if n == 0 {
		return LatencyStats{Count: count}
	}
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })

	var sum time.Duration
	for _, d := range window {
		sum += d
	}
	return LatencyStats{
		Count:   count,
		Samples: n,
		Min:     window[0],
		Max:     window[n-1],
		Avg:     sum / time.Duration(n),
		P50:     percentile(window, 0.50),
		P95:     percentile(window, 0.95),
		P99:     percentile(window, 0.99),
	}
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	return sorted[int(float64(len(sorted)-1)*p)]
}

// ToMap renders the stats in milliseconds for the metrics endpoints.
func (s LatencyStats) ToMap() map[string]any {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return map[string]any{
		"count":       s.Count,
		"sample_size": s.Samples,
		"min_ms":      ms(s.Min),
		"max_ms":      ms(s.Max),
		"avg_ms":      ms(s.Avg),
		"p50_ms":      ms(s.P50),
		"p95_ms":      ms(s.P95),
		"p99_ms":      ms(s.P99),
	}
}

// LatencyRegistry holds one tracker per stage.
type LatencyRegistry struct {
	mu       sync.RWMutex
	trackers map[string]*LatencyTracker
	window   int
}

func NewLatencyRegistry(window int) *LatencyRegistry {
	return &LatencyRegistry{
		trackers: make(map[string]*LatencyTracker),
		window:   window,
	}
}

func (r *LatencyRegistry) Record(stage string, d time.Duration) {
	r.mu.RLock()
	tracker, ok := r.trackers[stage]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if tracker, ok = r.trackers[stage]; !ok {
			tracker = NewLatencyTracker(r.window)
			r.trackers[stage] = tracker
		}
		r.mu.Unlock()
	}
	tracker.Record(d)
}

func (r *LatencyRegistry) Stats(stage string) LatencyStats {
	r.mu.RLock()
	tracker, ok := r.trackers[stage]
	r.mu.RUnlock()
	if !ok {
		return LatencyStats{}
	}
	return tracker.Stats()
}

func (r *LatencyRegistry) AllStats() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]any, len(r.trackers))
	for stage, tracker := range r.trackers {
		out[stage] = tracker.Stats().ToMap()
	}
	return out
}

var (
	global     *LatencyRegistry
	globalOnce sync.Once
)

// Global returns the process-wide registry.
func Global() *LatencyRegistry {
	globalOnce.Do(func() {
		global = NewLatencyRegistry(defaultWindow)
	})
	return global
}

// Since records the time elapsed from start under stage in the global registry.
func Since(stage string, start time.Time) {
	Global().Record(stage, time.Since(start))
}
