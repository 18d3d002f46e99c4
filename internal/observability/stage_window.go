package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

type StageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
}

// stageWindow keeps the last maxSamples latencies of every pipeline stage in
// a ring buffer.
type stageWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[string]*stageRing
}

type stageRing struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newStageWindow(maxSamples int) *stageWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &stageWindow{
		maxSamples: maxSamples,
		stages:     make(map[string]*stageRing),
	}
}

func (w *stageWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	w.mu.Lock()
	defer w.mu.Unlock()

	ring, ok := w.stages[stage]
	if !ok {
		ring = &stageRing{values: make([]float64, w.maxSamples)}
		w.stages[stage] = ring
	}
	ring.values[ring.next] = ms
	ring.last = ms
	ring.next++
	if ring.next == len(ring.values) {
		ring.next = 0
		ring.filled = true
	}
}

func (w *stageWindow) snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.stages))
	for stage := range w.stages {
		names = append(names, stage)
	}
	slices.Sort(names)

	stats := make([]StageStats, 0, len(names))
	for _, stage := range names {
		ring := w.stages[stage]
		n := ring.next
		if ring.filled {
			n = len(ring.values)
		}
		if n == 0 {
			continue
		}
		samples := slices.Clone(ring.values[:n])
		slices.Sort(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		stats = append(stats, StageStats{
			Stage:   stage,
			Samples: n,
			LastMS:  round2(ring.last),
			AvgMS:   round2(sum / float64(n)),
			P50MS:   round2(quantile(samples, 0.50)),
			P95MS:   round2(quantile(samples, 0.95)),
			P99MS:   round2(quantile(samples, 0.99)),
		})
	}

	return StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      stats,
	}
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
