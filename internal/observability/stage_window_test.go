package observability

import (
	"testing"
	"time"
)

func TestStageWindowSnapshotComputesPercentiles(t *testing.T) {
	w := newStageWindow(8)
	for _, ms := range []int{100, 200, 300, 400, 500} {
		w.observe("translate", time.Duration(ms)*time.Millisecond)
	}
	w.observe("recognize", 50*time.Millisecond)

	snap := w.snapshot()
	if len(snap.Stages) != 2 {
		t.Fatalf("stages = %d, want 2", len(snap.Stages))
	}
	if snap.Stages[0].Stage != "recognize" || snap.Stages[1].Stage != "translate" {
		t.Fatalf("stage order = %s,%s, want recognize,translate", snap.Stages[0].Stage, snap.Stages[1].Stage)
	}

	tr := snap.Stages[1]
	if tr.Samples != 5 || tr.AvgMS != 300 || tr.P50MS != 300 || tr.LastMS != 500 {
		t.Fatalf("translate stats = %+v", tr)
	}
	if tr.P95MS != 480 {
		t.Fatalf("P95MS = %v, want 480", tr.P95MS)
	}
}

func TestStageWindowKeepsOnlyRecentSamples(t *testing.T) {
	w := newStageWindow(3)
	for _, ms := range []int{1000, 1000, 1000, 10, 20, 30} {
		w.observe("synthesize", time.Duration(ms)*time.Millisecond)
	}
	st := w.snapshot().Stages[0]
	if st.Samples != 3 || st.AvgMS != 20 {
		t.Fatalf("stats = %+v, want 3 samples averaging 20ms", st)
	}
}

func TestStageWindowIgnoresInvalidSamples(t *testing.T) {
	w := newStageWindow(4)
	w.observe("", time.Second)
	w.observe("total", -time.Second)
	if got := len(w.snapshot().Stages); got != 0 {
		t.Fatalf("stages = %d, want 0", got)
	}
}

func TestMetricsStageLatencyIncludesTotal(t *testing.T) {
	m := NewMetrics("test", nil)
	m.ObserveStage("recognize", 20*time.Millisecond)
	m.ObservePipelineLatency(80 * time.Millisecond)

	snap := m.StageLatency()
	if len(snap.Stages) != 2 || snap.Stages[1].Stage != "total" || snap.Stages[1].LastMS != 80 {
		t.Fatalf("snapshot = %+v", snap)
	}
}
