package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	StageFailures   *prometheus.CounterVec
	PipelineLatency prometheus.Histogram
	InflightRuns    prometheus.Gauge
	StoredArtifacts prometheus.Gauge
	PrunedArtifacts prometheus.Counter
	DroppedResults  prometheus.Counter
	JournalFailures prometheus.Counter
	gatherer        prometheus.Gatherer
	stages          *stageWindow
}

// NewMetrics registers the instruments on reg. A nil reg uses a fresh registry,
// which keeps tests isolated from each other.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of connected translation sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and event.",
		}, []string{"direction", "event"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Work rejected by admission control or boundary validation.",
		}, []string{"reason"}),
		StageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_failures_total",
			Help:      "Pipeline failures by stage.",
		}, []string{"stage"}),
		PipelineLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_latency_ms",
			Help:      "End-to-end recognize/translate/synthesize latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000},
		}),
		InflightRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_inflight",
			Help:      "Pipeline invocations currently running.",
		}),
		StoredArtifacts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "artifacts_stored",
			Help:      "Synthesized audio files currently retained.",
		}),
		PrunedArtifacts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_pruned_total",
			Help:      "Synthesized audio files pruned by the retention ceiling.",
		}),
		DroppedResults: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_results_total",
			Help:      "Pipeline results discarded because the connection was gone.",
		}),
		JournalFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_failures_total",
			Help:      "Translation journal writes that failed.",
		}),
		gatherer: reg,
		stages:   newStageWindow(256),
	}
}

// ObservePipelineLatency records a completed run in the histogram and in the
// "total" stage of the latency window.
func (m *Metrics) ObservePipelineLatency(d time.Duration) {
	m.PipelineLatency.Observe(float64(d.Milliseconds()))
	m.stages.observe("total", d)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stages.observe(stage, d)
}

// StageLatency summarizes the recent latency of every observed stage.
func (m *Metrics) StageLatency() StageSnapshot {
	return m.stages.snapshot()
}

// ObserveArtifacts is an artifact.Store index hook.
func (m *Metrics) ObserveArtifacts(stored, pruned int) {
	m.StoredArtifacts.Set(float64(stored))
	if pruned > 0 {
		m.PrunedArtifacts.Add(float64(pruned))
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
