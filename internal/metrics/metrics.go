package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0}

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_sessions_active",
		Help: "Currently connected agent sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_sessions_total",
		Help: "Total agent sessions started",
	})

	// TurnMetric holds the per-field latency reported by the voice pipeline
	// (field = eou_delay | ttft | ttfb).
	TurnMetric = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_turn_metric_seconds",
		Help:    "Per-turn latency measurements by field",
		Buckets: latencyBuckets,
	}, []string{"field"})

	TurnLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_turn_total_latency_seconds",
		Help:    "Sum of EOU delay, TTFT and TTFB per flushed turn",
		Buckets: latencyBuckets,
	})

	TurnsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_turns_flushed_total",
		Help: "Turns finalized into metric records",
	})

	ExportFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_metrics_export_failures_total",
		Help: "Failed spreadsheet exports",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_stage_duration_seconds",
		Help:    "Provider call latency by stage",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	AudioFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_frames_processed_total",
		Help: "Total audio frames received",
	})

	SpeechSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_speech_segments_total",
		Help: "Speech segments detected by VAD",
	})

	TranscriptsFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stt_transcripts_filtered_total",
		Help: "Transcripts dropped as empty or background noise",
	})

	StoreWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "store_write_failures_total",
		Help: "Failed turn store writes by kind",
	}, []string{"kind"})
)
