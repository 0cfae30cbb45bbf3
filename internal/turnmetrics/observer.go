package turnmetrics

import (
	"log/slog"

	"github.com/hubenschmidt/voice-agent/internal/session"
)

// Observer feeds session events into an Aggregator: stage metrics are
// recorded and the turn is flushed when the agent goes back to listening.
type Observer struct {
	agg *Aggregator
}

// NewObserver wraps agg as a session.Observer.
func NewObserver(agg *Aggregator) *Observer {
	return &Observer{agg: agg}
}

func (o *Observer) OnUserStateChanged(session.UserStateChanged) {}

// OnAgentStateChanged flushes the turn in progress when the agent returns to
// listening. The initial transition into listening carries no measurements
// and does not produce a record.
func (o *Observer) OnAgentStateChanged(ev session.AgentStateChanged) {
	if ev.NewState != session.AgentListening {
		return
	}
	r, ok := o.agg.flush(true)
	if !ok {
		return
	}
	slog.Info("turn_metrics_flushed",
		"session_id", r.SessionID,
		"eou_delay", r.EOUDelay,
		"ttft", r.TTFT,
		"ttfb", r.TTFB,
		"total_latency", r.TotalLatency,
	)
}

func (o *Observer) OnMetricsCollected(ev session.MetricsCollected) {
	field, value, ok := fieldOf(ev.Metrics)
	if !ok {
		return
	}
	if err := o.agg.Record(field, value); err != nil {
		slog.Warn("turn_metric_rejected", "field", field, "error", err)
	}
}

func fieldOf(m session.Metrics) (Field, float64, bool) {
	switch v := m.(type) {
	case session.EOUMetrics:
		return FieldEOUDelay, v.EndOfUtteranceDelay, true
	case session.LLMMetrics:
		return FieldTTFT, v.TTFT, true
	case session.TTSMetrics:
		return FieldTTFB, v.TTFB, true
	}
	return "", 0, false
}
