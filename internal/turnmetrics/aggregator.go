package turnmetrics

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// Aggregator collects the measurements of the current turn of one session.
type Aggregator struct {
	sessionID string
	log       *Log
	sink      Sink
	now       func() time.Time

	mu      sync.Mutex
	current map[Field]float64
}

// NewAggregator creates an aggregator that appends to log. sink may be nil.
func NewAggregator(sessionID string, log *Log, sink Sink) *Aggregator {
	return &Aggregator{
		sessionID: sessionID,
		log:       log,
		sink:      sink,
		now:       time.Now,
		current:   make(map[Field]float64, len(knownFields)),
	}
}

// Record stores value for field in the current turn, overwriting any earlier
// value for the same field.
func (a *Aggregator) Record(field Field, seconds float64) error {
	if !knownFields[field] {
		return fmt.Errorf("%w: %q", ErrUnknownMetricField, field)
	}
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return fmt.Errorf("%w: %s=%v", ErrInvalidValue, field, seconds)
	}

	a.mu.Lock()
	a.current[field] = seconds
	a.mu.Unlock()

	metrics.TurnMetric.WithLabelValues(string(field)).Observe(seconds)
	return nil
}

// Pending reports whether the current turn holds any measurement.
func (a *Aggregator) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.current) > 0
}

// Flush finalizes the current turn into a Record, appends it to the log and
// resets the turn. Missing fields count as zero.
func (a *Aggregator) Flush() Record {
	r, _ := a.flush(false)
	return r
}

// flush takes the current turn and records it. With onlyPending set, an
// empty turn is left alone and ok is false.
func (a *Aggregator) flush(onlyPending bool) (r Record, ok bool) {
	a.mu.Lock()
	turn := a.current
	if onlyPending && len(turn) == 0 {
		a.mu.Unlock()
		return Record{}, false
	}
	a.current = make(map[Field]float64, len(knownFields))
	a.mu.Unlock()

	r = Record{
		ID:        uuid.NewString(),
		SessionID: a.sessionID,
		Timestamp: a.now(),
		EOUDelay:  turn[FieldEOUDelay],
		TTFT:      turn[FieldTTFT],
		TTFB:      turn[FieldTTFB],
	}
	r.TotalLatency = r.EOUDelay + r.TTFT + r.TTFB

	a.log.Append(r)
	if a.sink != nil {
		a.sink.RecordTurn(r)
	}

	metrics.TurnsFlushed.Inc()
	metrics.TurnLatency.Observe(r.TotalLatency)
	return r, true
}

// FlushPending flushes the current turn if it holds anything. It has the
// ShutdownHook signature so a partially completed final turn is kept when a
// session ends. The check and the flush are atomic, so it is safe to call
// while events are still being delivered.
func (a *Aggregator) FlushPending(_ context.Context) error {
	a.flush(true)
	return nil
}
