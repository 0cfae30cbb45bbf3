package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/metrics"
	"github.com/hubenschmidt/voice-agent/internal/turnmetrics"
)

const writeTimeout = 5 * time.Second

// writer is the subset of Store the recorder needs.
type writer interface {
	CreateSession(ctx context.Context, id, metadata string, startedAt time.Time) error
	EndSession(ctx context.Context, id string, endedAt time.Time) error
	InsertTurn(ctx context.Context, t Turn) error
}

type recordMsg struct {
	kind      string // "session_create", "session_end", "turn"
	sessionID string
	metadata  string
	at        time.Time
	turn      Turn
}

// Recorder writes sessions and turns asynchronously through a buffered
// channel drained by one goroutine. All methods are nil-safe (no-op on nil
// receiver), so callers can run without a database. Writes that arrive
// after Close are dropped.
type Recorder struct {
	store writer
	ch    chan recordMsg
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts a recorder writing to store. Must call Close when done.
func NewRecorder(store writer) *Recorder {
	r := &Recorder{
		store: store,
		ch:    make(chan recordMsg, 64),
		done:  make(chan struct{}),
	}
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer close(r.done)
	for msg := range r.ch {
		r.handle(msg)
	}
}

func (r *Recorder) handle(m recordMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	handlers := map[string]func() error{
		"session_create": func() error { return r.store.CreateSession(ctx, m.sessionID, m.metadata, m.at) },
		"session_end":    func() error { return r.store.EndSession(ctx, m.sessionID, m.at) },
		"turn":           func() error { return r.store.InsertTurn(ctx, m.turn) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		metrics.StoreWriteFailures.WithLabelValues(m.kind).Inc()
		slog.Warn("store_write_failed", "kind", m.kind, "session_id", m.sessionID, "error", err)
	}
}

// StartSession records the beginning of a session.
func (r *Recorder) StartSession(id, metadata string) {
	if r == nil {
		return
	}
	r.send(recordMsg{kind: "session_create", sessionID: id, metadata: metadata, at: time.Now()})
}

// EndSession records the end of a session.
func (r *Recorder) EndSession(id string) {
	if r == nil {
		return
	}
	r.send(recordMsg{kind: "session_end", sessionID: id, at: time.Now()})
}

// RecordTurn implements turnmetrics.Sink.
func (r *Recorder) RecordTurn(rec turnmetrics.Record) {
	if r == nil {
		return
	}
	r.send(recordMsg{
		kind:      "turn",
		sessionID: rec.SessionID,
		turn: Turn{
			ID:           rec.ID,
			SessionID:    rec.SessionID,
			RecordedAt:   rec.Timestamp,
			EOUDelay:     rec.EOUDelay,
			TTFT:         rec.TTFT,
			TTFB:         rec.TTFB,
			TotalLatency: rec.TotalLatency,
		},
	})
}

func (r *Recorder) send(m recordMsg) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.StoreWriteFailures.WithLabelValues(m.kind).Inc()
		slog.Warn("store_write_dropped", "kind", m.kind, "session_id", m.sessionID)
		return
	}
	r.ch <- m
}

// Close drains pending writes and shuts down the background goroutine.
// Calling Close more than once is a no-op.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
}
