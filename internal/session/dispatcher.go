package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// lateHookTimeout bounds the shutdown hooks when the caller's context expired
// before the event queue drained.
const lateHookTimeout = 2 * time.Second

// Observer receives session events. A Dispatcher calls at most one observer
// method at a time.
type Observer interface {
	OnUserStateChanged(ev UserStateChanged)
	OnAgentStateChanged(ev AgentStateChanged)
	OnMetricsCollected(ev MetricsCollected)
}

// ShutdownHook runs once when the dispatcher shuts down, after every pending
// event has been delivered.
type ShutdownHook func(ctx context.Context) error

// Emitter is the producer side of a Dispatcher.
type Emitter interface {
	Emit(ev Event)
}

// Dispatch routes ev to the matching observer method. Unknown events are ignored.
func Dispatch(o Observer, ev Event) {
	switch e := ev.(type) {
	case UserStateChanged:
		o.OnUserStateChanged(e)
	case AgentStateChanged:
		o.OnAgentStateChanged(e)
	case MetricsCollected:
		o.OnMetricsCollected(e)
	}
}

// Dispatcher delivers events to observers from a single goroutine, so
// observers never run concurrently with each other.
type Dispatcher struct {
	id string

	mu        sync.Mutex
	observers []Observer
	hooks     []ShutdownHook

	sendMu sync.RWMutex
	closed bool

	ch   chan Event
	done chan struct{}
}

// NewDispatcher starts a dispatcher for session id. Must call Shutdown when done.
func NewDispatcher(id string, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	d := &Dispatcher{
		id:   id,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	go d.drain()
	return d
}

// ID returns the session id the dispatcher was created for.
func (d *Dispatcher) ID() string {
	return d.id
}

// Subscribe registers o for all subsequent events.
func (d *Dispatcher) Subscribe(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// AddShutdownHook registers fn to run during Shutdown, in registration order.
func (d *Dispatcher) AddShutdownHook(fn ShutdownHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, fn)
}

// Emit queues ev for delivery. Events emitted after Shutdown are dropped.
func (d *Dispatcher) Emit(ev Event) {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed {
		slog.Warn("event_dropped_after_shutdown", "session_id", d.id, "event", eventName(ev))
		return
	}
	d.ch <- ev
}

func (d *Dispatcher) drain() {
	defer close(d.done)
	for ev := range d.ch {
		logEvent(d.id, ev)
		d.mu.Lock()
		observers := slices.Clone(d.observers)
		d.mu.Unlock()
		for _, o := range observers {
			Dispatch(o, ev)
		}
	}
}

// Shutdown stops accepting events, waits for pending events to be delivered,
// then runs the shutdown hooks. If ctx expires first, the hooks still run
// under a fresh lateHookTimeout context and the expiry is returned with the
// hook errors. Calling Shutdown more than once is a no-op.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.sendMu.Lock()
	if d.closed {
		d.sendMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ch)
	d.sendMu.Unlock()

	var errs []error
	select {
	case <-d.done:
	case <-ctx.Done():
		slog.Warn("dispatcher_drain_timeout", "session_id", d.id, "error", ctx.Err())
		errs = append(errs, fmt.Errorf("drain events: %w", ctx.Err()))
		late, cancel := context.WithTimeout(context.WithoutCancel(ctx), lateHookTimeout)
		defer cancel()
		ctx = late
	}

	d.mu.Lock()
	hooks := slices.Clone(d.hooks)
	d.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var userStateMessages = map[UserState]string{
	UserSpeaking:  "user started speaking",
	UserListening: "user stopped speaking",
	UserAway:      "user is not present",
}

var agentStateMessages = map[AgentState]string{
	AgentInitializing: "agent is starting up",
	AgentIdle:         "agent is ready but not processing",
	AgentListening:    "agent is listening for user input",
	AgentThinking:     "agent is processing user input and generating a response",
	AgentSpeaking:     "agent started speaking",
}

func logEvent(sessionID string, ev Event) {
	switch e := ev.(type) {
	case UserStateChanged:
		slog.Info("user_state_changed", "session_id", sessionID, "old_state", e.OldState, "new_state", e.NewState,
			"description", userStateMessages[e.NewState])
	case AgentStateChanged:
		slog.Info("agent_state_changed", "session_id", sessionID, "old_state", e.OldState, "new_state", e.NewState,
			"description", agentStateMessages[e.NewState])
	case MetricsCollected:
		logMetrics(sessionID, e.Metrics)
	}
}

func logMetrics(sessionID string, m Metrics) {
	switch v := m.(type) {
	case EOUMetrics:
		slog.Info("eou_delay", "session_id", sessionID, "seconds", v.EndOfUtteranceDelay, "transcription_delay", v.TranscriptionDelay)
	case LLMMetrics:
		slog.Info("llm_ttft", "session_id", sessionID, "seconds", v.TTFT, "duration", v.Duration)
	case TTSMetrics:
		slog.Info("tts_ttfb", "session_id", sessionID, "seconds", v.TTFB, "duration", v.Duration)
	}
}

func eventName(ev Event) string {
	switch ev.(type) {
	case UserStateChanged:
		return "user_state_changed"
	case AgentStateChanged:
		return "agent_state_changed"
	case MetricsCollected:
		return "metrics_collected"
	}
	return "unknown"
}
