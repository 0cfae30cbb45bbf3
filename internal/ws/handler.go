package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-agent/internal/agent"
	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
	"github.com/hubenschmidt/voice-agent/internal/provider"
	"github.com/hubenschmidt/voice-agent/internal/session"
	"github.com/hubenschmidt/voice-agent/internal/store"
	"github.com/hubenschmidt/voice-agent/internal/turnmetrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the shared collaborators of all sessions.
type HandlerConfig struct {
	STT   agent.Transcriber
	LLM   agent.Chatter
	TTS   agent.Synthesizer
	Noise agent.Denoiser

	VADConfig     audio.VADConfig
	MaxConcurrent int

	// Log receives every flushed turn. Recorder may be nil.
	Log      *turnmetrics.Log
	Recorder *store.Recorder

	STTEngine string
	LLMEngine string
	TTSEngine string

	Instructions string
	Greeting     string

	InterSentencePauseMs int

	// FlushTimeout bounds the final drain of a session's events.
	FlushTimeout time.Duration
}

// Handler runs one agent session per WebSocket connection, with admission
// control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewHandler creates a WebSocket handler with shared collaborators and a
// concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 100
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		ctx:    ctx,
		cancel: cancel,
	}
}

// sessionOptions is the first text frame sent by the client.
type sessionOptions struct {
	Codec        string  `json:"codec"`
	SampleRate   int     `json:"sample_rate"`
	STTEngine    string  `json:"stt_engine"`
	LLMEngine    string  `json:"llm_engine"`
	LLMModel     string  `json:"llm_model"`
	TTSEngine    string  `json:"tts_engine"`
	TTSVoice     string  `json:"tts_voice"`
	TTSSpeed     float64 `json:"tts_speed"`
	Instructions string  `json:"instructions"`
	NoGreeting   bool    `json:"no_greeting"`
}

// ServeHTTP upgrades the connection and runs the session. Returns 503 at
// capacity or once Shutdown has begun.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	defer metrics.SessionsActive.Dec()

	h.runSession(conn)
}

// Shutdown stops admitting sessions, cancels the live ones and waits until
// each has flushed its final turn.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}
}

func (h *Handler) runSession(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	client := newClient(conn)

	opts, err := readOptions(conn)
	if err != nil {
		slog.Error("read_session_options", "error", err)
		return
	}
	codec, err := audio.ParseCodec(opts.Codec)
	if err != nil {
		client.SendMessage(agent.Message{Type: "error", Text: err.Error()})
		return
	}
	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.SpeechRate
	}

	id := uuid.NewString()
	cfg := h.sessionConfig(id, opts)

	disp := session.NewDispatcher(id, 0)
	agg := turnmetrics.NewAggregator(id, h.cfg.Log, h.cfg.Recorder)
	disp.Subscribe(turnmetrics.NewObserver(agg))
	disp.Subscribe(client)
	disp.AddShutdownHook(agg.FlushPending)

	meta, _ := json.Marshal(opts)
	h.cfg.Recorder.StartSession(id, string(meta))

	slog.Info("session_started", "session_id", id, "codec", codec, "sample_rate", sampleRate,
		"stt_engine", cfg.STTEngine, "llm_engine", cfg.LLMEngine, "tts_engine", cfg.TTSEngine)

	sess := agent.New(cfg, disp, client)
	if err = sess.Start(ctx); err != nil {
		slog.Error("session_start", "session_id", id, "error", err)
	}

	readAudio(ctx, conn, sess, codec, sampleRate)

	if err = sess.Close(ctx); err != nil {
		slog.Error("session_close", "session_id", id, "error", err)
	}
	client.close()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), h.cfg.FlushTimeout)
	defer flushCancel()
	if err = disp.Shutdown(flushCtx); err != nil {
		slog.Error("session_flush", "session_id", id, "error", err)
	}
	h.cfg.Recorder.EndSession(id)

	slog.Info("session_ended", "session_id", id)
}

func (h *Handler) sessionConfig(id string, opts *sessionOptions) agent.Config {
	greeting := h.cfg.Greeting
	if opts.NoGreeting {
		greeting = ""
	}
	return agent.Config{
		SessionID:            id,
		STT:                  h.cfg.STT,
		LLM:                  h.cfg.LLM,
		TTS:                  h.cfg.TTS,
		Noise:                h.cfg.Noise,
		VAD:                  h.cfg.VADConfig,
		Instructions:         orDefault(opts.Instructions, h.cfg.Instructions),
		Greeting:             greeting,
		STTEngine:            orDefault(opts.STTEngine, h.cfg.STTEngine),
		LLMEngine:            orDefault(opts.LLMEngine, h.cfg.LLMEngine),
		LLMModel:             opts.LLMModel,
		TTSEngine:            orDefault(opts.TTSEngine, h.cfg.TTSEngine),
		TTSOptions:           provider.TTSOptions{Speed: opts.TTSSpeed, Voice: opts.TTSVoice},
		InterSentencePauseMs: h.cfg.InterSentencePauseMs,
	}
}

// readAudio feeds binary frames to the session until the client disconnects
// or sends a text frame.
func readAudio(ctx context.Context, conn *websocket.Conn, sess *agent.Session, codec audio.Codec, sampleRate int) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("connection_closed", "error", err)
			return
		}
		if msgType != websocket.BinaryMessage {
			return
		}
		if err = sess.PushAudio(ctx, data, codec, sampleRate); err != nil {
			slog.Error("process_audio", "error", err)
		}
	}
}

func readOptions(conn *websocket.Conn) (*sessionOptions, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var opts sessionOptions
	if err = json.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("decode session options: %w", err)
	}
	return &opts, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

// client serializes writes to one connection. It is both the agent's Output
// and a session.Observer that forwards events as JSON text frames.
type client struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn}
}

func (c *client) write(msgType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return agent.ErrOutputClosed
	}
	return c.conn.WriteMessage(msgType, data)
}

func (c *client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *client) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *client) SendMessage(m agent.Message) error {
	return c.writeJSON(m)
}

func (c *client) SendAudio(wav []byte) error {
	return c.write(websocket.BinaryMessage, wav)
}

func (c *client) OnUserStateChanged(ev session.UserStateChanged) {
	c.forward(ev)
}

func (c *client) OnAgentStateChanged(ev session.AgentStateChanged) {
	c.forward(ev)
}

func (c *client) OnMetricsCollected(ev session.MetricsCollected) {
	c.forward(ev)
}

func (c *client) forward(ev session.Event) {
	if err := c.writeJSON(ev); err != nil && !errors.Is(err, agent.ErrOutputClosed) {
		slog.Debug("write_event", "error", err)
	}
}
