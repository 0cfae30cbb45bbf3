package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/provider"
	"github.com/hubenschmidt/voice-agent/internal/store"
	"github.com/hubenschmidt/voice-agent/internal/turnmetrics"
)

type stubSTT struct{}

func (stubSTT) Transcribe(context.Context, []float32, string) (*provider.Transcript, error) {
	return &provider.Transcript{Text: "what is the weather", LatencyMs: 20}, nil
}

// slowSTT ignores cancellation, like a backend that cannot be interrupted.
type slowSTT struct {
	delay time.Duration
}

func (s slowSTT) Transcribe(context.Context, []float32, string) (*provider.Transcript, error) {
	time.Sleep(s.delay)
	return &provider.Transcript{Text: "what is the weather", LatencyMs: 20}, nil
}

type nopWriter struct{}

func (nopWriter) CreateSession(context.Context, string, string, time.Time) error { return nil }
func (nopWriter) EndSession(context.Context, string, time.Time) error           { return nil }
func (nopWriter) InsertTurn(context.Context, store.Turn) error                  { return nil }

type stubLLM struct{}

func (stubLLM) Chat(_ context.Context, _ provider.ChatRequest, _ string, onToken provider.TokenCallback) (*provider.Completion, error) {
	onToken("It is sunny.")
	return &provider.Completion{Text: "It is sunny.", Tokens: 1, TTFTMs: 100, LatencyMs: 150}, nil
}

type stubTTS struct{}

func (stubTTS) Synthesize(context.Context, string, string, provider.TTSOptions) (*provider.Speech, error) {
	return &provider.Speech{Audio: []byte("RIFF"), LatencyMs: 50}, nil
}

func newTestHandler(log *turnmetrics.Log, maxConcurrent int) *Handler {
	return NewHandler(HandlerConfig{
		STT: stubSTT{},
		LLM: stubLLM{},
		TTS: stubTTS{},
		VADConfig: audio.VADConfig{
			SpeechThresholdDB: -35,
			SilenceTimeout:    10 * time.Millisecond,
			SampleRate:        audio.SpeechRate,
		},
		MaxConcurrent: maxConcurrent,
		Log:           log,
		Greeting:      "Greet the user and offer your assistance.",
	})
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, srv *httptest.Server, opts map[string]any) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	data, err := json.Marshal(opts)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	return conn
}

type frame map[string]any

// readUntil collects text frames until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) []frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frames []frame
	for {
		msgType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if msgType != websocket.TextMessage {
			continue
		}
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		frames = append(frames, f)
		if match(f) {
			return frames
		}
	}
}

func agentListening(f frame) bool {
	return f["type"] == "agent_state_changed" && f["new_state"] == "listening"
}

func pcm(amp float32) []byte {
	samples := make([]float32, 320)
	for i := range samples {
		samples[i] = amp
	}
	return audio.EncodePCM16(samples)
}

func metricsKinds(frames []frame) []string {
	var kinds []string
	for _, f := range frames {
		if f["type"] != "metrics_collected" {
			continue
		}
		m := f["metrics"].(map[string]any)
		kinds = append(kinds, m["type"].(string))
	}
	return kinds
}

func TestSessionRecordsTurns(t *testing.T) {
	log := turnmetrics.NewLog(time.Now())
	h := newTestHandler(log, 4)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, map[string]any{"codec": "pcm", "sample_rate": 16000})

	greeting := readUntil(t, conn, agentListening)
	assert.Equal(t, []string{"llm_metrics", "tts_metrics"}, metricsKinds(greeting))

	for range 3 {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pcm(0.5)))
	}
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pcm(0)))

	turn := readUntil(t, conn, agentListening)
	assert.Equal(t, []string{"eou_metrics", "llm_metrics", "tts_metrics"}, metricsKinds(turn))

	var transcript string
	for _, f := range turn {
		if f["type"] == "transcript" {
			transcript = f["text"].(string)
		}
	}
	assert.Equal(t, "what is the weather", transcript)

	require.NoError(t, conn.Close())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	records := log.Records()
	require.Len(t, records, 2)
	assert.Zero(t, records[0].EOUDelay)
	assert.InDelta(t, 0.1, records[0].TTFT, 1e-9)
	assert.InDelta(t, 0.05, records[0].TTFB, 1e-9)
	assert.Greater(t, records[1].EOUDelay, 0.0)
	assert.InDelta(t, records[1].EOUDelay+0.15, records[1].TotalLatency, 1e-9)
	assert.Equal(t, records[0].SessionID, records[1].SessionID)
}

func TestUnsupportedCodec(t *testing.T) {
	h := newTestHandler(turnmetrics.NewLog(time.Now()), 4)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, map[string]any{"codec": "opus"})
	defer conn.Close()

	frames := readUntil(t, conn, func(f frame) bool { return f["type"] == "error" })
	assert.Contains(t, frames[len(frames)-1]["text"], "unsupported codec")
}

func TestAdmissionControl(t *testing.T) {
	h := newTestHandler(turnmetrics.NewLog(time.Now()), 1)
	srv := httptest.NewServer(h)
	defer srv.Close()

	first := dial(t, srv, map[string]any{"no_greeting": true})
	defer first.Close()
	readUntil(t, first, agentListening)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestShutdownClosesSessions(t *testing.T) {
	log := turnmetrics.NewLog(time.Now())
	h := newTestHandler(log, 4)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, map[string]any{})
	defer conn.Close()
	readUntil(t, conn, agentListening)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	assert.Equal(t, 1, log.Len())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/session", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecorderClosedWhileTurnInFlight(t *testing.T) {
	log := turnmetrics.NewLog(time.Now())
	rec := store.NewRecorder(nopWriter{})
	h := NewHandler(HandlerConfig{
		STT: slowSTT{delay: 300 * time.Millisecond},
		LLM: stubLLM{},
		TTS: stubTTS{},
		VADConfig: audio.VADConfig{
			SpeechThresholdDB: -35,
			SilenceTimeout:    10 * time.Millisecond,
			SampleRate:        audio.SpeechRate,
		},
		Log:      log,
		Recorder: rec,
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, map[string]any{"no_greeting": true})
	defer conn.Close()
	readUntil(t, conn, agentListening)

	for range 3 {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pcm(0.5)))
	}
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pcm(0)))
	readUntil(t, conn, func(f frame) bool {
		return f["type"] == "agent_state_changed" && f["new_state"] == "thinking"
	})

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	require.Error(t, h.Shutdown(short))
	rec.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	assert.Equal(t, 1, log.Len())
}
