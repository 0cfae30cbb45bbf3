package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/provider"
	"github.com/hubenschmidt/voice-agent/internal/session"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *recorder) Emit(ev session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// trace renders events as "agent:<state>", "user:<state>" or "metrics:<kind>".
func (r *recorder) trace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		switch e := ev.(type) {
		case session.AgentStateChanged:
			out = append(out, "agent:"+string(e.NewState))
		case session.UserStateChanged:
			out = append(out, "user:"+string(e.NewState))
		case session.MetricsCollected:
			out = append(out, "metrics:"+string(e.Metrics.Kind()))
		}
	}
	return out
}

func (r *recorder) metrics() []session.Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []session.Metrics
	for _, ev := range r.events {
		if m, ok := ev.(session.MetricsCollected); ok {
			out = append(out, m.Metrics)
		}
	}
	return out
}

type output struct {
	mu       sync.Mutex
	messages []Message
	audio    [][]byte
}

func (o *output) SendMessage(m Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, m)
	return nil
}

func (o *output) SendAudio(wav []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.audio = append(o.audio, wav)
	return nil
}

func (o *output) ofType(typ string) []Message {
	var out []Message
	for _, m := range o.messages {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeSTT struct {
	clk   *clock
	texts []string
	err   error
	calls int
}

func (f *fakeSTT) Transcribe(_ context.Context, _ []float32, _ string) (*provider.Transcript, error) {
	f.clk.advance(200 * time.Millisecond)
	if f.err != nil {
		return nil, f.err
	}
	text := f.texts[f.calls%len(f.texts)]
	f.calls++
	return &provider.Transcript{Text: text, LatencyMs: 200}, nil
}

type fakeLLM struct {
	tokens []string
	err    error
	inputs []string
}

func (f *fakeLLM) Chat(_ context.Context, req provider.ChatRequest, _ string, onToken provider.TokenCallback) (*provider.Completion, error) {
	f.inputs = append(f.inputs, req.Input)
	if f.err != nil {
		return nil, f.err
	}
	for _, tok := range f.tokens {
		onToken(tok)
	}
	return &provider.Completion{
		Text:      strings.Join(f.tokens, ""),
		Tokens:    len(f.tokens),
		TTFTMs:    100,
		LatencyMs: 400,
	}, nil
}

type fakeTTS struct {
	mu        sync.Mutex
	sentences []string
	err       error
}

func (f *fakeTTS) Synthesize(_ context.Context, text, _ string, _ provider.TTSOptions) (*provider.Speech, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentences = append(f.sentences, text)
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Speech{Audio: []byte("wav:" + text), LatencyMs: 50}, nil
}

type harness struct {
	clk    *clock
	events *recorder
	out    *output
	stt    *fakeSTT
	llm    *fakeLLM
	tts    *fakeTTS
	s      *Session
}

func newHarness(cfg Config) *harness {
	clk := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		clk:    clk,
		events: &recorder{},
		out:    &output{},
		stt:    &fakeSTT{clk: clk, texts: []string{"what time is it"}},
		llm:    &fakeLLM{tokens: []string{"Hello! ", "How can I ", "help?"}},
		tts:    &fakeTTS{},
	}
	cfg.SessionID = "test"
	cfg.STT = h.stt
	cfg.LLM = h.llm
	cfg.TTS = h.tts
	cfg.VAD = audio.DefaultVADConfig()
	h.s = New(cfg, h.events, h.out)
	h.s.now = clk.now
	return h
}

func frame(amp float32) []byte {
	samples := make([]float32, 320)
	for i := range samples {
		samples[i] = amp
	}
	return audio.EncodePCM16(samples)
}

// speak pushes 300ms of speech at 20ms per frame.
func (h *harness) speak(t *testing.T) {
	t.Helper()
	for range 15 {
		require.NoError(t, h.s.PushAudio(context.Background(), frame(0.5), audio.CodecPCM, audio.SpeechRate))
		h.clk.advance(20 * time.Millisecond)
	}
}

// pause pushes silence until the utterance ends and returns the turn's error.
func (h *harness) pause(t *testing.T) error {
	t.Helper()
	for range 40 {
		calls := h.stt.calls
		err := h.s.PushAudio(context.Background(), frame(0), audio.CodecPCM, audio.SpeechRate)
		h.clk.advance(20 * time.Millisecond)
		if err != nil || h.stt.calls != calls || h.events.contains("agent:thinking") {
			return err
		}
	}
	t.Fatal("utterance never ended")
	return nil
}

func (r *recorder) contains(entry string) bool {
	for _, e := range r.trace() {
		if e == entry {
			return true
		}
	}
	return false
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func TestStartGreets(t *testing.T) {
	h := newHarness(Config{Greeting: "Greet the user and offer your assistance."})

	require.NoError(t, h.s.Start(context.Background()))

	assert.Equal(t, []string{
		"agent:initializing",
		"agent:thinking",
		"agent:speaking",
		"metrics:llm_metrics",
		"metrics:tts_metrics",
		"agent:listening",
	}, h.events.trace())
	assert.Equal(t, []string{"Greet the user and offer your assistance."}, h.llm.inputs)
	assert.Equal(t, []string{"Hello!", "How can I help?"}, h.tts.sentences)
	assert.Len(t, h.out.audio, 2)
	assert.Equal(t, session.AgentListening, h.s.AgentState())

	m := h.events.metrics()
	llm := m[0].(session.LLMMetrics)
	assert.InDelta(t, 0.1, llm.TTFT, 1e-9)
	assert.InDelta(t, 0.4, llm.Duration, 1e-9)
	assert.Equal(t, 3, llm.CompletionTokens)
	tts := m[1].(session.TTSMetrics)
	assert.InDelta(t, 0.05, tts.TTFB, 1e-9)
	assert.InDelta(t, 0.1, tts.Duration, 1e-9)
	assert.Equal(t, len("Hello!")+len("How can I help?"), tts.Characters)
	assert.Equal(t, llm.SpeechID, tts.SpeechID)
}

func TestStartWithoutGreeting(t *testing.T) {
	h := newHarness(Config{})

	require.NoError(t, h.s.Start(context.Background()))

	assert.Equal(t, []string{"agent:initializing", "agent:listening"}, h.events.trace())
	assert.Empty(t, h.llm.inputs)
}

func TestTurnEmitsMetrics(t *testing.T) {
	h := newHarness(Config{})
	require.NoError(t, h.s.Start(context.Background()))
	h.events.reset()

	h.speak(t)
	require.NoError(t, h.pause(t))

	assert.Equal(t, []string{
		"user:speaking",
		"user:listening",
		"agent:thinking",
		"metrics:eou_metrics",
		"agent:speaking",
		"metrics:llm_metrics",
		"metrics:tts_metrics",
		"agent:listening",
	}, h.events.trace())

	// Last voiced frame at 280ms, end detected at 840ms, transcript at 1040ms.
	eou := h.events.metrics()[0].(session.EOUMetrics)
	assert.InDelta(t, 0.76, eou.EndOfUtteranceDelay, 1e-9)
	assert.InDelta(t, 0.2, eou.TranscriptionDelay, 1e-9)

	transcripts := h.out.ofType("transcript")
	require.Len(t, transcripts, 1)
	assert.Equal(t, "what time is it", transcripts[0].Text)
	require.Len(t, h.out.ofType("response"), 1)
	assert.Len(t, h.out.ofType("llm_token"), 3)
}

func TestNoiseTranscriptIsDropped(t *testing.T) {
	h := newHarness(Config{})
	h.stt.texts = []string{"[inaudible]"}
	require.NoError(t, h.s.Start(context.Background()))
	h.events.reset()

	h.speak(t)
	require.NoError(t, h.pause(t))

	assert.Equal(t, []string{"user:speaking", "user:listening", "agent:thinking", "agent:listening"}, h.events.trace())
	assert.Empty(t, h.llm.inputs)
}

func TestShortSpeechIsDiscarded(t *testing.T) {
	h := newHarness(Config{})

	for range 5 {
		require.NoError(t, h.s.PushAudio(context.Background(), frame(0.5), audio.CodecPCM, audio.SpeechRate))
		h.clk.advance(20 * time.Millisecond)
	}
	for range 40 {
		require.NoError(t, h.s.PushAudio(context.Background(), frame(0), audio.CodecPCM, audio.SpeechRate))
		h.clk.advance(20 * time.Millisecond)
	}

	assert.Equal(t, []string{"user:speaking", "user:listening"}, h.events.trace())
	assert.Zero(t, h.stt.calls)
}

func TestSTTFailureReturnsToListening(t *testing.T) {
	h := newHarness(Config{})
	h.stt.err = errors.New("whisper status 503")
	require.NoError(t, h.s.Start(context.Background()))

	h.speak(t)
	err := h.pause(t)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "stt: whisper status 503")
	assert.Equal(t, session.AgentListening, h.s.AgentState())
	require.Len(t, h.out.ofType("error"), 1)
	assert.Empty(t, h.events.metrics())
}

func TestTTSFailureKeepsLLMMetrics(t *testing.T) {
	h := newHarness(Config{})
	h.tts.err = errors.New("tts down")
	require.NoError(t, h.s.Start(context.Background()))
	h.events.reset()

	h.speak(t)
	err := h.pause(t)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm+tts: tts down")
	assert.Equal(t, []string{
		"user:speaking",
		"user:listening",
		"agent:thinking",
		"metrics:eou_metrics",
		"metrics:llm_metrics",
		"agent:listening",
	}, h.events.trace())
	assert.Len(t, h.tts.sentences, 1)
	assert.Empty(t, h.out.audio)
}

func TestHistoryIsSentWithNextTurn(t *testing.T) {
	h := newHarness(Config{})
	h.stt.texts = []string{"first question", "second question"}
	require.NoError(t, h.s.Start(context.Background()))

	h.speak(t)
	require.NoError(t, h.pause(t))
	h.events.reset()
	h.speak(t)
	require.NoError(t, h.pause(t))

	require.Len(t, h.llm.inputs, 2)
	assert.Equal(t, "first question", h.llm.inputs[0])
	assert.Equal(t, "User: first question\nAssistant: Hello! How can I help?\nUser: second question", h.llm.inputs[1])
}

func TestCloseFlushesBufferedSpeech(t *testing.T) {
	h := newHarness(Config{})
	require.NoError(t, h.s.Start(context.Background()))
	h.events.reset()

	h.speak(t)
	require.NoError(t, h.s.Close(context.Background()))

	trace := h.events.trace()
	assert.Equal(t, "user:speaking", trace[0])
	assert.Contains(t, trace, "metrics:eou_metrics")
	assert.Equal(t, "user:away", trace[len(trace)-1])
	assert.Equal(t, 1, h.stt.calls)
}

func TestCloseWithoutSpeech(t *testing.T) {
	h := newHarness(Config{})

	require.NoError(t, h.s.Close(context.Background()))

	assert.Equal(t, []string{"user:away"}, h.events.trace())
}

type failingDenoiser struct{ calls int }

func (d *failingDenoiser) Denoise(context.Context, []float32) ([]float32, error) {
	d.calls++
	return nil, fmt.Errorf("sidecar down")
}

func TestDenoiseFailureUsesRawAudio(t *testing.T) {
	d := &failingDenoiser{}
	h := newHarness(Config{})
	h.s.cfg.Noise = d

	h.speak(t)

	assert.Equal(t, 15, d.calls)
	assert.Equal(t, []string{"user:speaking"}, h.events.trace())
}
