package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
	"github.com/hubenschmidt/voice-agent/internal/prompts"
	"github.com/hubenschmidt/voice-agent/internal/provider"
	"github.com/hubenschmidt/voice-agent/internal/session"
)

// Transcriber is the STT stage.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, engine string) (*provider.Transcript, error)
}

// Chatter is the LLM stage.
type Chatter interface {
	Chat(ctx context.Context, req provider.ChatRequest, engine string, onToken provider.TokenCallback) (*provider.Completion, error)
}

// Synthesizer is the TTS stage.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, engine string, opts provider.TTSOptions) (*provider.Speech, error)
}

// Denoiser suppresses background noise in 16 kHz samples.
type Denoiser interface {
	Denoise(ctx context.Context, samples []float32) ([]float32, error)
}

// Message is a text frame for the client.
type Message struct {
	Type      string  `json:"type"`
	Text      string  `json:"text,omitempty"`
	Token     string  `json:"token,omitempty"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
}

// Output receives what the agent says and hears.
type Output interface {
	SendMessage(m Message) error
	SendAudio(wav []byte) error
}

// ErrOutputClosed is returned by an Output whose client has gone away.
var ErrOutputClosed = errors.New("output closed")

// Config holds the collaborators and settings of one session.
type Config struct {
	SessionID string
	STT       Transcriber
	LLM       Chatter
	TTS       Synthesizer
	Noise     Denoiser

	VAD audio.VADConfig

	Instructions string
	Greeting     string

	STTEngine  string
	LLMEngine  string
	LLMModel   string
	TTSEngine  string
	TTSOptions provider.TTSOptions

	InterSentencePauseMs int
}

// exchange holds one user→assistant turn of conversation history.
type exchange struct {
	user      string
	assistant string
}

// Session drives one conversation: VAD → STT → LLM → TTS. State changes
// and stage metrics are emitted as session events.
//
// PushAudio and Close must not be called concurrently.
type Session struct {
	cfg    Config
	events session.Emitter
	out    Output
	vad    *audio.VAD
	now    func() time.Time

	history       []exchange
	noiseWarnOnce sync.Once

	mu         sync.Mutex
	userState  session.UserState
	agentState session.AgentState
}

// New creates a session. cfg.Instructions defaults to the assistant prompt.
func New(cfg Config, events session.Emitter, out Output) *Session {
	cfg.Instructions = prompts.ForSession(cfg.Instructions)
	return &Session{
		cfg:       cfg,
		events:    events,
		out:       out,
		vad:       audio.NewVAD(cfg.VAD),
		now:       time.Now,
		userState: session.UserListening,
	}
}

// Start announces the agent and speaks the greeting, if any. It returns
// with the agent listening.
func (s *Session) Start(ctx context.Context) error {
	s.setAgentState(session.AgentInitializing)
	defer s.setAgentState(session.AgentListening)

	if s.cfg.Greeting == "" {
		return nil
	}
	s.setAgentState(session.AgentThinking)
	if _, err := s.reply(ctx, uuid.NewString(), s.cfg.Greeting); err != nil {
		return s.fail(fmt.Errorf("greeting: %w", err))
	}
	return nil
}

// PushAudio decodes one audio frame and feeds it to the VAD. When the VAD
// reports the end of an utterance, a full turn runs before PushAudio returns.
func (s *Session) PushAudio(ctx context.Context, frame []byte, codec audio.Codec, sampleRate int) error {
	metrics.AudioFrames.Inc()

	samples, err := audio.DecodeTo16k(frame, codec, sampleRate)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	samples = s.denoise(ctx, samples)

	res := s.vad.ProcessAt(samples, s.now())
	switch {
	case res.SpeechStarted:
		s.setUserState(session.UserSpeaking)
	case res.Discarded:
		s.setUserState(session.UserListening)
	case res.SpeechEnded:
		s.setUserState(session.UserListening)
		metrics.SpeechSegments.Inc()
		return s.runTurn(ctx, res.Audio, res.LastSpeech)
	}
	return nil
}

// Close runs a turn on any speech still buffered in the VAD and marks the
// user away.
func (s *Session) Close(ctx context.Context) error {
	defer s.setUserState(session.UserAway)

	speech, last := s.vad.Flush()
	if len(speech) == 0 {
		return nil
	}
	s.setUserState(session.UserListening)
	metrics.SpeechSegments.Inc()
	return s.runTurn(ctx, speech, last)
}

func (s *Session) denoise(ctx context.Context, samples []float32) []float32 {
	if s.cfg.Noise == nil {
		return samples
	}
	out, err := s.cfg.Noise.Denoise(ctx, samples)
	if err != nil {
		s.noiseWarnOnce.Do(func() {
			slog.Warn("noise_suppression_failed", "session_id", s.cfg.SessionID, "error", err)
		})
		return samples
	}
	return out
}

// runTurn transcribes one utterance and answers it. lastSpeech is when the
// user was last heard.
func (s *Session) runTurn(ctx context.Context, speech []float32, lastSpeech time.Time) error {
	speechID := uuid.NewString()
	s.setAgentState(session.AgentThinking)
	defer s.setAgentState(session.AgentListening)

	tr, err := s.cfg.STT.Transcribe(ctx, speech, s.cfg.STTEngine)
	if err != nil {
		return s.fail(fmt.Errorf("stt: %w", err))
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" || isNoiseTranscript(text) {
		metrics.TranscriptsFiltered.Inc()
		slog.Debug("transcript_filtered", "session_id", s.cfg.SessionID, "text", text)
		return nil
	}

	s.emitMetrics(session.EOUMetrics{
		EndOfUtteranceDelay: s.now().Sub(lastSpeech).Seconds(),
		TranscriptionDelay:  tr.LatencyMs / 1000,
		SpeechID:            speechID,
	})
	slog.Info("transcript", "session_id", s.cfg.SessionID, "text", text, "stt_ms", tr.LatencyMs)
	s.send(Message{Type: "transcript", Text: text, LatencyMs: tr.LatencyMs})

	answer, err := s.reply(ctx, speechID, s.formatInput(text))
	if err != nil {
		return s.fail(fmt.Errorf("llm+tts: %w", err))
	}
	s.history = append(s.history, exchange{user: text, assistant: answer})
	return nil
}

// reply streams a completion for input and speaks it sentence by sentence.
// The first synthesized sentence switches the agent to speaking.
func (s *Session) reply(ctx context.Context, speechID, input string) (string, error) {
	sentences := make(chan string, 4)
	var wg sync.WaitGroup
	var spoken speechStats

	wg.Add(1)
	go func() {
		defer wg.Done()
		spoken = s.speak(ctx, sentences)
	}()

	var sb sentenceBuffer
	var cf codeFilter
	req := provider.ChatRequest{Instructions: s.cfg.Instructions, Input: input, Model: s.cfg.LLMModel}
	completion, err := s.cfg.LLM.Chat(ctx, req, s.cfg.LLMEngine, func(token string) {
		s.send(Message{Type: "llm_token", Token: token})
		if sentence := sb.Add(cf.Filter(token)); sentence != "" {
			sentences <- sentence
		}
	})
	if rest := sb.Flush(); rest != "" && err == nil {
		sentences <- rest
	}
	close(sentences)
	wg.Wait()

	if err != nil {
		return "", err
	}

	slog.Info("llm_response", "session_id", s.cfg.SessionID, "text", completion.Text,
		"llm_ms", completion.LatencyMs, "ttft_ms", completion.TTFTMs)
	s.send(Message{Type: "response", Text: completion.Text, LatencyMs: completion.LatencyMs})
	s.emitMetrics(session.LLMMetrics{
		TTFT:             completion.TTFTMs / 1000,
		Duration:         completion.LatencyMs / 1000,
		CompletionTokens: completion.Tokens,
		SpeechID:         speechID,
	})

	if spoken.sentences > 0 {
		s.emitMetrics(session.TTSMetrics{
			TTFB:       spoken.firstMs / 1000,
			Duration:   spoken.totalMs / 1000,
			AudioBytes: spoken.bytes,
			Characters: spoken.chars,
			SpeechID:   speechID,
		})
	}
	return completion.Text, spoken.err
}

type speechStats struct {
	sentences int
	firstMs   float64
	totalMs   float64
	bytes     int
	chars     int
	err       error
}

// speak synthesizes sentences until the channel closes. After a failure the
// remaining sentences are drained unspoken.
func (s *Session) speak(ctx context.Context, sentences <-chan string) speechStats {
	var st speechStats
	for sentence := range sentences {
		if st.err != nil {
			continue
		}
		sentence = stripMarkdown(sentence)
		if sentence == "" {
			continue
		}
		speech, err := s.cfg.TTS.Synthesize(ctx, sentence, s.cfg.TTSEngine, s.cfg.TTSOptions)
		if err != nil {
			slog.Error("tts_sentence", "session_id", s.cfg.SessionID, "error", err, "text", sentence)
			st.err = err
			continue
		}
		if st.sentences == 0 {
			st.firstMs = speech.LatencyMs
			s.setAgentState(session.AgentSpeaking)
		}
		st.sentences++
		st.totalMs += speech.LatencyMs
		st.bytes += len(speech.Audio)
		st.chars += len(sentence)

		s.sendAudio(speech.Audio)
		if s.cfg.InterSentencePauseMs > 0 {
			s.sendAudio(audio.Silence(s.cfg.InterSentencePauseMs, 24000))
		}
	}
	return st
}

// formatInput prepends conversation history to the current message.
func (s *Session) formatInput(current string) string {
	if len(s.history) == 0 {
		return current
	}
	var b strings.Builder
	for _, t := range s.history {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.user, t.assistant)
	}
	fmt.Fprintf(&b, "User: %s", current)
	return b.String()
}

func (s *Session) fail(err error) error {
	s.send(Message{Type: "error", Text: err.Error()})
	return err
}

func (s *Session) setUserState(state session.UserState) {
	s.mu.Lock()
	old := s.userState
	s.userState = state
	s.mu.Unlock()
	if old == state {
		return
	}
	s.events.Emit(session.UserStateChanged{OldState: old, NewState: state, CreatedAt: s.now()})
}

func (s *Session) setAgentState(state session.AgentState) {
	s.mu.Lock()
	old := s.agentState
	s.agentState = state
	s.mu.Unlock()
	if old == state {
		return
	}
	s.events.Emit(session.AgentStateChanged{OldState: old, NewState: state, CreatedAt: s.now()})
}

// AgentState returns the current agent state.
func (s *Session) AgentState() session.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentState
}

func (s *Session) emitMetrics(m session.Metrics) {
	s.events.Emit(session.MetricsCollected{Metrics: m, CreatedAt: s.now()})
}

func (s *Session) send(m Message) {
	if err := s.out.SendMessage(m); err != nil && !errors.Is(err, ErrOutputClosed) {
		slog.Debug("send_message", "session_id", s.cfg.SessionID, "type", m.Type, "error", err)
	}
}

func (s *Session) sendAudio(wav []byte) {
	if err := s.out.SendAudio(wav); err != nil && !errors.Is(err, ErrOutputClosed) {
		slog.Debug("send_audio", "session_id", s.cfg.SessionID, "error", err)
	}
}
