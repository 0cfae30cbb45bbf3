package main

import (
	"time"

	"github.com/joho/godotenv"

	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/env"
	"github.com/hubenschmidt/voice-agent/internal/prompts"
	"github.com/hubenschmidt/voice-agent/internal/provider"
	"github.com/hubenschmidt/voice-agent/internal/turnmetrics"
)

type config struct {
	port               string
	maxConcurrent      int
	shutdownTimeout    time.Duration
	export             turnmetrics.ExportOptions
	databaseURL        string
	instructions       string
	greeting           bool
	interSentencePause int
	vadConfig          audio.VADConfig
	noiseURL           string

	sttEngine        string
	sttPoolSize      int
	whisperURL       string
	deepgramAPIKey   string
	deepgramModel    string
	deepgramLanguage string

	llmEngine    string
	llmMaxTokens int
	llmPoolSize  int
	openaiAPIKey string
	openaiModel  string
	geminiAPIKey string
	geminiModel  string
	ollamaURL    string
	ollamaModel  string

	anthropicAPIKey string
	anthropicURL    string
	anthropicModel  string

	ttsEngine         string
	ttsPoolSize       int
	cartesiaAPIKey    string
	cartesiaModel     string
	cartesiaVoice     string
	piperURL          string
	piperVoice        string
	kokoroURL         string
	elevenlabsAPIKey  string
	elevenlabsVoiceID string
	elevenlabsModelID string
}

// loadConfig reads .env, if present, then the environment.
func loadConfig() config {
	_ = godotenv.Load()

	vad := audio.DefaultVADConfig()
	vad.SpeechThresholdDB = env.Float("VAD_SPEECH_THRESHOLD_DB", vad.SpeechThresholdDB)
	vad.SilenceTimeout = env.Duration("VAD_SILENCE_TIMEOUT", vad.SilenceTimeout)
	vad.MinSpeechDuration = env.Duration("VAD_MIN_SPEECH", vad.MinSpeechDuration)

	export := turnmetrics.DefaultExportOptions()
	export.Dir = env.Str("METRICS_DIR", export.Dir)
	export.AverageRow = env.Bool("METRICS_AVERAGE_ROW", export.AverageRow)

	return config{
		port:               env.Str("PORT", "8000"),
		maxConcurrent:      env.Int("MAX_CONCURRENT_SESSIONS", 100),
		shutdownTimeout:    env.Duration("SHUTDOWN_TIMEOUT", 30*time.Second),
		export:             export,
		databaseURL:        env.Str("DATABASE_URL", ""),
		instructions:       env.Str("AGENT_INSTRUCTIONS", prompts.Assistant),
		greeting:           env.Bool("AGENT_GREETING", true),
		interSentencePause: env.Int("TTS_SENTENCE_PAUSE_MS", 0),
		vadConfig:          vad,
		noiseURL:           env.Str("NOISE_URL", ""),

		sttEngine:        env.Str("STT_ENGINE", "deepgram"),
		sttPoolSize:      env.Int("STT_POOL_SIZE", 50),
		whisperURL:       env.Str("WHISPER_SERVER_URL", ""),
		deepgramAPIKey:   env.Str("DEEPGRAM_API_KEY", ""),
		deepgramModel:    env.Str("DEEPGRAM_MODEL", "nova-3"),
		deepgramLanguage: env.Str("DEEPGRAM_LANGUAGE", "multi"),

		llmEngine:    env.Str("LLM_ENGINE", "gemini"),
		llmMaxTokens: env.Int("LLM_MAX_TOKENS", 150),
		llmPoolSize:  env.Int("LLM_POOL_SIZE", 50),
		openaiAPIKey: env.Str("OPENAI_API_KEY", ""),
		openaiModel:  env.Str("OPENAI_MODEL", "gpt-4o-mini"),
		geminiAPIKey: env.Str("GOOGLE_API_KEY", ""),
		geminiModel:  env.Str("GEMINI_MODEL", provider.GeminiModel),
		ollamaURL:    env.Str("OLLAMA_URL", ""),
		ollamaModel:  env.Str("OLLAMA_MODEL", "llama3.2:3b"),

		anthropicAPIKey: env.Str("ANTHROPIC_API_KEY", ""),
		anthropicURL:    env.Str("ANTHROPIC_URL", "https://api.anthropic.com"),
		anthropicModel:  env.Str("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),

		ttsEngine:         env.Str("TTS_ENGINE", "cartesia"),
		ttsPoolSize:       env.Int("TTS_POOL_SIZE", 50),
		cartesiaAPIKey:    env.Str("CARTESIA_API_KEY", ""),
		cartesiaModel:     env.Str("CARTESIA_MODEL", provider.CartesiaModel),
		cartesiaVoice:     env.Str("CARTESIA_VOICE", provider.CartesiaVoice),
		piperURL:          env.Str("PIPER_URL", ""),
		piperVoice:        env.Str("PIPER_VOICE", "en_US-lessac-medium"),
		kokoroURL:         env.Str("KOKORO_URL", ""),
		elevenlabsAPIKey:  env.Str("ELEVENLABS_API_KEY", ""),
		elevenlabsVoiceID: env.Str("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		elevenlabsModelID: env.Str("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),
	}
}
