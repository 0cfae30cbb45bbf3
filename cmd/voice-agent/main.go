package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/agent"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
	"github.com/hubenschmidt/voice-agent/internal/prompts"
	"github.com/hubenschmidt/voice-agent/internal/provider"
	"github.com/hubenschmidt/voice-agent/internal/store"
	"github.com/hubenschmidt/voice-agent/internal/turnmetrics"
	"github.com/hubenschmidt/voice-agent/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()
	metricsLog := turnmetrics.NewLog(time.Now())

	sttRouter := provider.NewSTTRouter(buildSTT(cfg), cfg.sttEngine)
	llmRouter := provider.NewLLMRouter(buildLLM(cfg), cfg.llmEngine)
	ttsRouter := provider.NewTTSRouter(buildTTS(cfg), cfg.ttsEngine)
	slog.Info("providers",
		"stt", sttRouter.Engines(),
		"llm", llmRouter.Engines(),
		"tts", ttsRouter.Engines(),
	)
	for _, m := range missingDefaults([]stageEngine{
		{stage: "stt", engine: cfg.sttEngine, engines: sttRouter},
		{stage: "llm", engine: cfg.llmEngine, engines: llmRouter},
		{stage: "tts", engine: cfg.ttsEngine, engines: ttsRouter},
	}) {
		slog.Warn("default_engine_missing", "stage", m.stage, "engine", m.engine)
	}

	var noise agent.Denoiser
	if cfg.noiseURL != "" {
		noise = provider.NewNoiseCanceller(cfg.noiseURL)
	}

	turnStore, recorder := openStore(cfg.databaseURL)

	greeting := ""
	if cfg.greeting {
		greeting = prompts.Greeting
	}

	handler := ws.NewHandler(ws.HandlerConfig{
		STT:                  sttRouter,
		LLM:                  llmRouter,
		TTS:                  ttsRouter,
		Noise:                noise,
		VADConfig:            cfg.vadConfig,
		MaxConcurrent:        cfg.maxConcurrent,
		Log:                  metricsLog,
		Recorder:             recorder,
		STTEngine:            cfg.sttEngine,
		LLMEngine:            cfg.llmEngine,
		TTSEngine:            cfg.ttsEngine,
		Instructions:         cfg.instructions,
		Greeting:             greeting,
		InterSentencePauseMs: cfg.interSentencePause,
	})

	d := deps{
		wsHandler: handler,
		log:       metricsLog,
		engines: map[string][]string{
			"stt": sttRouter.Engines(),
			"llm": llmRouter.Engines(),
			"tts": ttsRouter.Engines(),
		},
	}
	if turnStore != nil {
		d.turns = turnStore
	}
	mux := http.NewServeMux()
	registerRoutes(mux, d)

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	stopped := make(chan error, 1)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting_down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
		defer cancel()

		stopped <- shutdown(ctx, shutdownDeps{
			server:   srv,
			handler:  handler,
			recorder: recorder,
			store:    turnStore,
			log:      metricsLog,
			export:   cfg.export,
		})
	}()

	slog.Info("voice_agent_starting", "addr", addr, "max_concurrent", cfg.maxConcurrent, "run_id", metricsLog.RunID())

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server_failed", "error", err)
		os.Exit(1)
	}

	if err := <-stopped; err != nil {
		slog.Error("shutdown_failed", "error", err)
		os.Exit(1)
	}
	slog.Info("voice_agent_stopped")
}

type engineSet interface {
	Has(engine string) bool
}

type stageEngine struct {
	stage   string
	engine  string
	engines engineSet
}

// missingDefaults returns the stages whose default engine has no registered
// backend. Sessions on those stages fail unless the client picks an engine.
func missingDefaults(stages []stageEngine) []stageEngine {
	var missing []stageEngine
	for _, s := range stages {
		if !s.engines.Has(s.engine) {
			missing = append(missing, s)
		}
	}
	return missing
}

type shutdownDeps struct {
	server   *http.Server
	handler  *ws.Handler
	recorder *store.Recorder
	store    *store.Store
	log      *turnmetrics.Log
	export   turnmetrics.ExportOptions
}

// shutdown closes the listener, waits for every session to flush its final
// turn, drains the turn store and then writes the metrics file. Only a
// failed export is fatal.
func shutdown(ctx context.Context, d shutdownDeps) error {
	if err := d.server.Shutdown(ctx); err != nil {
		slog.Warn("http_shutdown", "error", err)
	}
	if err := d.handler.Shutdown(ctx); err != nil {
		slog.Warn("session_shutdown", "error", err)
	}

	d.recorder.Close()
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			slog.Warn("close_turn_store", "error", err)
		}
	}

	path, err := d.log.Export(d.export)
	if err != nil {
		metrics.ExportFailures.Inc()
		return fmt.Errorf("export metrics: %w", err)
	}
	slog.Info("metrics_exported", "path", path, "turns", d.log.Len())
	return nil
}

func openStore(databaseURL string) (*store.Store, *store.Recorder) {
	if databaseURL == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := store.Open(ctx, databaseURL)
	if err != nil {
		slog.Warn("turn_store_disabled", "error", err)
		return nil, nil
	}
	slog.Info("turn_store_enabled")
	return s, store.NewRecorder(s)
}

func buildSTT(cfg config) map[string]provider.STT {
	backends := map[string]provider.STT{}
	if cfg.deepgramAPIKey != "" {
		client := provider.NewPooledHTTPClient(cfg.sttPoolSize, 30*time.Second)
		backends["deepgram"] = provider.NewDeepgramSTT(cfg.deepgramAPIKey, cfg.deepgramModel, cfg.deepgramLanguage, client)
	}
	if cfg.whisperURL != "" {
		backends["whisper"] = provider.NewWhisperSTT(cfg.whisperURL, cfg.sttPoolSize)
	}
	return backends
}

func buildLLM(cfg config) map[string]provider.LLM {
	backends := map[string]provider.LLM{}
	agentLLM := provider.NewAgentLLM(cfg.llmEngine, cfg.llmMaxTokens)
	if cfg.geminiAPIKey != "" {
		agentLLM.Register("gemini", provider.NewOpenAICompatibleProvider(cfg.geminiAPIKey, provider.GeminiBaseURL), cfg.geminiModel)
		backends["gemini"] = agentLLM.Engine("gemini")
	}
	if cfg.openaiAPIKey != "" {
		agentLLM.Register("openai", provider.NewOpenAICompatibleProvider(cfg.openaiAPIKey, ""), cfg.openaiModel)
		backends["openai"] = agentLLM.Engine("openai")
	}
	if cfg.ollamaURL != "" {
		backends["ollama"] = provider.NewOllamaLLM(cfg.ollamaURL, cfg.ollamaModel, cfg.llmMaxTokens, cfg.llmPoolSize)
	}
	if cfg.anthropicAPIKey != "" {
		backends["anthropic"] = provider.NewAnthropicLLM(cfg.anthropicAPIKey, cfg.anthropicURL, cfg.anthropicModel, cfg.llmMaxTokens, cfg.llmPoolSize)
	}
	return backends
}

func buildTTS(cfg config) map[string]provider.TTS {
	client := provider.NewPooledHTTPClient(cfg.ttsPoolSize, 30*time.Second)
	backends := map[string]provider.TTS{}
	if cfg.cartesiaAPIKey != "" {
		backends["cartesia"] = provider.NewCartesiaTTS(cfg.cartesiaAPIKey, cfg.cartesiaModel, cfg.cartesiaVoice, client)
	}
	if cfg.piperURL != "" {
		backends["piper"] = provider.NewPiperTTS(cfg.piperURL, cfg.piperVoice, client)
	}
	if cfg.kokoroURL != "" {
		backends["kokoro"] = provider.NewOpenAITTS(cfg.kokoroURL, "", "kokoro", "af_heart", client)
	}
	if cfg.openaiAPIKey != "" {
		backends["openai"] = provider.NewOpenAITTS("https://api.openai.com", cfg.openaiAPIKey, "tts-1", "alloy", client)
	}
	if cfg.elevenlabsAPIKey != "" {
		backends["elevenlabs"] = provider.NewElevenLabsTTS(cfg.elevenlabsAPIKey, cfg.elevenlabsVoiceID, cfg.elevenlabsModelID, client)
	}
	return backends
}
