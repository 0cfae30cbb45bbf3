package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// TTSOptions holds per-call TTS tuning parameters.
type TTSOptions struct {
	Speed float64
	Voice string
}

// TTS produces audio from text.
type TTS interface {
	SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error)
}

// Speech holds synthesized audio with timing.
type Speech struct {
	Audio     []byte  `json:"-"`
	LatencyMs float64 `json:"latency_ms"`
}

// TTSRouter dispatches to a TTS backend by engine name and records latency.
type TTSRouter struct {
	*Router[TTS]
}

// NewTTSRouter creates a router with registered TTS backends and a fallback default.
func NewTTSRouter(backends map[string]TTS, fallback string) *TTSRouter {
	return &TTSRouter{Router: NewRouter(backends, fallback)}
}

// Synthesize routes to the backend for engine and synthesizes text.
func (r *TTSRouter) Synthesize(ctx context.Context, text, engine string, opts TTSOptions) (*Speech, error) {
	start := time.Now()

	backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}
	data, err := backend.SynthesizeAudio(ctx, text, opts)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "synth").Inc()
		return nil, err
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("tts").Observe(latency.Seconds())
	return &Speech{Audio: data, LatencyMs: float64(latency.Milliseconds())}, nil
}

func pickVoice(def string, opts TTSOptions) string {
	if opts.Voice != "" {
		return opts.Voice
	}
	return def
}

func postJSON(ctx context.Context, client *http.Client, url, label string, payload any, headers map[string]string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", label, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", label, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := doRequest(client, req, "tts", label)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s audio: %w", label, err)
	}
	return data, nil
}

// --- Piper backend (local neural TTS, returns WAV) ---

type piperTTS struct {
	url    string
	voice  string
	client *http.Client
}

// NewPiperTTS creates a client for a piper /synthesize sidecar.
func NewPiperTTS(url, voice string, client *http.Client) TTS {
	return &piperTTS{url: url, voice: voice, client: client}
}

func (p *piperTTS) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	payload := struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}{Text: text, Voice: pickVoice(p.voice, opts)}
	return postJSON(ctx, p.client, p.url+"/synthesize", "piper", payload, nil)
}

// --- OpenAI-compatible backend (any server exposing /v1/audio/speech) ---

type openaiTTS struct {
	url    string
	apiKey string
	model  string
	voice  string
	client *http.Client
}

// NewOpenAITTS creates a client for an OpenAI-compatible speech endpoint.
func NewOpenAITTS(url, apiKey, model, voice string, client *http.Client) TTS {
	return &openaiTTS{url: url, apiKey: apiKey, model: model, voice: voice, client: client}
}

func (o *openaiTTS) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	payload := struct {
		Input          string  `json:"input"`
		Model          string  `json:"model"`
		Voice          string  `json:"voice"`
		Speed          float64 `json:"speed,omitempty"`
		ResponseFormat string  `json:"response_format"`
	}{Input: text, Model: o.model, Voice: pickVoice(o.voice, opts), Speed: opts.Speed, ResponseFormat: "wav"}

	var headers map[string]string
	if o.apiKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + o.apiKey}
	}
	return postJSON(ctx, o.client, o.url+"/v1/audio/speech", "openai tts", payload, headers)
}

// --- ElevenLabs backend (cloud API, returns MP3) ---

const elevenLabsURL = "https://api.elevenlabs.io"

type elevenLabsTTS struct {
	baseURL string
	apiKey  string
	voiceID string
	modelID string
	client  *http.Client
}

// NewElevenLabsTTS creates an ElevenLabs client.
func NewElevenLabsTTS(apiKey, voiceID, modelID string, client *http.Client) TTS {
	return &elevenLabsTTS{baseURL: elevenLabsURL, apiKey: apiKey, voiceID: voiceID, modelID: modelID, client: client}
}

func (e *elevenLabsTTS) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	payload := struct {
		Text    string `json:"text"`
		ModelID string `json:"model_id"`
	}{Text: text, ModelID: e.modelID}
	headers := map[string]string{"xi-api-key": e.apiKey, "Accept": "audio/mpeg"}
	url := fmt.Sprintf("%s/v1/text-to-speech/%s", e.baseURL, pickVoice(e.voiceID, opts))
	return postJSON(ctx, e.client, url, "elevenlabs", payload, headers)
}

// --- Cartesia backend (sonic, returns WAV) ---

const (
	cartesiaURL     = "https://api.cartesia.ai"
	cartesiaVersion = "2024-06-10"

	// CartesiaModel is the default Cartesia model.
	CartesiaModel = "sonic-2"
	// CartesiaVoice is the default Cartesia voice id.
	CartesiaVoice = "f786b574-daa5-4673-aa0c-cbe3e8534c02"
)

// CartesiaTTS synthesizes speech with the Cartesia /tts/bytes endpoint.
type CartesiaTTS struct {
	baseURL string
	apiKey  string
	model   string
	voice   string
	client  *http.Client
}

// NewCartesiaTTS creates a Cartesia client.
func NewCartesiaTTS(apiKey, model, voice string, client *http.Client) *CartesiaTTS {
	return &CartesiaTTS{baseURL: cartesiaURL, apiKey: apiKey, model: model, voice: voice, client: client}
}

// WithBaseURL points the client at another host.
func (c *CartesiaTTS) WithBaseURL(u string) *CartesiaTTS {
	c.baseURL = u
	return c
}

func (c *CartesiaTTS) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	payload := cartesiaRequest{
		ModelID:    c.model,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: pickVoice(c.voice, opts)},
		OutputFormat: cartesiaFormat{
			Container:  "wav",
			Encoding:   "pcm_s16le",
			SampleRate: 24000,
		},
	}
	headers := map[string]string{"X-API-Key": c.apiKey, "Cartesia-Version": cartesiaVersion}
	return postJSON(ctx, c.client, c.baseURL+"/tts/bytes", "cartesia", payload, headers)
}

type cartesiaRequest struct {
	ModelID      string         `json:"model_id"`
	Transcript   string         `json:"transcript"`
	Voice        cartesiaVoice  `json:"voice"`
	OutputFormat cartesiaFormat `json:"output_format"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}
