package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// STT produces a transcript from 16 kHz mono samples.
type STT interface {
	Transcribe(ctx context.Context, samples []float32) (*Transcript, error)
}

// Transcript is the text of one utterance.
type Transcript struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	LatencyMs  float64 `json:"latency_ms"`
}

// STTRouter dispatches to an STT backend by engine name and records latency.
type STTRouter struct {
	*Router[STT]
}

// NewSTTRouter creates a router with registered STT backends and a fallback default.
func NewSTTRouter(backends map[string]STT, fallback string) *STTRouter {
	return &STTRouter{Router: NewRouter(backends, fallback)}
}

// Transcribe routes to the backend for engine and transcribes samples.
func (r *STTRouter) Transcribe(ctx context.Context, samples []float32, engine string) (*Transcript, error) {
	backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	tr, err := backend.Transcribe(ctx, samples)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("stt").Observe(latency.Seconds())
	tr.LatencyMs = float64(latency.Milliseconds())
	return tr, nil
}

// --- whisper.cpp backend (multipart WAV to /inference) ---

// WhisperSTT sends audio as multipart WAV to a whisper.cpp server.
type WhisperSTT struct {
	url    string
	client *http.Client
}

// NewWhisperSTT creates a client for the whisper.cpp /inference endpoint.
func NewWhisperSTT(url string, poolSize int) *WhisperSTT {
	return &WhisperSTT{
		url:    url,
		client: NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

func (c *WhisperSTT) Transcribe(ctx context.Context, samples []float32) (*Transcript, error) {
	body, contentType, err := buildMultipartAudio(samples)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/inference", body)
	if err != nil {
		return nil, fmt.Errorf("create whisper request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := doRequest(c.client, req, "stt", "whisper")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		Text string `json:"text"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode whisper response: %w", err)
	}
	return &Transcript{Text: result.Text}, nil
}

func buildMultipartAudio(samples []float32) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(audio.SamplesToWAV(samples, audio.SpeechRate)); err != nil {
		return nil, "", fmt.Errorf("write wav data: %w", err)
	}
	if err = writer.WriteField("response_format", "json"); err != nil {
		return nil, "", fmt.Errorf("write form field: %w", err)
	}
	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}

// --- Deepgram backend (prerecorded /v1/listen) ---

const deepgramURL = "https://api.deepgram.com"

// DeepgramSTT transcribes utterances with the Deepgram prerecorded API.
type DeepgramSTT struct {
	baseURL  string
	apiKey   string
	model    string
	language string
	client   *http.Client
}

// NewDeepgramSTT creates a Deepgram client. language "multi" enables
// multilingual code-switching on nova-3.
func NewDeepgramSTT(apiKey, model, language string, client *http.Client) *DeepgramSTT {
	return &DeepgramSTT{
		baseURL:  deepgramURL,
		apiKey:   apiKey,
		model:    model,
		language: language,
		client:   client,
	}
}

// WithBaseURL points the client at another host (self-hosted or tests).
func (d *DeepgramSTT) WithBaseURL(u string) *DeepgramSTT {
	d.baseURL = u
	return d
}

func (d *DeepgramSTT) Transcribe(ctx context.Context, samples []float32) (*Transcript, error) {
	q := url.Values{}
	q.Set("model", d.model)
	q.Set("language", d.language)
	q.Set("smart_format", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/listen?"+q.Encode(),
		bytes.NewReader(audio.SamplesToWAV(samples, audio.SpeechRate)))
	if err != nil {
		return nil, fmt.Errorf("create deepgram request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("Authorization", "Token "+d.apiKey)

	resp, err := doRequest(d.client, req, "stt", "deepgram")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result deepgramResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode deepgram response: %w", err)
	}
	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return &Transcript{}, nil
	}
	ch := result.Results.Channels[0]
	return &Transcript{
		Text:       ch.Alternatives[0].Transcript,
		Confidence: ch.Alternatives[0].Confidence,
		Language:   ch.DetectedLanguage,
	}, nil
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}
