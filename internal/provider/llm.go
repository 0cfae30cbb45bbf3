package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// ChatRequest is one completion request. Input carries the user turn,
// prefixed with any conversation history the caller wants the model to see.
type ChatRequest struct {
	Instructions string
	Input        string
	Model        string
}

// Completion holds a finished streamed response with timing.
type Completion struct {
	Text      string  `json:"text"`
	Thinking  string  `json:"thinking,omitempty"`
	Tokens    int     `json:"tokens"`
	LatencyMs float64 `json:"latency_ms"`
	TTFTMs    float64 `json:"ttft_ms"`
}

// TokenCallback is called for each streamed token.
type TokenCallback func(token string)

// LLM produces streaming chat completions.
type LLM interface {
	Chat(ctx context.Context, req ChatRequest, onToken TokenCallback) (*Completion, error)
}

// LLMRouter dispatches to an LLM backend by engine name.
type LLMRouter struct {
	*Router[LLM]
}

// NewLLMRouter creates a router with registered LLM backends and a fallback default.
func NewLLMRouter(backends map[string]LLM, fallback string) *LLMRouter {
	return &LLMRouter{Router: NewRouter(backends, fallback)}
}

// Chat routes to the backend for engine and streams a completion.
func (r *LLMRouter) Chat(ctx context.Context, req ChatRequest, engine string, onToken TokenCallback) (*Completion, error) {
	backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}
	c, err := backend.Chat(ctx, req, onToken)
	if err != nil {
		return nil, err
	}
	metrics.StageDuration.WithLabelValues("llm").Observe(c.LatencyMs / 1000)
	return c, nil
}

// streamTimer tracks the first token of a stream.
type streamTimer struct {
	start time.Time
	first time.Time
}

func newStreamTimer() *streamTimer {
	return &streamTimer{start: time.Now()}
}

func (t *streamTimer) token() {
	if t.first.IsZero() {
		t.first = time.Now()
	}
}

func (t *streamTimer) finish(c *Completion) *Completion {
	c.LatencyMs = float64(time.Since(t.start).Milliseconds())
	if !t.first.IsZero() {
		c.TTFTMs = float64(t.first.Sub(t.start).Milliseconds())
	}
	return c
}

// --- Ollama backend ---

// OllamaLLM streams chat completions from Ollama.
type OllamaLLM struct {
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

// NewOllamaLLM creates an Ollama HTTP client.
func NewOllamaLLM(url, model string, maxTokens, poolSize int) *OllamaLLM {
	return &OllamaLLM{
		url:       url,
		model:     model,
		maxTokens: maxTokens,
		client:    NewPooledHTTPClient(poolSize, 60*time.Second),
	}
}

func (c *OllamaLLM) Chat(ctx context.Context, req ChatRequest, onToken TokenCallback) (*Completion, error) {
	timer := newStreamTimer()

	httpReq, err := c.newChatRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := doRequest(c.client, httpReq, "llm", "ollama")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := consumeOllamaStream(resp, timer, onToken)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "stream").Inc()
		return nil, err
	}
	return timer.finish(out), nil
}

func (c *OllamaLLM) newChatRequest(ctx context.Context, req ChatRequest) (*http.Request, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	messages := make([]ollamaMessage, 0, 2)
	if req.Instructions != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.Instructions})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: req.Input})

	body, err := json.Marshal(ollamaRequest{
		Model:    model,
		Stream:   true,
		Options:  ollamaOptions{NumPredict: c.maxTokens, Temperature: 0.8},
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func consumeOllamaStream(resp *http.Response, timer *streamTimer, onToken TokenCallback) (*Completion, error) {
	var text, thinking strings.Builder
	out := &Completion{}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var chunk ollamaStreamChunk
		if json.Unmarshal(scanner.Bytes(), &chunk) != nil {
			continue
		}
		if chunk.Done {
			out.Tokens = chunk.EvalCount
			break
		}
		if chunk.Message.Thinking != "" {
			thinking.WriteString(chunk.Message.Thinking)
			continue
		}
		if chunk.Message.Content == "" {
			continue
		}
		timer.token()
		out.Tokens++
		if onToken != nil {
			onToken(chunk.Message.Content)
		}
		text.WriteString(chunk.Message.Content)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ollama stream: %w", err)
	}

	out.Text = text.String()
	out.Thinking = thinking.String()
	return out, nil
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type ollamaOptions struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
}

type ollamaStreamChunk struct {
	Message   ollamaMessage `json:"message"`
	Done      bool          `json:"done"`
	EvalCount int           `json:"eval_count"`
}
