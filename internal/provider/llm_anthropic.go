package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

const anthropicVersion = "2023-06-01"

// AnthropicLLM streams chat completions from the Anthropic Messages API.
type AnthropicLLM struct {
	apiKey    string
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

// NewAnthropicLLM creates an Anthropic streaming client.
func NewAnthropicLLM(apiKey, url, model string, maxTokens, poolSize int) *AnthropicLLM {
	return &AnthropicLLM{
		apiKey:    apiKey,
		url:       strings.TrimRight(url, "/"),
		model:     model,
		maxTokens: maxTokens,
		client:    NewPooledHTTPClient(poolSize, 120*time.Second),
	}
}

func (c *AnthropicLLM) Chat(ctx context.Context, req ChatRequest, onToken TokenCallback) (*Completion, error) {
	timer := newStreamTimer()

	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		MaxTokens: c.maxTokens,
		Stream:    true,
		System:    req.Instructions,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Input}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := doRequest(c.client, httpReq, "llm", "anthropic")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := consumeAnthropicStream(resp.Body, timer, onToken)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "stream").Inc()
		return nil, err
	}
	return timer.finish(out), nil
}

// consumeAnthropicStream reads server-sent events until message_stop.
func consumeAnthropicStream(body io.Reader, timer *streamTimer, onToken TokenCallback) (*Completion, error) {
	var text, thinking strings.Builder
	out := &Completion{}
	var eventType string

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if eventType == "message_stop" {
			break
		}
		if eventType == "message_delta" {
			var md anthropicMessageDelta
			if json.Unmarshal([]byte(data), &md) == nil && md.Usage.OutputTokens > 0 {
				out.Tokens = md.Usage.OutputTokens
			}
			continue
		}
		if eventType != "content_block_delta" {
			continue
		}
		var ev anthropicDeltaEvent
		if json.Unmarshal([]byte(data), &ev) != nil {
			continue
		}
		if ev.Delta.Type == "thinking_delta" {
			thinking.WriteString(ev.Delta.Thinking)
			continue
		}
		if ev.Delta.Text == "" {
			continue
		}
		timer.token()
		if onToken != nil {
			onToken(ev.Delta.Text)
		}
		text.WriteString(ev.Delta.Text)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read anthropic stream: %w", err)
	}

	out.Text = text.String()
	out.Thinking = thinking.String()
	return out, nil
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicDeltaEvent struct {
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		Thinking string `json:"thinking,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDelta struct {
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
