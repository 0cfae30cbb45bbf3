package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"
)

const (
	// GeminiBaseURL is Gemini's OpenAI-compatible endpoint.
	GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	// GeminiModel is the default Gemini chat model.
	GeminiModel = "gemini-2.0-flash"

	agentTemperature = 0.8
)

// AgentLLM streams completions through the openai-agents-go runner. Each
// registered engine maps to a model provider and its default model.
type AgentLLM struct {
	providers map[string]agents.ModelProvider
	models    map[string]string
	fallback  string
	maxTokens int
}

// NewAgentLLM creates an AgentLLM with the given fallback engine and max tokens.
func NewAgentLLM(fallback string, maxTokens int) *AgentLLM {
	return &AgentLLM{
		providers: make(map[string]agents.ModelProvider),
		models:    make(map[string]string),
		fallback:  fallback,
		maxTokens: maxTokens,
	}
}

// NewOpenAICompatibleProvider builds a chat-completions provider for an
// OpenAI-compatible API. An empty baseURL uses the OpenAI default.
func NewOpenAICompatibleProvider(apiKey, baseURL string) agents.ModelProvider {
	params := agents.OpenAIProviderParams{
		APIKey:       param.NewOpt(apiKey),
		UseResponses: param.NewOpt(false),
	}
	if baseURL != "" {
		params.BaseURL = param.NewOpt(baseURL)
	}
	return agents.NewOpenAIProvider(params)
}

// Register adds a provider and default model for engine.
func (a *AgentLLM) Register(engine string, provider agents.ModelProvider, defaultModel string) {
	a.providers[engine] = provider
	a.models[engine] = defaultModel
}

// Engine returns an LLM bound to one engine, for use in an LLMRouter.
func (a *AgentLLM) Engine(engine string) LLM {
	return agentEngine{llm: a, engine: engine}
}

// Chat streams a completion from the provider registered for engine.
func (a *AgentLLM) Chat(ctx context.Context, req ChatRequest, engine string, onToken TokenCallback) (*Completion, error) {
	provider, model, err := a.resolve(engine, req.Model)
	if err != nil {
		return nil, err
	}

	agent := agents.New("assistant").
		WithInstructions(req.Instructions).
		WithModel(model).
		WithModelSettings(modelsettings.ModelSettings{
			Temperature: param.NewOpt(agentTemperature),
			MaxTokens:   param.NewOpt(int64(a.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	timer := newStreamTimer()
	events, errCh, err := runner.RunStreamedChan(ctx, agent, req.Input)
	if err != nil {
		return nil, fmt.Errorf("llm stream start: %w", err)
	}

	var text strings.Builder
	out := &Completion{}
	for ev := range events {
		delta, ok := textDelta(ev)
		if !ok {
			continue
		}
		timer.token()
		out.Tokens++
		if onToken != nil {
			onToken(delta)
		}
		text.WriteString(delta)
	}
	if streamErr := <-errCh; streamErr != nil {
		return nil, fmt.Errorf("llm stream: %w", streamErr)
	}

	out.Text = text.String()
	return timer.finish(out), nil
}

func textDelta(ev agents.StreamEvent) (string, bool) {
	raw, ok := ev.(agents.RawResponsesStreamEvent)
	if !ok || raw.Data.Type != "response.output_text.delta" {
		return "", false
	}
	return raw.Data.Delta, raw.Data.Delta != ""
}

func (a *AgentLLM) resolve(engine, model string) (agents.ModelProvider, string, error) {
	provider, ok := a.providers[engine]
	if !ok {
		engine = a.fallback
		provider, ok = a.providers[engine]
	}
	if !ok {
		return nil, "", fmt.Errorf("no llm provider for engine %q", engine)
	}
	if model != "" {
		return provider, model, nil
	}
	return provider, a.models[engine], nil
}

type agentEngine struct {
	llm    *AgentLLM
	engine string
}

func (e agentEngine) Chat(ctx context.Context, req ChatRequest, onToken TokenCallback) (*Completion, error) {
	return e.llm.Chat(ctx, req, e.engine, onToken)
}
