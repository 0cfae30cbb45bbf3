package session

import (
	"encoding/json"
	"time"
)

// UserState is the speaking state of the remote participant.
type UserState string

const (
	UserSpeaking  UserState = "speaking"
	UserListening UserState = "listening"
	UserAway      UserState = "away"
)

// AgentState is the lifecycle state of the voice agent.
type AgentState string

const (
	AgentInitializing AgentState = "initializing"
	AgentIdle         AgentState = "idle"
	AgentListening    AgentState = "listening"
	AgentThinking     AgentState = "thinking"
	AgentSpeaking     AgentState = "speaking"
)

// Event is emitted by the voice pipeline and delivered to observers.
// The concrete types are UserStateChanged, AgentStateChanged and MetricsCollected.
type Event interface {
	isEvent()
}

// UserStateChanged reports a transition of the user's speaking state.
type UserStateChanged struct {
	OldState  UserState
	NewState  UserState
	CreatedAt time.Time
}

func (UserStateChanged) isEvent() {}

// AgentStateChanged reports a transition of the agent's state.
type AgentStateChanged struct {
	OldState  AgentState
	NewState  AgentState
	CreatedAt time.Time
}

func (AgentStateChanged) isEvent() {}

// MetricsCollected carries one metrics report from a pipeline stage.
type MetricsCollected struct {
	Metrics   Metrics
	CreatedAt time.Time
}

func (MetricsCollected) isEvent() {}

// MetricsKind tags the variant of a Metrics value.
type MetricsKind string

const (
	KindEOU MetricsKind = "eou_metrics"
	KindLLM MetricsKind = "llm_metrics"
	KindTTS MetricsKind = "tts_metrics"
)

// Metrics is a stage report. Durations are in seconds.
type Metrics interface {
	Kind() MetricsKind
}

// EOUMetrics is reported once the end of a user utterance has been detected
// and transcribed.
type EOUMetrics struct {
	EndOfUtteranceDelay float64 `json:"end_of_utterance_delay"`
	TranscriptionDelay  float64 `json:"transcription_delay"`
	SpeechID            string  `json:"speech_id"`
}

func (EOUMetrics) Kind() MetricsKind { return KindEOU }

// LLMMetrics is reported when a completion finishes streaming.
type LLMMetrics struct {
	TTFT             float64 `json:"ttft"`
	Duration         float64 `json:"duration"`
	CompletionTokens int     `json:"completion_tokens"`
	SpeechID         string  `json:"speech_id"`
}

func (LLMMetrics) Kind() MetricsKind { return KindLLM }

// TTSMetrics is reported once all sentences of a reply were synthesized.
type TTSMetrics struct {
	TTFB       float64 `json:"ttfb"`
	Duration   float64 `json:"duration"`
	AudioBytes int     `json:"audio_bytes"`
	Characters int     `json:"characters_count"`
	SpeechID   string  `json:"speech_id"`
}

func (TTSMetrics) Kind() MetricsKind { return KindTTS }

// MarshalJSON encodes the event for the client feed.
func (e UserStateChanged) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string    `json:"type"`
		OldState  UserState `json:"old_state"`
		NewState  UserState `json:"new_state"`
		CreatedAt time.Time `json:"created_at"`
	}{"user_state_changed", e.OldState, e.NewState, e.CreatedAt})
}

// MarshalJSON encodes the event for the client feed.
func (e AgentStateChanged) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string     `json:"type"`
		OldState  AgentState `json:"old_state"`
		NewState  AgentState `json:"new_state"`
		CreatedAt time.Time  `json:"created_at"`
	}{"agent_state_changed", e.OldState, e.NewState, e.CreatedAt})
}

// MarshalJSON encodes the event for the client feed. The metrics payload is
// flattened next to its "type" tag.
func (e MetricsCollected) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage = []byte("{}")
	var kind MetricsKind
	if e.Metrics != nil {
		kind = e.Metrics.Kind()
		raw, err := json.Marshal(e.Metrics)
		if err != nil {
			return nil, err
		}
		payload = raw
	}
	metrics := map[string]any{}
	if err := json.Unmarshal(payload, &metrics); err != nil {
		return nil, err
	}
	metrics["type"] = kind
	return json.Marshal(struct {
		Type      string         `json:"type"`
		Metrics   map[string]any `json:"metrics"`
		CreatedAt time.Time      `json:"created_at"`
	}{"metrics_collected", metrics, e.CreatedAt})
}
