package store

import "time"

// Session represents one agent session (one WebSocket connection).
type Session struct {
	ID        string     `json:"id"`
	Metadata  string     `json:"metadata"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	TurnCount int        `json:"turn_count,omitempty"`
}

// Turn is a persisted per-turn latency record. Values are seconds.
type Turn struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	RecordedAt   time.Time `json:"recorded_at"`
	EOUDelay     float64   `json:"eou_delay"`
	TTFT         float64   `json:"ttft"`
	TTFB         float64   `json:"ttfb"`
	TotalLatency float64   `json:"total_latency"`
}
