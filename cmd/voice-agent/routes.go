package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/voice-agent/internal/store"
	"github.com/hubenschmidt/voice-agent/internal/turnmetrics"
)

// defaultSessionLimit is how many sessions are returned when the caller
// omits ?limit=.
const defaultSessionLimit = 20

type turnLister interface {
	ListSessions(ctx context.Context, limit, offset int) ([]store.Session, int, error)
	ListTurns(ctx context.Context, sessionID string) ([]store.Turn, error)
}

type deps struct {
	wsHandler http.Handler
	log       *turnmetrics.Log
	turns     turnLister
	engines   map[string][]string
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/session", d.wsHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/engines", d.handleEngines)
	mux.HandleFunc("GET /api/turns", d.handleTurns)
	mux.HandleFunc("GET /api/sessions", d.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}/turns", d.handleSessionTurns)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d deps) handleEngines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.engines)
}

// handleTurns returns this run's turns with their running average.
func (d deps) handleTurns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.log.Summary())
}

func (d deps) handleSessions(w http.ResponseWriter, r *http.Request) {
	if d.turns == nil {
		http.Error(w, "turn store disabled", http.StatusNotFound)
		return
	}
	limit := queryInt(r, "limit", defaultSessionLimit)
	offset := queryInt(r, "offset", 0)
	sessions, total, err := d.turns.ListSessions(r.Context(), limit, offset)
	if err != nil {
		slog.Error("list_sessions", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"sessions": sessions, "total": total})
}

func (d deps) handleSessionTurns(w http.ResponseWriter, r *http.Request) {
	if d.turns == nil {
		http.Error(w, "turn store disabled", http.StatusNotFound)
		return
	}
	turns, err := d.turns.ListTurns(r.Context(), r.PathValue("id"))
	if err != nil {
		slog.Error("list_turns", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"turns": turns})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
