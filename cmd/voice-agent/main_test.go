package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voice-agent/internal/metrics"
	"github.com/hubenschmidt/voice-agent/internal/provider"
	"github.com/hubenschmidt/voice-agent/internal/store"
	"github.com/hubenschmidt/voice-agent/internal/turnmetrics"
	"github.com/hubenschmidt/voice-agent/internal/ws"
)

type fakeTurns struct {
	err error
}

func (f fakeTurns) ListSessions(_ context.Context, limit, offset int) ([]store.Session, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	return []store.Session{{ID: "s1", TurnCount: limit + offset}}, 1, nil
}

func (f fakeTurns) ListTurns(_ context.Context, sessionID string) ([]store.Turn, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []store.Turn{{ID: "t1", SessionID: sessionID, TotalLatency: 0.7}}, nil
}

func newMux(d deps) *http.ServeMux {
	if d.wsHandler == nil {
		d.wsHandler = http.NotFoundHandler()
	}
	if d.log == nil {
		d.log = turnmetrics.NewLog(time.Now())
	}
	mux := http.NewServeMux()
	registerRoutes(mux, d)
	return mux
}

func get(t *testing.T, mux http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	rec := get(t, newMux(deps{}), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestTurnsSummary(t *testing.T) {
	log := turnmetrics.NewLog(time.Now())
	log.Append(turnmetrics.Record{EOUDelay: 1, TTFT: 2, TTFB: 3, TotalLatency: 6})
	log.Append(turnmetrics.Record{EOUDelay: 3, TTFT: 2, TTFB: 1, TotalLatency: 6})

	rec := get(t, newMux(deps{log: log}), "/api/turns")
	require.Equal(t, http.StatusOK, rec.Code)

	var got turnmetrics.Summary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Len(t, got.Records, 2)
	require.NotNil(t, got.Average)
	assert.InDelta(t, 2, got.Average.EOUDelay, 1e-9)
	assert.InDelta(t, 6, got.Average.TotalLatency, 1e-9)
}

func TestSessionRoutes(t *testing.T) {
	mux := newMux(deps{turns: fakeTurns{}})

	rec := get(t, mux, "/api/sessions?limit=5&offset=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions struct {
		Sessions []store.Session `json:"sessions"`
		Total    int             `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sessions))
	assert.Equal(t, 1, sessions.Total)
	assert.Equal(t, 7, sessions.Sessions[0].TurnCount)

	rec = get(t, mux, "/api/sessions/abc/turns")
	require.Equal(t, http.StatusOK, rec.Code)
	var turns struct {
		Turns []store.Turn `json:"turns"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&turns))
	require.Len(t, turns.Turns, 1)
	assert.Equal(t, "abc", turns.Turns[0].SessionID)
}

func TestSessionRoutesWithoutStore(t *testing.T) {
	mux := newMux(deps{})
	assert.Equal(t, http.StatusNotFound, get(t, mux, "/api/sessions").Code)
	assert.Equal(t, http.StatusNotFound, get(t, mux, "/api/sessions/abc/turns").Code)
}

func TestSessionRoutesStoreError(t *testing.T) {
	mux := newMux(deps{turns: fakeTurns{err: errors.New("db down")}})
	assert.Equal(t, http.StatusInternalServerError, get(t, mux, "/api/sessions").Code)
	assert.Equal(t, http.StatusInternalServerError, get(t, mux, "/api/sessions/abc/turns").Code)
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=7&bad=x", nil)
	assert.Equal(t, 7, queryInt(r, "limit", 1))
	assert.Equal(t, 1, queryInt(r, "bad", 1))
	assert.Equal(t, 3, queryInt(r, "missing", 3))
}

func newShutdownDeps(log *turnmetrics.Log, dir string) shutdownDeps {
	return shutdownDeps{
		server:  &http.Server{},
		handler: ws.NewHandler(ws.HandlerConfig{Log: log}),
		log:     log,
		export:  turnmetrics.ExportOptions{Dir: dir, AverageRow: true},
	}
}

func TestShutdownExportsLog(t *testing.T) {
	log := turnmetrics.NewLog(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC))
	log.Append(turnmetrics.Record{EOUDelay: 0.5, TTFT: 0.2, TotalLatency: 0.7})
	dir := filepath.Join(t.TempDir(), "metrics")

	require.NoError(t, shutdown(context.Background(), newShutdownDeps(log, dir)))

	_, err := os.Stat(filepath.Join(dir, "session_metrics_20240501_093000.xlsx"))
	assert.NoError(t, err)
}

func TestShutdownFailsWhenExportFails(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	before := testutil.ToFloat64(metrics.ExportFailures)

	err := shutdown(context.Background(), newShutdownDeps(turnmetrics.NewLog(time.Now()), filepath.Join(blocker, "metrics")))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "export metrics")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ExportFailures))
}

func TestMissingDefaults(t *testing.T) {
	stt := provider.NewSTTRouter(map[string]provider.STT{"whisper": nil}, "deepgram")
	tts := provider.NewTTSRouter(map[string]provider.TTS{"piper": nil}, "piper")

	missing := missingDefaults([]stageEngine{
		{stage: "stt", engine: "deepgram", engines: stt},
		{stage: "tts", engine: "piper", engines: tts},
	})

	require.Len(t, missing, 1)
	assert.Equal(t, "stt", missing[0].stage)
	assert.Equal(t, "deepgram", missing[0].engine)
}
