package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voice-agent/internal/audio"
)

func TestPercentile(t *testing.T) {
	data := []float64{5, 1, 4, 2, 3}
	assert.Equal(t, 1.0, percentile(data, 0))
	assert.Equal(t, 3.0, percentile(data, 50))
	assert.Equal(t, 5.0, percentile(data, 95))
	assert.Equal(t, 5.0, percentile(data, 100))
	assert.Equal(t, []float64{5, 1, 4, 2, 3}, data)
}

func TestApplyEvent(t *testing.T) {
	frames := []string{
		`{"type":"user_state_changed","new_state":"speaking"}`,
		`{"type":"metrics_collected","metrics":{"type":"eou_metrics","end_of_utterance_delay":0.5}}`,
		`{"type":"metrics_collected","metrics":{"type":"llm_metrics","ttft":0.2}}`,
		`{"type":"metrics_collected","metrics":{"type":"tts_metrics","ttfb":0.1}}`,
		`{"type":"metrics_collected","metrics":{"type":"vad_metrics"}}`,
	}
	var turn turnLatency
	var seen []bool
	for _, f := range frames {
		var ev event
		require.NoError(t, json.Unmarshal([]byte(f), &ev))
		seen = append(seen, applyEvent(&turn, ev))
	}

	assert.Equal(t, []bool{false, true, true, true, false}, seen)
	assert.Equal(t, turnLatency{eouDelay: 0.5, ttft: 0.2, ttfb: 0.1}, turn)
	assert.InDelta(t, 0.8, turn.total(), 1e-9)
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	writeSummary(&buf, []callResult{
		{success: true, turn: turnLatency{eouDelay: 0.5, ttft: 0.2, ttfb: 0.1}},
		{err: "dial: refused"},
		{err: "dial: refused"},
	})

	out := buf.String()
	assert.Contains(t, out, "Turns completed: 1")
	assert.Contains(t, out, "Calls failed:    2")
	assert.Contains(t, out, "2x dial: refused")
	assert.Contains(t, out, "EOU")
	assert.Contains(t, out, "800ms")
}

func TestWriteSummaryNoTurns(t *testing.T) {
	var buf bytes.Buffer
	writeSummary(&buf, nil)
	assert.Contains(t, buf.String(), "No successful turns")
}

func TestStripWAVHeader(t *testing.T) {
	wav := append([]byte("RIFF"), make([]byte, 48)...)
	assert.Len(t, stripWAVHeader(wav), 8)
	assert.Equal(t, []byte{1, 2}, stripWAVHeader([]byte{1, 2}))
}

func TestGenerateSyntheticAudio(t *testing.T) {
	samples := generateSyntheticAudio(100e6, 50e6)
	assert.Len(t, samples, 1600+800)
	assert.NotZero(t, samples[100])
	assert.Zero(t, samples[len(samples)-1])
}

func TestEncodeAudioFrames(t *testing.T) {
	samples := make([]float32, audio.SpeechRate)

	data, frame, err := encodeAudio(samples, audio.CodecPCM)
	require.NoError(t, err)
	assert.Equal(t, 640, frame)
	assert.Len(t, data, audio.SpeechRate*2)

	data, frame, err = encodeAudio(samples, audio.CodecG711Ulaw)
	require.NoError(t, err)
	assert.Equal(t, 160, frame)
	assert.Len(t, data, 8000)
}
