package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-agent/internal/audio"
)

func main() {
	url := flag.String("url", "ws://localhost:8000/ws/session", "voice agent WebSocket URL")
	concurrency := flag.Int("concurrency", 10, "number of concurrent callers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	audioDir := flag.String("audio-dir", "", "directory with 16 kHz mono PCM16 .wav/.pcm files")
	sttEngine := flag.String("stt-engine", "", "STT engine override")
	llmEngine := flag.String("llm-engine", "", "LLM engine override")
	ttsEngine := flag.String("tts-engine", "", "TTS engine override")
	codecName := flag.String("codec", "pcm", "wire codec: pcm, g711_ulaw or g711_alaw")
	flag.Parse()

	codec, err := audio.ParseCodec(*codecName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	files, err := findAudioFiles(*audioDir)
	if err != nil || len(files) == 0 {
		fmt.Fprintf(os.Stderr, "no audio files in %q, generating synthetic audio\n", *audioDir)
		files = nil
	}

	opts := map[string]any{
		"codec":       codec,
		"sample_rate": audio.SpeechRate,
		"stt_engine":  *sttEngine,
		"llm_engine":  *llmEngine,
		"tts_engine":  *ttsEngine,
		"no_greeting": true,
	}

	fmt.Printf("Load test: %d concurrent callers for %s\n", *concurrency, *duration)
	fmt.Printf("Agent: %s\n\n", *url)

	var mu sync.Mutex
	var results []callResult
	var wg sync.WaitGroup

	deadline := time.Now().Add(*duration)
	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				r := runCall(*url, opts, codec, files)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	printSummary(results)
}

type callResult struct {
	success bool
	turn    turnLatency
	err     string
}

// turnLatency holds one turn's metrics in seconds.
type turnLatency struct {
	eouDelay float64
	ttft     float64
	ttfb     float64
}

func (t turnLatency) total() float64 {
	return t.eouDelay + t.ttft + t.ttfb
}

type event struct {
	Type     string `json:"type"`
	NewState string `json:"new_state"`
	Text     string `json:"text"`
	Metrics  struct {
		Type                string  `json:"type"`
		EndOfUtteranceDelay float64 `json:"end_of_utterance_delay"`
		TTFT                float64 `json:"ttft"`
		TTFB                float64 `json:"ttfb"`
	} `json:"metrics"`
}

func runCall(url string, opts map[string]any, codec audio.Codec, files []string) callResult {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return callResult{err: fmt.Sprintf("dial: %v", err)}
	}
	defer conn.Close()

	meta, _ := json.Marshal(opts)
	if err = conn.WriteMessage(websocket.TextMessage, meta); err != nil {
		return callResult{err: fmt.Sprintf("send options: %v", err)}
	}

	payload, chunkSize, err := encodeAudio(getAudioData(files), codec)
	if err != nil {
		return callResult{err: err.Error()}
	}
	for i := 0; i < len(payload); i += chunkSize {
		end := min(i+chunkSize, len(payload))
		if err = conn.WriteMessage(websocket.BinaryMessage, payload[i:end]); err != nil {
			return callResult{err: fmt.Sprintf("send audio: %v", err)}
		}
		time.Sleep(20 * time.Millisecond)
	}

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var turn turnLatency
	var sawMetrics bool
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return callResult{err: fmt.Sprintf("read: %v", err)}
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var ev event
		if json.Unmarshal(data, &ev) != nil {
			continue
		}
		if ev.Type == "error" {
			return callResult{err: ev.Text}
		}
		sawMetrics = applyEvent(&turn, ev) || sawMetrics
		if sawMetrics && ev.Type == "agent_state_changed" && ev.NewState == "listening" {
			return callResult{success: true, turn: turn}
		}
	}
}

// applyEvent folds a metrics event into turn and reports whether it was one.
func applyEvent(turn *turnLatency, ev event) bool {
	if ev.Type != "metrics_collected" {
		return false
	}
	switch ev.Metrics.Type {
	case "eou_metrics":
		turn.eouDelay = ev.Metrics.EndOfUtteranceDelay
	case "llm_metrics":
		turn.ttft = ev.Metrics.TTFT
	case "tts_metrics":
		turn.ttfb = ev.Metrics.TTFB
	default:
		return false
	}
	return true
}

// encodeAudio encodes 16 kHz samples for the wire and returns the byte size
// of a 20 ms frame.
func encodeAudio(samples []float32, codec audio.Codec) ([]byte, int, error) {
	data, rate, err := audio.Encode(samples, codec, audio.SpeechRate)
	if err != nil {
		return nil, 0, err
	}
	frame := rate / 50
	if codec == audio.CodecPCM {
		frame *= 2
	}
	return data, frame, nil
}

// getAudioData returns 16 kHz samples from a random file followed by a
// second of silence, or synthetic speech when there are no files.
func getAudioData(files []string) []float32 {
	if len(files) > 0 {
		data, err := os.ReadFile(files[rand.Intn(len(files))])
		if err == nil {
			samples, _, _ := audio.Decode(stripWAVHeader(data), audio.CodecPCM, audio.SpeechRate)
			return append(samples, make([]float32, audio.SpeechRate)...)
		}
	}
	return generateSyntheticAudio(1500*time.Millisecond, time.Second)
}

func stripWAVHeader(data []byte) []byte {
	if len(data) > 44 && bytes.HasPrefix(data, []byte("RIFF")) {
		return data[44:]
	}
	return data
}

// generateSyntheticAudio returns a noisy 440Hz tone followed by silence, so
// the agent's VAD sees one complete utterance.
func generateSyntheticAudio(speech, silence time.Duration) []float32 {
	n := int(speech.Seconds() * audio.SpeechRate)
	samples := make([]float32, n+int(silence.Seconds()*audio.SpeechRate))
	for i := range n {
		t := float64(i) / audio.SpeechRate
		samples[i] = float32(math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05)
	}
	return samples
}

var audioExts = map[string]bool{".wav": true, ".pcm": true}

func findAudioFiles(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if audioExts[filepath.Ext(e.Name())] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}
