package audio

import (
	"math"
	"time"
)

// silenceFloorDB is reported for empty or digitally silent chunks.
const silenceFloorDB = -100

// VADConfig controls voice activity detection behavior.
type VADConfig struct {
	SpeechThresholdDB float64
	SilenceTimeout    time.Duration
	MinSpeechDuration time.Duration
	PreSpeechBuffer   time.Duration
	SampleRate        int
}

// DefaultVADConfig returns defaults tuned for close-talk microphones.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SpeechThresholdDB: -35,
		SilenceTimeout:    550 * time.Millisecond,
		MinSpeechDuration: 250 * time.Millisecond,
		PreSpeechBuffer:   300 * time.Millisecond,
		SampleRate:        SpeechRate,
	}
}

// VADResult reports the transitions caused by one chunk.
//
// SpeechStarted is set on the first voiced chunk of an utterance. When the
// trailing silence reaches SilenceTimeout, either SpeechEnded is set with the
// utterance audio, or Discarded is set if the utterance was shorter than
// MinSpeechDuration. LastSpeech is the time the last voiced chunk was seen.
type VADResult struct {
	SpeechStarted bool
	SpeechEnded   bool
	Discarded     bool
	LastSpeech    time.Time
	Audio         []float32
}

// utterance is the speech collected since the last start transition.
type utterance struct {
	samples []float32
	started time.Time
	voiced  time.Time
}

func (u *utterance) length() time.Duration {
	return u.voiced.Sub(u.started)
}

// VAD is an energy gate with hangover: a chunk above the threshold opens an
// utterance, and the utterance closes once no voiced chunk has been seen for
// SilenceTimeout. While idle, the most recent PreSpeechBuffer of audio is kept
// so the onset of a word is not clipped.
type VAD struct {
	cfg     VADConfig
	preroll []float32
	keep    int
	cur     *utterance
}

// NewVAD creates a VAD with the given config.
func NewVAD(cfg VADConfig) *VAD {
	keep := int(cfg.PreSpeechBuffer.Seconds() * float64(cfg.SampleRate))
	return &VAD{cfg: cfg, keep: keep, preroll: make([]float32, 0, keep)}
}

// Process feeds a chunk into the VAD using the wall clock.
func (v *VAD) Process(samples []float32) VADResult {
	return v.ProcessAt(samples, time.Now())
}

// ProcessAt feeds a chunk observed at now into the VAD.
func (v *VAD) ProcessAt(samples []float32, now time.Time) VADResult {
	voiced := EnergyDB(samples) >= v.cfg.SpeechThresholdDB

	switch {
	case voiced && v.cur == nil:
		v.cur = &utterance{samples: append(v.preroll, samples...), started: now, voiced: now}
		v.preroll = make([]float32, 0, v.keep)
		return VADResult{SpeechStarted: true, LastSpeech: now}
	case voiced:
		v.cur.samples = append(v.cur.samples, samples...)
		v.cur.voiced = now
		return VADResult{LastSpeech: now}
	case v.cur == nil:
		v.remember(samples)
		return VADResult{}
	}

	v.cur.samples = append(v.cur.samples, samples...)
	if now.Sub(v.cur.voiced) < v.cfg.SilenceTimeout {
		return VADResult{}
	}

	u := v.cur
	v.cur = nil
	if u.length() < v.cfg.MinSpeechDuration {
		return VADResult{Discarded: true, LastSpeech: u.voiced}
	}
	return VADResult{SpeechEnded: true, LastSpeech: u.voiced, Audio: u.samples}
}

// Speaking reports whether an utterance is in progress.
func (v *VAD) Speaking() bool {
	return v.cur != nil
}

// Flush returns the utterance in progress, if any, with the time of its last
// voiced chunk, and resets the VAD.
func (v *VAD) Flush() ([]float32, time.Time) {
	u := v.cur
	v.cur = nil
	if u == nil || len(u.samples) == 0 {
		return nil, time.Time{}
	}
	return u.samples, u.voiced
}

// remember appends idle audio to the pre-roll, keeping only the newest part.
func (v *VAD) remember(samples []float32) {
	if v.keep == 0 {
		return
	}
	v.preroll = append(v.preroll, samples...)
	if over := len(v.preroll) - v.keep; over > 0 {
		v.preroll = append(v.preroll[:0], v.preroll[over:]...)
	}
}

// EnergyDB returns the RMS level of samples in dBFS.
func EnergyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return silenceFloorDB
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-10 {
		return silenceFloorDB
	}
	return 20 * math.Log10(rms)
}
