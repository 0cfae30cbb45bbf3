package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

type Codec string

const (
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

// codecImpl pairs a codec's transforms with its fixed sample rate. A rate of
// 0 means the caller's sample rate is used as is (PCM passthrough).
type codecImpl struct {
	decode func([]byte) []float32
	encode func([]float32) []byte
	rate   int
}

var codecs = map[Codec]codecImpl{
	CodecPCM:      {decode: decodePCM16, encode: EncodePCM16},
	CodecG711Ulaw: {decode: decodeG711Ulaw, encode: encodeG711Ulaw, rate: g711Rate},
	CodecG711Alaw: {decode: decodeG711Alaw, encode: encodeG711Alaw, rate: g711Rate},
}

// ParseCodec validates a codec name sent by a client. An empty name selects PCM.
func ParseCodec(name string) (Codec, error) {
	if name == "" {
		return CodecPCM, nil
	}
	c := Codec(name)
	if _, ok := codecs[c]; !ok {
		return "", fmt.Errorf("unsupported codec: %s", name)
	}
	return c, nil
}

// Decode converts an encoded frame to float32 samples normalized to [-1, 1]
// and returns them with their sample rate.
func Decode(data []byte, codec Codec, sampleRate int) ([]float32, int, error) {
	impl, ok := codecs[codec]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
	}
	return impl.decode(data), impl.rateOr(sampleRate), nil
}

// Encode converts samples recorded at sampleRate into codec frames,
// resampling first when the codec has a fixed rate. It returns the encoded
// bytes and their sample rate.
func Encode(samples []float32, codec Codec, sampleRate int) ([]byte, int, error) {
	impl, ok := codecs[codec]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
	}
	rate := impl.rateOr(sampleRate)
	return impl.encode(Resample(samples, sampleRate, rate)), rate, nil
}

func (c codecImpl) rateOr(sampleRate int) int {
	if c.rate == 0 {
		return sampleRate
	}
	return c.rate
}

// DecodeTo16k decodes a frame and resamples it to the 16 kHz mono rate the
// speech providers expect.
func DecodeTo16k(data []byte, codec Codec, sampleRate int) ([]float32, error) {
	samples, rate, err := Decode(data, codec, sampleRate)
	if err != nil {
		return nil, err
	}
	return Resample(samples, rate, SpeechRate), nil
}

// SpeechRate is the sample rate used between VAD, noise cancellation and STT.
const SpeechRate = 16000

func decodePCM16(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}

// EncodePCM16 converts normalized samples to little-endian 16-bit PCM.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out
}

func toInt16(s float32) int16 {
	return int16(max(-1, min(1, s)) * math.MaxInt16)
}
