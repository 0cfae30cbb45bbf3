package audio

import "encoding/binary"

const wavHeaderLen = 44

// SamplesToWAV encodes float32 samples as a 16-bit mono WAV file.
func SamplesToWAV(samples []float32, sampleRate int) []byte {
	return PCM16ToWAV(EncodePCM16(samples), sampleRate)
}

// PCM16ToWAV prefixes raw little-endian 16-bit mono PCM with a WAV header.
func PCM16ToWAV(pcm []byte, sampleRate int) []byte {
	buf := make([]byte, wavHeaderLen+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)-8))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                   // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[wavHeaderLen:], pcm)
	return buf
}

// Silence returns a WAV clip of ms milliseconds of silence.
func Silence(ms, sampleRate int) []byte {
	return PCM16ToWAV(make([]byte, sampleRate*ms/1000*2), sampleRate)
}
