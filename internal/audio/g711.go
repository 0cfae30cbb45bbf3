package audio

import (
	"math"
	"math/bits"
)

// G.711 runs at a fixed 8 kHz.
const g711Rate = 8000

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// Decoding goes through lookup tables built once; encoding is computed.
var (
	ulawToLinear [256]int16
	alawToLinear [256]int16
)

func init() {
	for i := range 256 {
		ulawToLinear[i] = ulawExpand(byte(i))
		alawToLinear[i] = alawExpand(byte(i))
	}
}

func ulawExpand(code byte) int16 {
	code = ^code
	exp := (code >> 4) & 0x07
	mag := (int16(code&0x0F)<<3 + ulawBias) << exp
	mag -= ulawBias
	if code&0x80 != 0 {
		return -mag
	}
	return mag
}

func ulawCompress(pcm int16) byte {
	v := int32(pcm)
	var sign byte
	if v < 0 {
		sign = 0x80
		v = -v
	}
	v = min(v, ulawClip) + ulawBias
	exp := bits.Len32(uint32(v)>>7) - 1
	mant := byte(v>>(exp+3)) & 0x0F
	return ^(sign | byte(exp)<<4 | mant)
}

func alawExpand(code byte) int16 {
	code ^= 0x55
	exp := (code >> 4) & 0x07
	mant := int16(code & 0x0F)
	var mag int16
	if exp == 0 {
		mag = mant<<4 + 8
	} else {
		mag = (mant<<4 + 0x108) << (exp - 1)
	}
	if code&0x80 == 0 {
		return -mag
	}
	return mag
}

func alawCompress(pcm int16) byte {
	v := int32(pcm) >> 3
	mask := byte(0xD5)
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}
	seg := max(0, bits.Len32(uint32(v))-5)
	if seg >= 8 {
		return 0x7F ^ mask
	}
	var quant byte
	if seg < 2 {
		quant = byte(v>>1) & 0x0F
	} else {
		quant = byte(v>>seg) & 0x0F
	}
	return (byte(seg)<<4 | quant) ^ mask
}

func expandG711(data []byte, table *[256]int16) []float32 {
	samples := make([]float32, len(data))
	for i, b := range data {
		samples[i] = float32(table[b]) / math.MaxInt16
	}
	return samples
}

func compressG711(samples []float32, compress func(int16) byte) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = compress(toInt16(s))
	}
	return out
}

func decodeG711Ulaw(data []byte) []float32 { return expandG711(data, &ulawToLinear) }
func decodeG711Alaw(data []byte) []float32 { return expandG711(data, &alawToLinear) }

func encodeG711Ulaw(samples []float32) []byte { return compressG711(samples, ulawCompress) }
func encodeG711Alaw(samples []float32) []byte { return compressG711(samples, alawCompress) }
