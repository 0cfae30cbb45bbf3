package audio

import (
	"math"
	"sync"
)

// resampleTaps is the length of the anti-aliasing FIR filter.
const resampleTaps = 31

type kernelKey struct {
	cutoff     float64
	sampleRate float64
}

// kernels caches one Blackman-windowed sinc filter per rate pair. Frames are
// 20 ms, so rebuilding the filter per call would dominate the cost.
var kernels sync.Map

// Resample converts samples from srcRate to dstRate by linear interpolation.
// Downsampling filters before interpolating, upsampling filters after. The
// input is returned as is when the rates match.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	cutoff := float64(min(srcRate, dstRate)) / 2

	if srcRate > dstRate {
		samples = lowPass(samples, kernelFor(cutoff, float64(srcRate)))
	}

	step := float64(srcRate) / float64(dstRate)
	out := make([]float32, int(float64(len(samples))/step))
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}

	if dstRate > srcRate {
		out = lowPass(out, kernelFor(cutoff, float64(dstRate)))
	}
	return out
}

func kernelFor(cutoff, sampleRate float64) []float32 {
	key := kernelKey{cutoff: cutoff, sampleRate: sampleRate}
	if k, ok := kernels.Load(key); ok {
		return k.([]float32)
	}
	k, _ := kernels.LoadOrStore(key, sincKernel(cutoff/sampleRate, resampleTaps))
	return k.([]float32)
}

// lowPass convolves samples with kernel, using only the taps that overlap
// the input at the edges.
func lowPass(samples, kernel []float32) []float32 {
	taps := len(kernel)
	half := taps / 2
	out := make([]float32, len(samples))
	for i := range samples {
		var acc float32
		for j := max(0, half-i); j < min(taps, len(samples)-i+half); j++ {
			acc += samples[i+j-half] * kernel[j]
		}
		out[i] = acc
	}
	return out
}

// sincKernel builds a normalized low-pass kernel for the cutoff given as a
// fraction of the sample rate.
func sincKernel(fc float64, taps int) []float32 {
	half := taps / 2
	span := float64(taps - 1)
	raw := make([]float64, taps)
	var sum float64
	for i := range raw {
		n := float64(i - half)
		v := 1.0
		if n != 0 {
			x := 2 * math.Pi * fc * n
			v = math.Sin(x) / x
		}
		blackman := 0.42 - 0.5*math.Cos(2*math.Pi*float64(i)/span) + 0.08*math.Cos(4*math.Pi*float64(i)/span)
		raw[i] = v * blackman
		sum += raw[i]
	}

	kernel := make([]float32, taps)
	for i, v := range raw {
		kernel[i] = float32(v / sum)
	}
	return kernel
}
