package tools

import "time"

func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// Int16ToMono averages interleaved frames into dst, scaled to [-1, 1].
// dst is reused when large enough.
func Int16ToMono(dst []float32, src []int16, channels int) []float32 {
	if channels <= 0 {
		return dst[:0]
	}
	frames := len(src) / channels
	dst = grow(dst, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += float32(src[i*channels+ch]) / 32768
		}
		dst[i] = sum / float32(channels)
	}
	return dst
}

// Float32ToMono is Int16ToMono for float samples.
func Float32ToMono(dst []float32, src []float32, channels int) []float32 {
	if channels <= 0 {
		return dst[:0]
	}
	frames := len(src) / channels
	dst = grow(dst, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += src[i*channels+ch]
		}
		dst[i] = sum / float32(channels)
	}
	return dst
}

func grow(dst []float32, n int) []float32 {
	if cap(dst) < n {
		return make([]float32, n)
	}
	return dst[:n]
}
