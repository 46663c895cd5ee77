package voicechat

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Analyser keeps the most recent window of samples and derives time and
// frequency domain views from it.
type Analyser struct {
	mu     sync.Mutex
	ring   []float64
	pos    int
	window []float64
	fft    *fourier.FFT
	seq    []float64
	coeffs []complex128
}

// NewAnalyser rounds size up to a power of two, minimum 32.
func NewAnalyser(size int) *Analyser {
	n := 32
	for n < size {
		n <<= 1
	}
	window := make([]float64, n)
	for i := range window {
		window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return &Analyser{
		ring:   make([]float64, n),
		window: window,
		fft:    fourier.NewFFT(n),
		seq:    make([]float64, n),
		coeffs: make([]complex128, n/2+1),
	}
}

func (a *Analyser) Size() int {
	return len(a.ring)
}

func (a *Analyser) Write(pcm []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range pcm {
		a.ring[a.pos] = float64(s)
		a.pos = (a.pos + 1) % len(a.ring)
	}
}

// TimeDomain copies the window, oldest sample first.
func (a *Analyser) TimeDomain(dst []float64) []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timeDomainLocked(dst)
}

func (a *Analyser) timeDomainLocked(dst []float64) []float64 {
	dst = dst[:0]
	dst = append(dst, a.ring[a.pos:]...)
	return append(dst, a.ring[:a.pos]...)
}

func (a *Analyser) RMS() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var sum float64
	for _, s := range a.ring {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(a.ring)))
}

// Frequency returns Size()/2 bin magnitudes of the windowed signal,
// scaled so a full-scale sine peaks near 1.
func (a *Analyser) Frequency(dst []float64) []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq = a.timeDomainLocked(a.seq)
	for i := range a.seq {
		a.seq[i] *= a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.seq)
	n := len(a.ring)
	dst = dst[:0]
	// Hann window halves the coherent gain.
	scale := 4 / float64(n)
	for i := 0; i < n/2; i++ {
		dst = append(dst, math.Min(1, cmplx.Abs(a.coeffs[i])*scale))
	}
	return dst
}
