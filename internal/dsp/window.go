package dsp

import "math"

// Window holds per-sample taper coefficients.
type Window []float64

// NewHamming builds a symmetric Hamming window. A single-point window is 1.
func NewHamming(n int) Window {
	switch {
	case n <= 0:
		return Window{}
	case n == 1:
		return Window{1}
	}
	w := make(Window, n)
	step := 2 * math.Pi / float64(n-1)
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(step*float64(i))
	}
	return w
}

// Sum is the coherent gain of the window, used to normalise spectra.
func (w Window) Sum() float64 {
	var s float64
	for _, v := range w {
		s += v
	}
	return s
}

// Apply tapers samples into dst, growing it when needed. Samples beyond
// the window length are dropped.
func (w Window) Apply(dst []complex128, samples []complex64) []complex128 {
	n := min(len(w), len(samples))
	if cap(dst) < n {
		dst = make([]complex128, n)
	}
	dst = dst[:n]
	for i, v := range samples[:n] {
		dst[i] = complex(float64(real(v))*w[i], float64(imag(v))*w[i])
	}
	return dst
}
