package dsp

import "gonum.org/v1/gonum/dsp/fourier"

// Periodogram computes windowed power spectra of fixed-size frames, reusing
// its window, FFT plan and scratch buffers between calls. It is not safe for
// concurrent use.
type Periodogram struct {
	win     Window
	norm    float64
	plan    *fourier.CmplxFFT
	tapered []complex128
	coeffs  []complex128
}

// NewPeriodogram prepares a periodogram for frames of size samples.
func NewPeriodogram(size int) *Periodogram {
	p := &Periodogram{}
	p.Resize(size)
	return p
}

// Resize replans for a new frame size. Same-size calls are free.
func (p *Periodogram) Resize(size int) {
	size = max(size, 0)
	if p.plan != nil && size == len(p.win) {
		return
	}
	p.win = NewHamming(size)
	p.norm = p.win.Sum()
	p.plan = fourier.NewCmplxFFT(max(size, 1))
	p.tapered = make([]complex128, 0, size)
	p.coeffs = make([]complex128, size)
}

// Len is the planned frame size.
func (p *Periodogram) Len() int { return len(p.win) }

// Compute writes the DC-centred power of frame in dB into dst, growing it as
// needed. A frame whose length differs from the plan is handled by
// PowerSpectrum without touching the plan.
func (p *Periodogram) Compute(dst []float64, frame []complex64) []float64 {
	switch {
	case len(frame) == 0:
		return dst[:0]
	case len(frame) != len(p.win):
		return append(dst[:0], PowerSpectrum(frame)...)
	}
	p.tapered = p.win.Apply(p.tapered, frame)
	p.coeffs = p.plan.Coefficients(p.coeffs, p.tapered)
	return powerDB(p.coeffs, p.norm, dst)
}
