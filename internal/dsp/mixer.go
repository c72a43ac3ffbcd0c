package dsp

import "math"

// Mixer translates a complex baseband by a fixed frequency offset using a
// numerically controlled oscillator.
type Mixer struct {
	phase float64
	step  float64
}

// NewMixer returns a mixer that multiplies its input by exp(+j2π·shift·n/fs).
func NewMixer(shift, samplerate float64) *Mixer {
	m := &Mixer{}
	m.SetShift(shift, samplerate)
	return m
}

// SetShift retunes the oscillator without resetting its phase.
func (m *Mixer) SetShift(shift, samplerate float64) {
	if samplerate <= 0 {
		m.step = 0
		return
	}
	m.step = 2 * math.Pi * shift / samplerate
}

// Process mixes buf in place.
func (m *Mixer) Process(buf []complex64) {
	if m.step == 0 {
		return
	}
	for i, v := range buf {
		sin, cos := math.Sincos(m.phase)
		re, im := float64(real(v)), float64(imag(v))
		buf[i] = complex64(complex(re*cos-im*sin, re*sin+im*cos))
		m.phase += m.step
		if m.phase > math.Pi {
			m.phase -= 2 * math.Pi
		} else if m.phase < -math.Pi {
			m.phase += 2 * math.Pi
		}
	}
}
