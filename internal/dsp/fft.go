package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// MinPowerDB is the floor reported for empty bins. Keeping spectra finite
// lets them be averaged and encoded as JSON.
const MinPowerDB = -200.0

// FFTShift returns a copy of the FFT output rotated so that DC is centered.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	out := make([]complex128, n)
	if n == 0 {
		return out
	}
	half := n / 2
	copy(out, data[half:])
	copy(out[n-half:], data[:half])
	return out
}

// PowerSpectrum applies a Hamming window to samples, transforms them and
// returns the DC-centred bin power in dB relative to a full-scale tone.
func PowerSpectrum(samples []complex64) []float64 {
	if len(samples) == 0 {
		return []float64{}
	}
	win := NewHamming(len(samples))
	coeffs := fourier.NewCmplxFFT(len(samples)).Coefficients(nil, win.Apply(nil, samples))
	return powerDB(coeffs, win.Sum(), nil)
}

// powerDB normalises coeffs by norm, shifts DC to the centre and converts
// to dB into out, which is grown as needed.
func powerDB(coeffs []complex128, norm float64, out []float64) []float64 {
	n := len(coeffs)
	if cap(out) < n {
		out = make([]float64, n)
	}
	out = out[:n]
	half := n / 2
	for i, v := range coeffs {
		// bin i lands at (i + n - half) mod n after the shift
		j := i + n - half
		if j >= n {
			j -= n
		}
		out[j] = toDB(cmplx.Abs(v) / norm)
	}
	return out
}

func toDB(mag float64) float64 {
	if mag <= 0 {
		return MinPowerDB
	}
	db := 20 * math.Log10(mag)
	if db < MinPowerDB || math.IsNaN(db) {
		return MinPowerDB
	}
	return db
}
