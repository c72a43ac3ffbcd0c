package dsp

import "math"

// LowpassTaps designs a Hamming-windowed sinc lowpass filter. cutoff is
// the normalised cutoff frequency in cycles per sample (0 < cutoff <= 0.5).
// The taps are scaled to unity DC gain.
func LowpassTaps(numTaps int, cutoff float64) []float64 {
	if numTaps <= 0 {
		return []float64{}
	}
	win := NewHamming(numTaps)
	taps := make([]float64, numTaps)
	mid := float64(numTaps-1) / 2
	sum := 0.0
	for i := range taps {
		x := float64(i) - mid
		var h float64
		if x == 0 {
			h = 2 * cutoff
		} else {
			h = math.Sin(2*math.Pi*cutoff*x) / (math.Pi * x)
		}
		taps[i] = h * win[i]
		sum += taps[i]
	}
	if sum != 0 {
		for i := range taps {
			taps[i] /= sum
		}
	}
	return taps
}
