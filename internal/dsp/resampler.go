package dsp

import (
	"errors"
	"fmt"
	"math"
)

// MaxResampleFactor bounds the reduced interpolation and decimation factors.
const MaxResampleFactor = 1000

// tapsPerBranch sets the filter length relative to the larger factor.
const tapsPerBranch = 16

var (
	// ErrInvalidRate is returned for non-positive sample rates.
	ErrInvalidRate = errors.New("sample rate must be positive")
	// ErrRatioTooLarge is returned when the reduced ratio exceeds MaxResampleFactor.
	ErrRatioTooLarge = errors.New("resampling ratio too large")
)

// Resampler converts between two sample rates with a rational polyphase
// filter. Rates are rounded to whole hertz and the ratio is reduced by
// their greatest common divisor.
type Resampler struct {
	interp, decim int
	phases        [][]float32
	hist          []complex64
	work          []complex64
	ctr           int
}

// NewResampler builds a resampler from inRate to outRate.
func NewResampler(inRate, outRate float64) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, ErrInvalidRate
	}
	in := int64(math.Round(inRate))
	out := int64(math.Round(outRate))
	if in == 0 || out == 0 {
		return nil, ErrInvalidRate
	}
	g := gcd(in, out)
	l, m := out/g, in/g
	if l > MaxResampleFactor || m > MaxResampleFactor {
		return nil, fmt.Errorf("%d/%d: %w", l, m, ErrRatioTooLarge)
	}

	r := &Resampler{interp: int(l), decim: int(m)}
	if l == 1 && m == 1 {
		return r, nil
	}

	factor := max(r.interp, r.decim)
	perPhase := (tapsPerBranch*factor + r.interp) / r.interp
	proto := LowpassTaps(perPhase*r.interp, 0.5/float64(factor))

	r.phases = make([][]float32, r.interp)
	for p := range r.phases {
		branch := make([]float32, perPhase)
		for k := range branch {
			branch[k] = float32(proto[p+k*r.interp] * float64(r.interp))
		}
		r.phases[p] = branch
	}
	r.hist = make([]complex64, perPhase-1)
	return r, nil
}

// Ratio returns the reduced interpolation and decimation factors.
func (r *Resampler) Ratio() (interp, decim int) { return r.interp, r.decim }

// MaxOutput returns an upper bound on the samples produced for n inputs.
func (r *Resampler) MaxOutput(n int) int {
	return (n*r.interp+r.decim-1)/r.decim + 1
}

// Process resamples in and appends the result to out[:0].
func (r *Resampler) Process(in []complex64, out []complex64) []complex64 {
	out = out[:0]
	if r.phases == nil {
		return append(out, in...)
	}

	k := len(r.hist) + 1
	r.work = append(r.work[:0], r.hist...)
	r.work = append(r.work, in...)

	for i := range in {
		newest := i + k - 1
		for r.ctr < r.interp {
			branch := r.phases[r.ctr]
			var re, im float32
			for j, h := range branch {
				x := r.work[newest-j]
				re += h * real(x)
				im += h * imag(x)
			}
			out = append(out, complex(re, im))
			r.ctr += r.decim
		}
		r.ctr -= r.interp
	}
	copy(r.hist, r.work[len(r.work)-len(r.hist):])
	return out
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
