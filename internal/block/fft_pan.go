package block

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rjboer/satstream/internal/dsp"
	"github.com/rjboer/satstream/internal/logging"
	"github.com/rjboer/satstream/internal/stream"
)

// FFTPan computes a running power spectrum of its input for monitoring.
// Only the latest averaged frame is kept.
type FFTPan struct {
	worker

	in     *stream.Tap[complex64]
	pgram  *dsp.Periodogram
	frames atomic.Uint64

	mu         sync.RWMutex
	size       int
	samplerate float64
	rate       float64
	avgRate    float64
	spectrum   []float32
}

// NewFFTPan builds a spectrum monitor with the default frame size.
func NewFFTPan(id string, in *stream.Tap[complex64], logger logging.Logger) *FFTPan {
	f := &FFTPan{
		in:    in,
		size:  512,
		rate:  30,
		pgram: dsp.NewPeriodogram(512),
	}
	f.init(id, logger)
	return f
}

// SetFFTSettings sets the frame size, the input sample rate and the number
// of frames per second. One frame is computed every samplerate/rate input
// samples; the rest are skipped.
func (f *FFTPan) SetFFTSettings(size int, samplerate, rate float64) error {
	if size <= 0 || samplerate < 0 || rate <= 0 {
		return fmt.Errorf("fft settings size=%d samplerate=%v rate=%v: %w", size, samplerate, rate, ErrInvalidSettings)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.size = size
	f.samplerate = samplerate
	f.rate = rate
	if len(f.spectrum) != size {
		f.spectrum = nil
	}
	return nil
}

// SetAvgRate sets the weight a of the previous average in
// avg = a*avg + (1-a)*new. Zero disables averaging.
func (f *FFTPan) SetAvgRate(a float64) {
	f.mu.Lock()
	f.avgRate = min(max(a, 0), 1)
	f.mu.Unlock()
}

// Spectrum returns a copy of the latest averaged frame in dB, DC centred.
// It is nil until the first frame has been computed.
func (f *FFTPan) Spectrum() []float32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.spectrum == nil {
		return nil
	}
	out := make([]float32, len(f.spectrum))
	copy(out, f.spectrum)
	return out
}

// Frames returns the number of frames computed.
func (f *FFTPan) Frames() uint64 { return f.frames.Load() }

// Start launches the spectrum loop.
func (f *FFTPan) Start() error { return f.start(f.run, f.in.Close) }

// Stop closes the input and joins the worker.
func (f *FFTPan) Stop() { f.stop(f.in.Close) }

// layout returns the frame size and the number of samples to skip after
// each frame.
func (f *FFTPan) layout() (size, skip int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	size = f.size
	if f.samplerate > 0 {
		skip = max(int(f.samplerate/f.rate)-size, 0)
	}
	return size, skip
}

func (f *FFTPan) run() error {
	var frame, scratch []complex64
	var power []float64
	for {
		size, skip := f.layout()
		if len(frame) != size {
			frame = make([]complex64, size)
			f.pgram.Resize(size)
		}
		if !f.fill(frame) {
			return nil
		}
		power = f.pgram.Compute(power, frame)
		f.update(power)

		for skip > 0 {
			if scratch == nil {
				scratch = make([]complex64, DefaultChunk)
			}
			n, err := f.in.Read(scratch[:min(skip, len(scratch))])
			if err != nil {
				return nil
			}
			skip -= n
		}
	}
}

// fill reads a whole frame, which may span several reads when the frame is
// larger than the input stream. A frame cut short by close is dropped.
func (f *FFTPan) fill(frame []complex64) bool {
	for got := 0; got < len(frame); {
		n, err := f.in.Read(frame[got:])
		if err != nil {
			return false
		}
		got += n
	}
	return true
}

func (f *FFTPan) update(power []float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spectrum) != len(power) {
		f.spectrum = make([]float32, len(power))
		for i, v := range power {
			f.spectrum[i] = float32(v)
		}
	} else {
		a := float32(f.avgRate)
		for i, v := range power {
			f.spectrum[i] = a*f.spectrum[i] + (1-a)*float32(v)
		}
	}
	f.frames.Add(1)
}
