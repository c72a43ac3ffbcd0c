package sdr

import (
	"sync"
	"time"

	"github.com/rjboer/satstream/internal/stream"
)

// pump owns the acquisition goroutine of a source and its output stream.
type pump struct {
	out *stream.Stream[complex64]

	mu      sync.Mutex
	opened  bool
	started bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newPump(streams stream.Config) *pump {
	if streams.Validate() != nil {
		streams = stream.DefaultConfig()
	}
	return &pump{out: stream.New[complex64](streams), stop: make(chan struct{})}
}

func (p *pump) markOpen() {
	p.mu.Lock()
	p.opened = true
	p.mu.Unlock()
}

// begin runs fn on its own goroutine. The output is closed when fn returns.
func (p *pump) begin(fn func(stop <-chan struct{})) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return ErrNotOpen
	}
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		defer p.out.Close()
		fn(p.stop)
	}()
	return nil
}

// halt stops the goroutine and closes the output. Safe to call repeatedly
// and before begin.
func (p *pump) halt() {
	p.once.Do(func() {
		close(p.stop)
		p.out.Close()
	})
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// pace sleeps until produced samples are due at samplerate, counted from
// start. It returns false when stop fires first.
func pace(stop <-chan struct{}, start time.Time, produced uint64, samplerate float64) bool {
	if samplerate <= 0 {
		return true
	}
	due := start.Add(time.Duration(float64(produced) / samplerate * float64(time.Second)))
	wait := time.Until(due)
	if wait <= 0 {
		return true
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
