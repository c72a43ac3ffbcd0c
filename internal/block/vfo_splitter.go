package block

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rjboer/satstream/internal/dsp"
	"github.com/rjboer/satstream/internal/logging"
	"github.com/rjboer/satstream/internal/stream"
)

var (
	ErrShiftOutOfRange = errors.New("frequency shift outside source bandwidth")
	ErrDuplicateVFO    = errors.New("VFO already exists")
	ErrUnknownVFO      = errors.New("unknown VFO")
	ErrInvalidVFO      = errors.New("invalid VFO")
)

// VFOInfo describes a registered VFO.
type VFOInfo struct {
	Name       string  `json:"name"`
	Samplerate float64 `json:"samplerate"`
	Shift      float64 `json:"frequency_shift"`
	Enabled    bool    `json:"enabled"`
	Produced   uint64  `json:"produced"`
}

// vfo is the sub-chain of one channel: a private feed stream written by the
// splitter, then a mixer and a resampler running on their own goroutine.
type vfo struct {
	worker

	name       string
	samplerate float64
	shift      float64
	enabled    atomic.Bool
	produced   atomic.Uint64

	feed      *stream.Stream[complex64]
	feedTap   *stream.Tap[complex64]
	out       *stream.Stream[complex64]
	mixer     *dsp.Mixer
	resampler *dsp.Resampler
}

func (v *vfo) release() {
	v.feed.Close()
	v.feedTap.Close()
	v.out.Close()
}

func (v *vfo) run() error {
	in := make([]complex64, DefaultChunk)
	out := make([]complex64, 0, v.resampler.MaxOutput(len(in)))
	for {
		n, err := v.feedTap.ReadSome(in)
		if err != nil {
			return nil
		}
		v.mixer.Process(in[:n])
		out = v.resampler.Process(in[:n], out)
		if len(out) == 0 {
			continue
		}
		if err := v.out.Write(out); err != nil {
			return nil
		}
		v.produced.Add(uint64(len(out)))
	}
}

func (v *vfo) info() VFOInfo {
	return VFOInfo{
		Name:       v.name,
		Samplerate: v.samplerate,
		Shift:      v.shift,
		Enabled:    v.enabled.Load(),
		Produced:   v.produced.Load(),
	}
}

// VFOSplitter channelizes a wideband stream. Each VFO mixes the input by
// its frequency shift and resamples it to its own rate. VFOs can be added
// and removed while the splitter runs; each has its own goroutine so a
// change to one never pauses the others.
type VFOSplitter struct {
	worker

	in         *stream.Tap[complex64]
	cfg        stream.Config
	sourceRate float64
	main       *output
	processed  atomic.Uint64

	mu   sync.RWMutex
	vfos map[string]*vfo
}

// NewVFOSplitter builds a channelizer for a source running at sourceRate.
func NewVFOSplitter(id string, in *stream.Tap[complex64], sourceRate float64, cfg stream.Config, logger logging.Logger) *VFOSplitter {
	s := &VFOSplitter{
		in:         in,
		cfg:        cfg,
		sourceRate: sourceRate,
		main:       &output{name: MainOutput, s: stream.New[complex64](cfg)},
		vfos:       make(map[string]*vfo),
	}
	s.init(id, logger)
	return s
}

// Main returns the unprocessed wideband output. It starts disabled.
func (s *VFOSplitter) Main() *stream.Stream[complex64] { return s.main.s }

// SetMainEnabled toggles the wideband output.
func (s *VFOSplitter) SetMainEnabled(enabled bool) { s.main.enabled.Store(enabled) }

// AddVFO registers a channel shifted by shift hertz and resampled to
// samplerate. Shifts up to half the source rate are accepted. Nothing is
// created when validation fails. New VFOs start disabled.
func (s *VFOSplitter) AddVFO(name string, samplerate, shift float64) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("empty name: %w", ErrInvalidVFO)
	}
	if math.Abs(shift) > s.sourceRate/2 {
		return fmt.Errorf("%s: shift %.0f Hz exceeds ±%.0f Hz: %w", name, shift, s.sourceRate/2, ErrShiftOutOfRange)
	}
	resampler, err := dsp.NewResampler(s.sourceRate, samplerate)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", name, ErrInvalidVFO, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping.Load() {
		return ErrStopped
	}
	if _, ok := s.vfos[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrDuplicateVFO)
	}

	feed := stream.New[complex64](s.cfg)
	v := &vfo{
		name:       name,
		samplerate: samplerate,
		shift:      shift,
		feed:       feed,
		feedTap:    feed.Tap(name),
		out:        stream.New[complex64](s.cfg),
		mixer:      dsp.NewMixer(shift, s.sourceRate),
		resampler:  resampler,
	}
	v.init(s.id+"/"+name, s.root)
	if err := v.start(v.run, v.release); err != nil {
		return err
	}
	s.vfos[name] = v
	interp, decim := resampler.Ratio()
	s.logger.Info("VFO added",
		logging.Field{Key: "vfo", Value: name},
		logging.Field{Key: "shift_hz", Value: shift},
		logging.Field{Key: "samplerate", Value: samplerate},
		logging.Field{Key: "ratio", Value: fmt.Sprintf("%d/%d", interp, decim)})
	return nil
}

// DelVFO stops and removes one channel. Other channels keep running.
func (s *VFOSplitter) DelVFO(name string) error {
	s.mu.Lock()
	v, ok := s.vfos[name]
	delete(s.vfos, name)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownVFO)
	}
	v.enabled.Store(false)
	v.stop(v.release)
	s.logger.Info("VFO removed", logging.Field{Key: "vfo", Value: name})
	return nil
}

// SetVFOEnabled toggles whether a channel receives samples.
func (s *VFOSplitter) SetVFOEnabled(name string, enabled bool) error {
	v, err := s.lookup(name)
	if err != nil {
		return err
	}
	v.enabled.Store(enabled)
	return nil
}

// VFOOutput returns the output stream of a channel.
func (s *VFOSplitter) VFOOutput(name string) (*stream.Stream[complex64], error) {
	v, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return v.out, nil
}

// VFOs lists the registered channels sorted by name.
func (s *VFOSplitter) VFOs() []VFOInfo {
	s.mu.RLock()
	infos := make([]VFOInfo, 0, len(s.vfos))
	for _, v := range s.vfos {
		infos = append(infos, v.info())
	}
	s.mu.RUnlock()
	slices.SortFunc(infos, func(a, b VFOInfo) int { return strings.Compare(a.Name, b.Name) })
	return infos
}

func (s *VFOSplitter) lookup(name string) (*vfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vfos[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownVFO)
	}
	return v, nil
}

func (s *VFOSplitter) snapshot() []*vfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*vfo, 0, len(s.vfos))
	for _, v := range s.vfos {
		out = append(out, v)
	}
	return out
}

// Start launches the distribution loop.
func (s *VFOSplitter) Start() error { return s.start(s.run, s.releaseInput) }

// Stop closes the input, joins the distribution loop and then stops and
// removes every VFO.
func (s *VFOSplitter) Stop() {
	s.stop(s.releaseInput)

	s.mu.Lock()
	vfos := s.vfos
	s.vfos = make(map[string]*vfo)
	s.mu.Unlock()
	for _, v := range vfos {
		v.stop(v.release)
	}
}

func (s *VFOSplitter) releaseInput() {
	s.in.Close()
	s.main.s.Close()
	for _, v := range s.snapshot() {
		v.feed.Close()
	}
}

func (s *VFOSplitter) run() error {
	buf := make([]complex64, DefaultChunk)
	for {
		n, err := s.in.ReadSome(buf)
		if err != nil {
			return nil
		}
		chunk := buf[:n]
		s.processed.Add(uint64(n))
		fanOut([]*output{s.main}, chunk)
		for _, v := range s.snapshot() {
			if !v.enabled.Load() {
				continue
			}
			_ = v.feed.Write(chunk)
		}
	}
}

// Processed returns the number of input samples distributed so far.
func (s *VFOSplitter) Processed() uint64 { return s.processed.Load() }
