package sdr

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"

	"github.com/rjboer/satstream/internal/config"
	"github.com/rjboer/satstream/internal/logging"
	"github.com/rjboer/satstream/internal/stream"
)

// Mock source settings.
const (
	SettingToneOffsets = "tone_offsets"
	SettingNoise       = "noise"
	SettingMaxSamples  = "max_samples"
	SettingThrottle    = "throttle"
	SettingSeed        = "seed"
	SettingChunk       = "chunk"
)

const (
	defaultMockNoise = 1e-4
	defaultChunk     = 8192
)

// mockConfig is the generator state guarded by MockSource.mu.
type mockConfig struct {
	samplerate float64
	frequency  float64
	tones      []float64
	noise      float64
	maxSamples uint64
	throttle   bool
	seed       int64
	chunk      int
}

// MockSource synthesizes unit-amplitude tones at fixed offsets from the
// tuned frequency plus gaussian noise.
type MockSource struct {
	*pump
	logger logging.Logger

	mu  sync.RWMutex
	cfg mockConfig
}

func mockBackend() Backend {
	return Backend{
		Type: "mock",
		Enumerate: func() []Descriptor {
			return []Descriptor{{Type: "mock", ID: "mock0", Name: "Synthetic IQ source"}}
		},
		New: func(_ Descriptor, streams stream.Config, logger logging.Logger) Source {
			return NewMock(streams, logger)
		},
	}
}

// NewMock returns a mock source generating one tone at an eighth of the
// sample rate until stopped.
func NewMock(streams stream.Config, logger logging.Logger) *MockSource {
	if logger == nil {
		logger = logging.Default()
	}
	return &MockSource{
		pump:   newPump(streams),
		logger: logger,
		cfg: mockConfig{
			samplerate: 2e6,
			noise:      defaultMockNoise,
			seed:       1,
			chunk:      defaultChunk,
		},
	}
}

func (m *MockSource) Open(_ context.Context) error {
	m.markOpen()
	m.logger.Info("mock source opened")
	return nil
}

func (m *MockSource) Start() error { return m.begin(m.run) }

func (m *MockSource) Stop() error {
	m.halt()
	return nil
}

func (m *MockSource) Output() *stream.Stream[complex64] { return m.out }

func (m *MockSource) SetFrequency(hz float64) error {
	if hz <= 0 {
		return fmt.Errorf("frequency %v: %w", hz, config.ErrInvalidOption)
	}
	m.mu.Lock()
	m.cfg.frequency = hz
	m.mu.Unlock()
	return nil
}

func (m *MockSource) SetSamplerate(hz float64) error {
	if hz <= 0 {
		return fmt.Errorf("samplerate %v: %w", hz, config.ErrInvalidOption)
	}
	m.mu.Lock()
	m.cfg.samplerate = hz
	m.mu.Unlock()
	return nil
}

// SetSettings applies the mock-specific options.
func (m *MockSource) SetSettings(p config.Params) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Has(SettingToneOffsets) {
		tones, err := floatList(p[SettingToneOffsets])
		if err != nil {
			return fmt.Errorf("%s: %w", SettingToneOffsets, err)
		}
		m.cfg.tones = tones
	}
	m.cfg.noise = p.Float(SettingNoise, m.cfg.noise)
	if n := p.Int(SettingMaxSamples, 0); n > 0 {
		m.cfg.maxSamples = uint64(n)
	}
	m.cfg.throttle = p.Bool(SettingThrottle, m.cfg.throttle)
	m.cfg.seed = int64(p.Int(SettingSeed, int(m.cfg.seed)))
	if c := p.Int(SettingChunk, 0); c > 0 {
		m.cfg.chunk = c
	}
	return nil
}

func (m *MockSource) snapshot() mockConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := m.cfg
	if len(cfg.tones) == 0 {
		cfg.tones = []float64{cfg.samplerate / 8}
	}
	return cfg
}

func (m *MockSource) run(stop <-chan struct{}) {
	cfg := m.snapshot()
	rng := rand.New(rand.NewSource(cfg.seed))
	phases := make([]float64, len(cfg.tones))
	start := time.Now()
	var produced uint64

	m.logger.Info("mock source started",
		logging.Field{Key: "samplerate", Value: cfg.samplerate},
		logging.Field{Key: "tones", Value: cfg.tones},
		logging.Field{Key: "max_samples", Value: cfg.maxSamples})

	for {
		select {
		case <-stop:
			return
		default:
		}
		cfg = m.snapshot()
		n := cfg.chunk
		if cfg.maxSamples > 0 {
			if produced >= cfg.maxSamples {
				m.logger.Info("mock source exhausted", logging.Field{Key: "samples", Value: produced})
				return
			}
			n = int(min(uint64(n), cfg.maxSamples-produced))
		}
		region, err := m.out.ReserveWrite(n)
		if err != nil {
			return
		}
		for i := range region {
			var v complex128
			for k, offset := range cfg.tones {
				v += complex(math.Cos(phases[k]), math.Sin(phases[k]))
				phases[k] = math.Mod(phases[k]+2*math.Pi*offset/cfg.samplerate, 2*math.Pi)
			}
			noiseI := rng.NormFloat64() * cfg.noise
			noiseQ := rng.NormFloat64() * cfg.noise
			region[i] = complex64(v + complex(noiseI, noiseQ))
		}
		if err := m.out.CommitWrite(len(region)); err != nil {
			return
		}
		produced += uint64(len(region))
		if cfg.throttle && !pace(stop, start, produced, cfg.samplerate) {
			return
		}
	}
}

// floatList accepts a list value from YAML/JSON or a comma separated
// string.
func floatList(v any) ([]float64, error) {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case []float64:
		return append([]float64(nil), t...), nil
	case string:
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
	default:
		items = []any{v}
	}
	out := make([]float64, 0, len(items))
	for _, it := range items {
		f, err := cast.ToFloat64E(it)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
