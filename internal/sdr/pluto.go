package sdr

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/rjboer/satstream/internal/config"
	"github.com/rjboer/satstream/internal/iiod"
	"github.com/rjboer/satstream/internal/logging"
	"github.com/rjboer/satstream/internal/stream"
)

// Pluto source settings.
const (
	SettingURI       = "uri"
	SettingGain      = "gain"
	SettingGainMode  = "gain_mode"
	SettingIOTimeout = "io_timeout"
)

const (
	DefaultPlutoURI = "192.168.2.1:30431"

	plutoPhy = "ad9361-phy"
	plutoRx  = "cf-ad9361-lpc"
	// voltage0 (I) and voltage1 (Q) of the first receiver.
	plutoRxMask = 0x3
	// 12-bit ADC samples are delivered sign-extended in 16 bits.
	plutoScale = 1.0 / 2048
)

// PlutoSource streams the first receive channel of an AD9361 front-end
// through its IIOD server.
type PlutoSource struct {
	*pump
	logger logging.Logger

	mu         sync.Mutex
	uri        string
	frequency  float64
	samplerate float64
	gain       float64
	gainMode   string
	chunk      int
	timeout    time.Duration
	client     *iiod.Client

	stopping atomic.Bool
	samples  atomic.Uint64
}

func plutoBackend() Backend {
	return Backend{
		Type: "pluto",
		Enumerate: func() []Descriptor {
			return []Descriptor{{Type: "pluto", ID: DefaultPlutoURI, Name: "ADALM-Pluto over IIOD"}}
		},
		New: func(d Descriptor, streams stream.Config, logger logging.Logger) Source {
			return NewPluto(d.ID, streams, logger)
		},
	}
}

// NewPluto returns a source for the IIOD server at uri. Nothing is sent to
// the device before Open.
func NewPluto(uri string, streams stream.Config, logger logging.Logger) *PlutoSource {
	if logger == nil {
		logger = logging.Default()
	}
	if uri == "" {
		uri = DefaultPlutoURI
	}
	return &PlutoSource{
		pump:       newPump(streams),
		logger:     logger.With(logging.Field{Key: "source", Value: "pluto"}),
		uri:        uri,
		samplerate: 2e6,
		gainMode:   "slow_attack",
		chunk:      defaultChunk,
		timeout:    iiod.DefaultTimeout,
	}
}

func (p *PlutoSource) SetFrequency(hz float64) error {
	if hz <= 0 {
		return fmt.Errorf("frequency %v: %w", hz, config.ErrInvalidOption)
	}
	p.mu.Lock()
	p.frequency = hz
	p.mu.Unlock()
	return nil
}

func (p *PlutoSource) SetSamplerate(hz float64) error {
	if hz <= 0 {
		return fmt.Errorf("samplerate %v: %w", hz, config.ErrInvalidOption)
	}
	p.mu.Lock()
	p.samplerate = hz
	p.mu.Unlock()
	return nil
}

// SetSettings applies uri, gain, gain_mode, chunk and io_timeout. A gain
// without an explicit mode selects manual gain.
func (p *PlutoSource) SetSettings(s config.Params) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uri = s.String(SettingURI, p.uri)
	if s.Has(SettingGain) {
		p.gain = s.Float(SettingGain, 0)
		p.gainMode = "manual"
	}
	switch mode := s.String(SettingGainMode, p.gainMode); mode {
	case "manual", "slow_attack", "fast_attack", "hybrid":
		p.gainMode = mode
	default:
		return fmt.Errorf("%s %q: %w", SettingGainMode, mode, config.ErrInvalidOption)
	}
	if c := s.Int(SettingChunk, 0); c > 0 {
		p.chunk = c
	}
	p.timeout = s.Seconds(SettingIOTimeout, p.timeout)
	return nil
}

// Open connects, programs rate, LO and gain, and opens the capture buffer.
// A failed attempt leaves no connection behind, so it can be retried.
func (p *PlutoSource) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil
	}
	c, err := iiod.Dial(ctx, p.uri, p.timeout, p.logger)
	if err != nil {
		return err
	}
	if err := p.configure(c); err != nil {
		return multierr.Append(err, c.Close())
	}
	p.client = c
	p.markOpen()
	p.logger.Info("pluto source opened",
		logging.Field{Key: "uri", Value: p.uri},
		logging.Field{Key: "samplerate", Value: p.samplerate},
		logging.Field{Key: "frequency", Value: p.frequency})
	return nil
}

type attrWrite struct {
	dir     iiod.Direction
	channel string
	attr    string
	value   string
}

func (p *PlutoSource) configure(c *iiod.Client) error {
	hz := func(v float64) string { return strconv.FormatInt(int64(v), 10) }
	writes := []attrWrite{
		{iiod.Input, "voltage0", "sampling_frequency", hz(p.samplerate)},
		{iiod.Input, "voltage0", "rf_bandwidth", hz(p.samplerate)},
		{iiod.Input, "voltage0", "gain_control_mode", p.gainMode},
	}
	if p.frequency > 0 {
		writes = append(writes, attrWrite{iiod.Output, "altvoltage0", "frequency", hz(p.frequency)})
	}
	if p.gainMode == "manual" {
		writes = append(writes, attrWrite{iiod.Input, "voltage0", "hardwaregain", strconv.FormatFloat(p.gain, 'f', -1, 64)})
	}
	for _, w := range writes {
		if err := c.WriteAttr(plutoPhy, w.dir, w.channel, w.attr, w.value); err != nil {
			return fmt.Errorf("set %s: %w", w.attr, err)
		}
	}
	if err := c.OpenBuffer(plutoRx, p.chunk, plutoRxMask); err != nil {
		return fmt.Errorf("open rx buffer: %w", err)
	}
	return nil
}

func (p *PlutoSource) Start() error { return p.begin(p.run) }

// Stop drops the connection, which ends a read in flight, then waits for
// the acquisition goroutine.
func (p *PlutoSource) Stop() error {
	p.stopping.Store(true)
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	var err error
	if c != nil {
		err = c.Close()
	}
	p.halt()
	return err
}

func (p *PlutoSource) Output() *stream.Stream[complex64] { return p.out }

// Samples is the number of samples delivered so far.
func (p *PlutoSource) Samples() uint64 { return p.samples.Load() }

func (p *PlutoSource) run(stop <-chan struct{}) {
	p.mu.Lock()
	c, chunk := p.client, p.chunk
	p.mu.Unlock()
	raw := make([]byte, chunk*4)
	samples := make([]complex64, chunk)

	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := c.ReadBuffer(plutoRx, raw)
		if err != nil {
			if !p.stopping.Load() {
				p.logger.Error("pluto read failed", logging.Field{Key: "error", Value: err})
			}
			return
		}
		count := n / 4
		if count == 0 {
			p.logger.Warn("pluto buffer returned no data")
			return
		}
		decodeIQ16(samples[:count], raw[:count*4])
		if err := p.out.Write(samples[:count]); err != nil {
			return
		}
		p.samples.Add(uint64(count))
	}
}

// decodeIQ16 converts little-endian interleaved int16 I/Q pairs.
func decodeIQ16(dst []complex64, raw []byte) {
	for i := range dst {
		re := int16(binary.LittleEndian.Uint16(raw[4*i:]))
		im := int16(binary.LittleEndian.Uint16(raw[4*i+2:]))
		dst[i] = complex(float32(re)*plutoScale, float32(im)*plutoScale)
	}
}
