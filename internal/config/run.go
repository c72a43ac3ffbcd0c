package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/rjboer/satstream/internal/stream"
)

// Option keys understood by the live runner.
const (
	KeySource           = "source"
	KeySourceID         = "source_id"
	KeySamplerate       = "samplerate"
	KeyFrequency        = "frequency"
	KeyTimeout          = "timeout"
	KeyFFTEnable        = "fft_enable"
	KeyFFTSize          = "fft_size"
	KeyFFTRate          = "fft_rate"
	KeyFFTAvg           = "fft_avg"
	KeyMultiVFO         = "multi_vfo"
	KeyMultiVFOWatch    = "multi_vfo_watch"
	KeyFinishProcessing = "finish_processing"
	KeyBufferSize       = "buffer_size"
	KeyHTTPServer       = "http_server"
	KeyServerAddress    = "server_address"
	KeyServerPort       = "server_port"
	KeyBasebandFormat   = "baseband_format"
	KeyStartTimestamp   = "start_timestamp"
)

// Defaults for the spectrum monitor.
const (
	DefaultFFTSize = 512
	DefaultFFTRate = 30.0
)

var (
	// ErrMissingOption is returned when a required option is absent.
	ErrMissingOption = errors.New("missing required option")
	// ErrInvalidOption is returned when an option has an unusable value.
	ErrInvalidOption = errors.New("invalid option")
)

// FFTConfig controls the spectrum monitor.
type FFTConfig struct {
	Enable bool
	Size   int
	Rate   float64
	Avg    float64
}

// RunConfig is the typed view of the options driving a live run.
type RunConfig struct {
	Source           string
	SourceID         string
	Samplerate       float64
	Frequency        float64
	Timeout          time.Duration
	FFT              FFTConfig
	MultiVFO         string
	WatchMultiVFO    bool
	FinishProcessing bool
	HTTPServer       string
	ServerMode       bool
}

// IsServerMode reports whether p asks for a remote server, which disables
// the offline continuation of live runs.
func IsServerMode(p Params) bool {
	return p.Has(KeyServerAddress) || p.Has(KeyServerPort)
}

// ParseRunConfig validates p and extracts the live-run options.
func ParseRunConfig(p Params) (RunConfig, error) {
	if err := p.Require(KeySource, KeySamplerate, KeyFrequency); err != nil {
		return RunConfig{}, err
	}
	cfg := RunConfig{
		Source:           p.String(KeySource, ""),
		SourceID:         p.String(KeySourceID, ""),
		Samplerate:       p.Float(KeySamplerate, 0),
		Frequency:        p.Float(KeyFrequency, 0),
		Timeout:          p.Seconds(KeyTimeout, 0),
		MultiVFO:         p.String(KeyMultiVFO, ""),
		WatchMultiVFO:    p.Bool(KeyMultiVFOWatch, false),
		FinishProcessing: p.Bool(KeyFinishProcessing, false),
		HTTPServer:       p.String(KeyHTTPServer, ""),
		ServerMode:       IsServerMode(p),
		FFT: FFTConfig{
			Enable: p.Bool(KeyFFTEnable, false),
			Size:   p.Int(KeyFFTSize, DefaultFFTSize),
			Rate:   p.Float(KeyFFTRate, DefaultFFTRate),
			Avg:    p.Float(KeyFFTAvg, 0),
		},
	}

	switch {
	case cfg.Source == "":
		return RunConfig{}, fmt.Errorf("%s is empty: %w", KeySource, ErrInvalidOption)
	case cfg.Samplerate <= 0:
		return RunConfig{}, fmt.Errorf("%s=%v: %w", KeySamplerate, p[KeySamplerate], ErrInvalidOption)
	case cfg.Frequency <= 0:
		return RunConfig{}, fmt.Errorf("%s=%v: %w", KeyFrequency, p[KeyFrequency], ErrInvalidOption)
	case cfg.Timeout < 0:
		return RunConfig{}, fmt.Errorf("%s=%v: %w", KeyTimeout, p[KeyTimeout], ErrInvalidOption)
	case cfg.FFT.Size <= 0 || cfg.FFT.Rate <= 0:
		return RunConfig{}, fmt.Errorf("fft %d@%vHz: %w", cfg.FFT.Size, cfg.FFT.Rate, ErrInvalidOption)
	case cfg.FFT.Avg < 0 || cfg.FFT.Avg >= 1:
		return RunConfig{}, fmt.Errorf("%s=%v: %w", KeyFFTAvg, cfg.FFT.Avg, ErrInvalidOption)
	}
	return cfg, nil
}

// ApplyBufferSize derives the process-wide stream sizing from p. It is
// called once at startup; streams built afterwards all share the result.
func ApplyBufferSize(p Params) (stream.Config, error) {
	if !p.Has(KeyBufferSize) {
		return stream.DefaultConfig(), nil
	}
	n := p.Int(KeyBufferSize, 0)
	if n <= 0 {
		return stream.Config{}, fmt.Errorf("%s=%v: %w", KeyBufferSize, p[KeyBufferSize], ErrInvalidOption)
	}
	return stream.Config{Capacity: n}, nil
}
