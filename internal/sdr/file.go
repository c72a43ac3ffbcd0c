package sdr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rjboer/satstream/internal/config"
	"github.com/rjboer/satstream/internal/dsp"
	"github.com/rjboer/satstream/internal/logging"
	"github.com/rjboer/satstream/internal/stream"
)

// SettingFile is the path of the capture a FileSource replays.
const SettingFile = "file"

// FileSource replays a cf32 capture. The output closes at end of file.
type FileSource struct {
	*pump
	logger logging.Logger

	mu         sync.Mutex
	path       string
	samplerate float64
	throttle   bool
	f          *os.File
}

func fileBackend() Backend {
	return Backend{
		Type: "file",
		Enumerate: func() []Descriptor {
			return []Descriptor{{Type: "file", ID: "file", Name: "cf32 baseband file"}}
		},
		New: func(_ Descriptor, streams stream.Config, logger logging.Logger) Source {
			return NewFileSource(streams, logger)
		},
	}
}

// NewFileSource returns a source replaying the file set with SetSettings.
func NewFileSource(streams stream.Config, logger logging.Logger) *FileSource {
	if logger == nil {
		logger = logging.Default()
	}
	return &FileSource{pump: newPump(streams), logger: logger}
}

func (s *FileSource) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return fmt.Errorf("%s: %w", SettingFile, config.ErrMissingOption)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	s.f = f
	s.markOpen()
	s.logger.Info("file source opened", logging.Field{Key: "file", Value: s.path})
	return nil
}

func (s *FileSource) Start() error { return s.begin(s.run) }

func (s *FileSource) Stop() error {
	s.halt()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func (s *FileSource) Output() *stream.Stream[complex64] { return s.out }

// SetFrequency is accepted and ignored; a capture is already tuned.
func (s *FileSource) SetFrequency(float64) error { return nil }

// SetSamplerate sets the replay rate used when throttling.
func (s *FileSource) SetSamplerate(hz float64) error {
	if hz <= 0 {
		return fmt.Errorf("samplerate %v: %w", hz, config.ErrInvalidOption)
	}
	s.mu.Lock()
	s.samplerate = hz
	s.mu.Unlock()
	return nil
}

func (s *FileSource) SetSettings(p config.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = p.String(SettingFile, s.path)
	s.throttle = p.Bool(SettingThrottle, s.throttle)
	return nil
}

func (s *FileSource) run(stop <-chan struct{}) {
	s.mu.Lock()
	f, samplerate, throttle := s.f, s.samplerate, s.throttle
	s.mu.Unlock()
	if f == nil {
		return
	}

	r := bufio.NewReaderSize(f, defaultChunk*dsp.CF32SampleSize)
	raw := make([]byte, defaultChunk*dsp.CF32SampleSize)
	samples := make([]complex64, defaultChunk)
	start := time.Now()
	var produced uint64
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := io.ReadFull(r, raw)
		if k := dsp.DecodeCF32(samples, raw[:n]); k > 0 {
			if werr := s.out.Write(samples[:k]); werr != nil {
				return
			}
			produced += uint64(k)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.logger.Error("capture read failed", logging.Field{Key: "error", Value: err})
			}
			s.logger.Info("file source exhausted", logging.Field{Key: "samples", Value: produced})
			return
		}
		if throttle && !pace(stop, start, produced, samplerate) {
			return
		}
	}
}
