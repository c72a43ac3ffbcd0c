// Package modules provides the built-in pipeline modules: a baseband
// recorder for live capture, a digest product step for offline runs and a
// gain stage that can sit between live steps.
package modules

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rjboer/satstream/internal/config"
	"github.com/rjboer/satstream/internal/dsp"
	"github.com/rjboer/satstream/internal/logging"
	"github.com/rjboer/satstream/internal/pipeline"
	"github.com/rjboer/satstream/internal/stream"
)

// Module identifiers.
const (
	RecorderID    = "baseband_recorder"
	DigestID      = "file_digest"
	PassthroughID = "passthrough"
)

var (
	// ErrNeedsStream is returned when a stream module is built without a tap.
	ErrNeedsStream = errors.New("module needs a stream input")
	ErrNeedsFile   = errors.New("module needs a file input")
)

// Register adds the built-in modules to reg.
func Register(reg *pipeline.Registry) error {
	return errors.Join(
		reg.Register(RecorderID, NewRecorder),
		reg.Register(DigestID, NewDigest),
		reg.Register(PassthroughID, NewPassthrough),
	)
}

const recordChunk = 1 << 14

// Recorder writes a live stream to a cf32 baseband file.
type Recorder struct {
	in      *stream.Tap[complex64]
	path    string
	outputs *pipeline.OutputFiles
	logger  logging.Logger

	samples atomic.Uint64
}

// NewRecorder builds a baseband recorder. Only float32 IQ is supported.
func NewRecorder(env pipeline.Env) (pipeline.Module, error) {
	if env.Input.Stream == nil {
		return nil, ErrNeedsStream
	}
	format := env.Params.String(config.KeyBasebandFormat, "cf32")
	if format != "f32" && format != "cf32" {
		return nil, fmt.Errorf("baseband format %q: %w", format, config.ErrInvalidOption)
	}
	return &Recorder{
		in:      env.Input.Stream,
		path:    env.OutputHint + ".cf32",
		outputs: env.Outputs,
		logger:  orDefault(env.Logger),
	}, nil
}

func (r *Recorder) ID() string { return RecorderID }

func (r *Recorder) InputTypes() []pipeline.DataType { return []pipeline.DataType{pipeline.DataStream} }

func (r *Recorder) OutputTypes() []pipeline.DataType { return []pipeline.DataType{pipeline.DataFile} }

// Process records until the input ends.
func (r *Recorder) Process(ctx context.Context) error {
	f, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("create baseband file: %w", err)
	}
	if r.outputs != nil {
		r.outputs.Add(r.path)
	}
	r.logger.Info("recording baseband", logging.Field{Key: "file", Value: r.path})

	w := bufio.NewWriterSize(f, recordChunk*dsp.CF32SampleSize)
	buf := make([]complex64, recordChunk)
	enc := make([]byte, 0, recordChunk*dsp.CF32SampleSize)
	for {
		n, readErr := r.in.ReadSome(buf)
		if n > 0 {
			enc = dsp.EncodeCF32(enc[:0], buf[:n])
			if _, err := w.Write(enc); err != nil {
				f.Close()
				return fmt.Errorf("write baseband: %w", err)
			}
			r.samples.Add(uint64(n))
		}
		if readErr != nil {
			break
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush baseband: %w", err)
	}
	return f.Close()
}

func (r *Recorder) Stop() { r.in.Close() }

func (r *Recorder) Stats() map[string]any {
	n := r.samples.Load()
	return map[string]any{
		"file":    r.path,
		"samples": n,
		"bytes":   n * dsp.CF32SampleSize,
	}
}

func orDefault(l logging.Logger) logging.Logger {
	if l == nil {
		return logging.Default()
	}
	return l
}
