package modules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/rjboer/satstream/internal/logging"
	"github.com/rjboer/satstream/internal/pipeline"
)

// Digest hashes its input file and writes a small product describing it.
// The product depends only on the input bytes, so live and offline runs
// over the same capture produce identical files.
type Digest struct {
	input   string
	path    string
	outputs *pipeline.OutputFiles
	logger  logging.Logger

	processed atomic.Uint64
	cancelled atomic.Bool
}

// NewDigest builds a digest step reading env.Input.File.
func NewDigest(env pipeline.Env) (pipeline.Module, error) {
	return &Digest{
		input:   env.Input.File,
		path:    env.OutputHint + ".sha256",
		outputs: env.Outputs,
		logger:  orDefault(env.Logger),
	}, nil
}

func (d *Digest) ID() string { return DigestID }

func (d *Digest) InputTypes() []pipeline.DataType { return []pipeline.DataType{pipeline.DataFile} }

func (d *Digest) OutputTypes() []pipeline.DataType { return []pipeline.DataType{pipeline.DataFile} }

func (d *Digest) Process(ctx context.Context) error {
	if d.input == "" {
		return ErrNeedsFile
	}
	in, err := os.Open(d.input)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	h := sha256.New()
	buf := make([]byte, 1<<16)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.cancelled.Load() {
			return context.Canceled
		}
		n, err := in.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			d.processed.Add(uint64(n))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	}

	product := fmt.Sprintf("sha256 %s\nbytes %d\n", hex.EncodeToString(h.Sum(nil)), d.processed.Load())
	if err := os.WriteFile(d.path, []byte(product), 0o644); err != nil {
		return fmt.Errorf("write digest: %w", err)
	}
	if d.outputs != nil {
		d.outputs.Add(d.path)
	}
	d.logger.Info("digest written", logging.Field{Key: "file", Value: d.path})
	return nil
}

func (d *Digest) Stop() { d.cancelled.Store(true) }

func (d *Digest) Stats() map[string]any {
	return map[string]any{"bytes": d.processed.Load(), "file": d.path}
}
