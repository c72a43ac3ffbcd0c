package modules

import (
	"context"
	"sync/atomic"

	"github.com/rjboer/satstream/internal/pipeline"
	"github.com/rjboer/satstream/internal/stream"
)

// Passthrough forwards a live stream, optionally scaled by the "gain"
// parameter. It lets a live prefix chain several stream steps.
type Passthrough struct {
	in   *stream.Tap[complex64]
	out  *stream.Stream[complex64]
	gain float32

	samples atomic.Uint64
}

func NewPassthrough(env pipeline.Env) (pipeline.Module, error) {
	if env.Input.Stream == nil {
		return nil, ErrNeedsStream
	}
	streams := env.Streams
	if streams.Validate() != nil {
		streams = stream.DefaultConfig()
	}
	return &Passthrough{
		in:   env.Input.Stream,
		out:  stream.New[complex64](streams),
		gain: float32(env.Params.Float("gain", 1)),
	}, nil
}

func (p *Passthrough) ID() string { return PassthroughID }

func (p *Passthrough) InputTypes() []pipeline.DataType {
	return []pipeline.DataType{pipeline.DataStream}
}

func (p *Passthrough) OutputTypes() []pipeline.DataType {
	return []pipeline.DataType{pipeline.DataStream}
}

func (p *Passthrough) StreamOutput() *stream.Stream[complex64] { return p.out }

func (p *Passthrough) Process(ctx context.Context) error {
	defer p.out.Close()
	buf := make([]complex64, 8192)
	for {
		n, err := p.in.ReadSome(buf)
		if err != nil {
			return nil
		}
		if p.gain != 1 {
			for i := range buf[:n] {
				buf[i] *= complex(p.gain, 0)
			}
		}
		if err := p.out.Write(buf[:n]); err != nil {
			return nil
		}
		p.samples.Add(uint64(n))
	}
}

func (p *Passthrough) Stop() {
	p.in.Close()
	p.out.Close()
}

func (p *Passthrough) Stats() map[string]any {
	return map[string]any{"samples": p.samples.Load(), "gain": p.gain}
}
