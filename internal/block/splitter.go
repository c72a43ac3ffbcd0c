package block

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rjboer/satstream/internal/logging"
	"github.com/rjboer/satstream/internal/stream"
)

// MainOutput is the reserved name of the splitter's primary output.
const MainOutput = "main"

// output is one named fan-out target.
type output struct {
	name    string
	s       *stream.Stream[complex64]
	enabled atomic.Bool
	dropped atomic.Uint64
}

// OutputStats describes one splitter output.
type OutputStats struct {
	Enabled bool         `json:"enabled"`
	Dropped uint64       `json:"dropped"`
	Stream  stream.Stats `json:"stream"`
}

// SplitterStats is a snapshot of a splitter.
type SplitterStats struct {
	Processed uint64                 `json:"processed"`
	Outputs   map[string]OutputStats `json:"outputs"`
}

// Splitter copies its input to a main output and to any number of named
// outputs. Disabled outputs receive nothing and never slow the input down.
type Splitter struct {
	worker

	in        *stream.Tap[complex64]
	cfg       stream.Config
	main      *output
	chunk     int
	processed atomic.Uint64

	mu      sync.RWMutex
	outputs map[string]*output
}

// NewSplitter builds a splitter reading from in. Output streams are sized
// from cfg.
func NewSplitter(id string, in *stream.Tap[complex64], cfg stream.Config, logger logging.Logger) *Splitter {
	s := &Splitter{
		in:      in,
		cfg:     cfg,
		main:    &output{name: MainOutput, s: stream.New[complex64](cfg)},
		chunk:   DefaultChunk,
		outputs: make(map[string]*output),
	}
	s.main.enabled.Store(true)
	s.init(id, logger)
	return s
}

// Main returns the primary output stream.
func (s *Splitter) Main() *stream.Stream[complex64] { return s.main.s }

// SetMainEnabled toggles the primary output.
func (s *Splitter) SetMainEnabled(enabled bool) { s.main.enabled.Store(enabled) }

// AddOutput creates a named output. New outputs start disabled.
func (s *Splitter) AddOutput(name string) (*stream.Stream[complex64], error) {
	if name == MainOutput {
		return nil, fmt.Errorf("%s: %w", name, ErrDuplicateOutput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping.Load() {
		return nil, ErrStopped
	}
	if _, ok := s.outputs[name]; ok {
		return nil, fmt.Errorf("%s: %w", name, ErrDuplicateOutput)
	}
	o := &output{name: name, s: stream.New[complex64](s.cfg)}
	s.outputs[name] = o
	return o.s, nil
}

// SetEnabled toggles a named output.
func (s *Splitter) SetEnabled(name string, enabled bool) error {
	o, err := s.lookup(name)
	if err != nil {
		return err
	}
	o.enabled.Store(enabled)
	return nil
}

// Output returns the stream of a named output.
func (s *Splitter) Output(name string) (*stream.Stream[complex64], error) {
	o, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return o.s, nil
}

// DelOutput removes a named output and closes its stream.
func (s *Splitter) DelOutput(name string) error {
	s.mu.Lock()
	o, ok := s.outputs[name]
	delete(s.outputs, name)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownOutput)
	}
	o.enabled.Store(false)
	o.s.Close()
	return nil
}

// Outputs lists the named outputs in sorted order.
func (s *Splitter) Outputs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.outputs))
	for n := range s.outputs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (s *Splitter) lookup(name string) (*output, error) {
	if name == MainOutput {
		return s.main, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outputs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownOutput)
	}
	return o, nil
}

func (s *Splitter) snapshot() []*output {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outs := make([]*output, 0, len(s.outputs)+1)
	outs = append(outs, s.main)
	for _, o := range s.outputs {
		outs = append(outs, o)
	}
	return outs
}

// Start launches the fan-out loop.
func (s *Splitter) Start() error { return s.start(s.run, s.release) }

// Stop closes the input and every output, then joins the worker.
func (s *Splitter) Stop() { s.stop(s.release) }

func (s *Splitter) release() {
	s.in.Close()
	for _, o := range s.snapshot() {
		o.s.Close()
	}
}

func (s *Splitter) run() error {
	buf := make([]complex64, s.chunk)
	for {
		n, err := s.in.ReadSome(buf)
		if err != nil {
			return nil
		}
		s.processed.Add(uint64(n))
		fanOut(s.snapshot(), buf[:n])
	}
}

// fanOut writes chunk to every enabled output. A closed output only means it
// was removed concurrently, so write errors are not fatal.
func fanOut(outs []*output, chunk []complex64) {
	for _, o := range outs {
		if !o.enabled.Load() {
			o.dropped.Add(uint64(len(chunk)))
			continue
		}
		_ = o.s.Write(chunk)
	}
}

// Stats returns a snapshot of the splitter counters.
func (s *Splitter) Stats() SplitterStats {
	st := SplitterStats{
		Processed: s.processed.Load(),
		Outputs:   make(map[string]OutputStats),
	}
	for _, o := range s.snapshot() {
		st.Outputs[o.name] = OutputStats{
			Enabled: o.enabled.Load(),
			Dropped: o.dropped.Load(),
			Stream:  o.s.Stats(),
		}
	}
	return st
}
