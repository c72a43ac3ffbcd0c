// Package sdr provides the sample sources feeding a live run and the
// registry used to select one by type and device ID.
package sdr

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rjboer/satstream/internal/config"
	"github.com/rjboer/satstream/internal/logging"
	"github.com/rjboer/satstream/internal/stream"
)

var (
	ErrUnknownSource  = errors.New("unknown source type")
	ErrNoDevice       = errors.New("no matching source device")
	ErrNotOpen        = errors.New("source not open")
	ErrAlreadyStarted = errors.New("source already started")
	ErrDuplicateType  = errors.New("source type already registered")
)

// Source produces complex baseband samples into its output stream. The
// output is closed when the source stops or runs out of samples.
type Source interface {
	Open(ctx context.Context) error
	Start() error
	// Stop halts acquisition and closes the output. It is idempotent.
	Stop() error
	SetFrequency(hz float64) error
	SetSamplerate(hz float64) error
	SetSettings(p config.Params) error
	Output() *stream.Stream[complex64]
}

// Descriptor identifies one device a backend can open.
type Descriptor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Backend is a source implementation known to a Registry.
type Backend struct {
	Type string
	// Enumerate lists the devices currently available.
	Enumerate func() []Descriptor
	New       func(d Descriptor, streams stream.Config, logger logging.Logger) Source
}

// Registry maps source types to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// DefaultRegistry returns a registry holding the built-in sources.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(mockBackend())
	_ = r.Register(fileBackend())
	_ = r.Register(plutoBackend())
	return r
}

// Register adds a backend.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[b.Type]; ok {
		return fmt.Errorf("%s: %w", b.Type, ErrDuplicateType)
	}
	r.backends[b.Type] = b
	return nil
}

// List enumerates every device of every backend, ordered by type.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	types := make([]string, 0, len(r.backends))
	for t := range r.backends {
		types = append(types, t)
	}
	r.mu.RUnlock()
	slices.Sort(types)

	var out []Descriptor
	for _, t := range types {
		r.mu.RLock()
		b := r.backends[t]
		r.mu.RUnlock()
		out = append(out, b.Enumerate()...)
	}
	return out
}

// Find selects a device of type typ. An empty id picks the first device.
func (r *Registry) Find(typ, id string) (Descriptor, error) {
	r.mu.RLock()
	b, ok := r.backends[typ]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, fmt.Errorf("%q: %w", typ, ErrUnknownSource)
	}
	devices := b.Enumerate()
	for _, d := range devices {
		if id == "" || d.ID == id {
			return d, nil
		}
	}
	if id == "" {
		return Descriptor{}, fmt.Errorf("%s: %w", typ, ErrNoDevice)
	}
	return Descriptor{}, fmt.Errorf("%s/%s: %w", typ, id, ErrNoDevice)
}

// New finds a device and builds a source for it.
func (r *Registry) New(typ, id string, streams stream.Config, logger logging.Logger) (Source, error) {
	d, err := r.Find(typ, id)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	r.mu.RLock()
	b := r.backends[typ]
	r.mu.RUnlock()
	return b.New(d, streams, logger.With(
		logging.Field{Key: "subsystem", Value: "source"},
		logging.Field{Key: "source", Value: d.Type + "/" + d.ID})), nil
}
