package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rjboer/satstream/internal/config"
	"github.com/rjboer/satstream/internal/logging"
	"github.com/rjboer/satstream/internal/stream"
)

// DataType is the kind of data a module consumes or produces.
type DataType int

const (
	// DataFile is a product or capture file on disk.
	DataFile DataType = iota
	// DataStream is a live complex baseband stream.
	DataStream
)

func (d DataType) String() string {
	switch d {
	case DataFile:
		return "file"
	case DataStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Input is what a module reads: a file path or a stream tap.
type Input struct {
	File   string
	Stream *stream.Tap[complex64]
}

// Env carries everything a factory needs to build a module.
type Env struct {
	Input Input
	// OutputHint is the path prefix for files the module produces.
	OutputHint string
	Params     config.Params
	Streams    stream.Config
	Outputs    *OutputFiles
	Logger     logging.Logger
}

// Module is one processing stage. Modules own their input tap and close it
// in Stop. Process returns nil when its input ends.
type Module interface {
	ID() string
	InputTypes() []DataType
	OutputTypes() []DataType
	Process(ctx context.Context) error
	// Stop unblocks Process. It may be called before Process and more than
	// once.
	Stop()
	Stats() map[string]any
}

// StreamProducer is implemented by modules whose output feeds the next
// live step.
type StreamProducer interface {
	StreamOutput() *stream.Stream[complex64]
}

// Factory builds a module from its environment.
type Factory func(env Env) (Module, error)

func accepts(types []DataType, t DataType) bool { return slices.Contains(types, t) }

// OutputFiles records the files produced during a run, in production order.
type OutputFiles struct {
	mu    sync.Mutex
	files []string
}

// Add records a produced file.
func (o *OutputFiles) Add(path string) {
	o.mu.Lock()
	o.files = append(o.files, path)
	o.mu.Unlock()
}

// List returns a copy of the recorded files.
func (o *OutputFiles) List() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.files)
}

// Registry maps module identifiers to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering an identifier twice is an error.
func (r *Registry) Register(id string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[id]; ok {
		return fmt.Errorf("%s: %w", id, ErrDuplicateModule)
	}
	r.factories[id] = f
	return nil
}

// MustRegister is Register for package initialisation.
func (r *Registry) MustRegister(id string, f Factory) {
	if err := r.Register(id, f); err != nil {
		panic(err)
	}
}

// Lookup returns the factory for id.
func (r *Registry) Lookup(id string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownModule)
	}
	return f, nil
}

// IDs lists the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
