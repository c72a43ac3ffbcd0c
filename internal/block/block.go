// Package block contains the streaming stages that sit between a source
// and the per-channel pipelines: fan-out splitters, the VFO channelizer and
// the spectrum monitor.
package block

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rjboer/satstream/internal/logging"
)

// DefaultChunk is the number of samples moved per loop iteration.
const DefaultChunk = 8192

// Block is a processing stage driven by a single worker goroutine.
type Block interface {
	ID() string
	// Start launches the worker. A block can be started once.
	Start() error
	// Stop closes the block's taps and streams and joins the worker. It is
	// idempotent and safe from any goroutine.
	Stop()
	Running() bool
}

// State is the lifecycle position of a block.
type State int32

const (
	Created State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyStarted  = errors.New("block already started")
	ErrStopped         = errors.New("block stopped")
	ErrUnknownOutput   = errors.New("unknown output")
	ErrDuplicateOutput = errors.New("output already exists")
	ErrInvalidSettings = errors.New("invalid settings")
)

// worker owns the goroutine lifecycle shared by every block.
type worker struct {
	id     string
	root   logging.Logger
	logger logging.Logger

	state    atomic.Int32
	stopping atomic.Bool

	lifecycle sync.Mutex
	done      chan struct{}
	err       error
}

func (w *worker) init(id string, logger logging.Logger) {
	if logger == nil {
		logger = logging.Default()
	}
	w.id = id
	w.root = logger
	w.logger = logger.With(logging.Field{Key: "block", Value: id})
}

// ID returns the block identifier.
func (w *worker) ID() string { return w.id }

// Running reports whether the worker goroutine is active.
func (w *worker) Running() bool { return State(w.state.Load()) == Running }

// State returns the lifecycle state.
func (w *worker) State() State { return State(w.state.Load()) }

// Err returns the error that ended the worker, if any.
func (w *worker) Err() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	return w.err
}

// start runs loop on a new goroutine. release is called when the loop
// returns so downstream consumers observe end of stream.
func (w *worker) start(loop func() error, release func()) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.stopping.Load() {
		return ErrStopped
	}
	if !w.state.CompareAndSwap(int32(Created), int32(Running)) {
		return ErrAlreadyStarted
	}
	done := make(chan struct{})
	w.done = done
	go func() {
		defer close(done)
		err := loop()
		release()
		if err != nil && !w.stopping.Load() {
			w.lifecycle.Lock()
			w.err = err
			w.lifecycle.Unlock()
			w.logger.Error("block failed", logging.Field{Key: "error", Value: err})
		}
		w.state.Store(int32(Stopped))
	}()
	w.logger.Debug("block started")
	return nil
}

// stop sets the stop flag, calls release once to unblock the worker and
// waits for it. Concurrent callers all wait for the join.
func (w *worker) stop(release func()) {
	w.lifecycle.Lock()
	first := w.stopping.CompareAndSwap(false, true)
	done := w.done
	w.lifecycle.Unlock()

	if first {
		release()
	}
	if done != nil {
		<-done
	}
	w.state.Store(int32(Stopped))
	if first {
		w.logger.Debug("block stopped")
	}
}
