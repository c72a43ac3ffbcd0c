package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rjboer/satstream/internal/config"
	"github.com/rjboer/satstream/internal/logging"
	"github.com/rjboer/satstream/internal/stream"
	"github.com/rjboer/satstream/internal/workpool"
)

// State is the lifecycle position of a LivePipeline.
type State int32

const (
	Idle State = iota
	// Starting: steps are built and wait for pool slots.
	Starting
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyStarted = errors.New("live pipeline already started")
	ErrStopped        = errors.New("live pipeline stopped")
	ErrNotStopped     = errors.New("live pipeline has not been stopped")
)

// LivePipeline runs the live steps of a pipeline on a sample stream. It is
// built for a single run and cannot be restarted.
type LivePipeline struct {
	id        string
	pipeline  Pipeline
	params    config.Params
	outputDir string
	registry  *Registry
	streams   stream.Config
	logger    logging.Logger
	outputs   OutputFiles
	done      chan struct{}

	mu           sync.Mutex
	state        State
	serverMode   bool
	input        *stream.Tap[complex64]
	modules      []Module
	cancel       context.CancelFunc
	err          error
	finished     bool
	startedAt    time.Time
	shutdownOnce sync.Once
	doneOnce     sync.Once

	statsMu sync.RWMutex
	stats   map[string]any
}

// NewLive prepares a live run of p writing products under outputDir.
func NewLive(p Pipeline, params config.Params, outputDir string, registry *Registry, streams stream.Config, logger logging.Logger) *LivePipeline {
	if logger == nil {
		logger = logging.Default()
	}
	id := uuid.NewString()
	return &LivePipeline{
		id:        id,
		pipeline:  p,
		params:    params.Clone(),
		outputDir: outputDir,
		registry:  registry,
		streams:   streams,
		logger: logger.With(
			logging.Field{Key: "pipeline", Value: p.Name},
			logging.Field{Key: "run_id", Value: id}),
		done:  make(chan struct{}),
		stats: map[string]any{},
	}
}

// ID returns the run identifier.
func (lp *LivePipeline) ID() string { return lp.id }

// Pipeline returns the definition being run.
func (lp *LivePipeline) Pipeline() Pipeline { return lp.pipeline }

// State returns the lifecycle state.
func (lp *LivePipeline) State() State {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.state
}

// Done is closed once every live step has returned.
func (lp *LivePipeline) Done() <-chan struct{} { return lp.done }

// Err returns the failure that stopped the pipeline, if any.
func (lp *LivePipeline) Err() error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.err
}

// Start instantiates every live step, chains them on input and schedules
// them on pool. Either all steps start or none do; on any failure input is
// closed so it cannot stall its producer. Start waits until the pool has a
// slot for every step at once; Stop ends that wait.
func (lp *LivePipeline) Start(input *stream.Tap[complex64], pool *workpool.Pool, serverMode bool) error {
	lp.mu.Lock()
	switch lp.state {
	case Starting, Running:
		lp.mu.Unlock()
		input.Close()
		return ErrAlreadyStarted
	case Stopped:
		lp.mu.Unlock()
		input.Close()
		return ErrStopped
	}
	if err := os.MkdirAll(lp.outputDir, 0o755); err != nil {
		lp.mu.Unlock()
		input.Close()
		return fmt.Errorf("create output directory: %w", err)
	}
	modules, err := lp.instantiate(input)
	if err != nil {
		lp.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	lp.state = Starting
	lp.serverMode = serverMode
	lp.input = input
	lp.modules = modules
	lp.cancel = cancel
	lp.mu.Unlock()

	group := pool.Group(ctx)
	steps := make([]func(context.Context) error, len(modules))
	for i, m := range modules {
		steps[i] = m.Process
	}
	if err := group.GoAll(steps...); err != nil {
		lp.shutdown()
		lp.mu.Lock()
		lp.state = Stopped
		lp.mu.Unlock()
		lp.finish()
		if errors.Is(err, context.Canceled) {
			return ErrStopped
		}
		return fmt.Errorf("schedule %d live steps: %w", len(modules), err)
	}

	lp.mu.Lock()
	if lp.state == Starting {
		lp.state = Running
		lp.startedAt = time.Now()
	}
	lp.mu.Unlock()
	go lp.supervise(group)

	lp.logger.Info("live pipeline started",
		logging.Field{Key: "steps", Value: len(modules)},
		logging.Field{Key: "output_dir", Value: lp.outputDir},
		logging.Field{Key: "server_mode", Value: serverMode})
	return nil
}

func (lp *LivePipeline) instantiate(input *stream.Tap[complex64]) ([]Module, error) {
	live := lp.pipeline.Live.NormalLive
	if len(live) == 0 {
		input.Close()
		return nil, fmt.Errorf("%s: %w", lp.pipeline.Name, ErrNoLiveSteps)
	}

	factories := make([]Factory, len(live))
	for i, ls := range live {
		f, err := lp.registry.Lookup(ls.Module)
		if err != nil {
			input.Close()
			return nil, err
		}
		factories[i] = f
	}

	var modules []Module
	tap := input
	fail := func(err error) ([]Module, error) {
		input.Close()
		tap.Close()
		for _, m := range modules {
			m.Stop()
		}
		return nil, err
	}

	hint := OutputHint(lp.outputDir, lp.pipeline.Name)
	for i, ls := range live {
		m, err := factories[i](Env{
			Input:      Input{Stream: tap},
			OutputHint: hint,
			Params:     lp.pipeline.stepParams(ls.Step, lp.params),
			Streams:    lp.streams,
			Outputs:    &lp.outputs,
			Logger:     lp.logger.With(logging.Field{Key: "module", Value: ls.Module}),
		})
		if err != nil {
			return fail(fmt.Errorf("instantiate step %d (%s): %w", ls.Step, ls.Module, err))
		}
		modules = append(modules, m)

		if !accepts(m.InputTypes(), DataStream) {
			return fail(fmt.Errorf("step %d (%s) cannot read a stream: %w", ls.Step, ls.Module, ErrIncompatibleTypes))
		}
		if i == len(live)-1 {
			break
		}
		producer, ok := m.(StreamProducer)
		if !ok || !accepts(m.OutputTypes(), DataStream) {
			return fail(fmt.Errorf("step %d (%s) does not produce a stream: %w", ls.Step, ls.Module, ErrIncompatibleTypes))
		}
		tap = producer.StreamOutput().Tap(live[i+1].Module)
	}
	return modules, nil
}

func (lp *LivePipeline) supervise(group *workpool.Group) {
	// Steps blocked on a stream do not watch the context, so a failed step
	// has to tear the chain down before the group can be joined.
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		<-group.Context().Done()
		lp.shutdown()
	}()
	err := group.Wait()
	<-watched

	lp.mu.Lock()
	failed := err != nil && lp.state != Stopped && !errors.Is(err, context.Canceled)
	if failed {
		lp.err = err
		lp.state = Stopped
	}
	lp.mu.Unlock()

	if failed {
		lp.logger.Error("live step failed, stopping pipeline", logging.Field{Key: "error", Value: err})
		lp.shutdown()
	}
	lp.UpdateModuleStats()
	lp.finish()
}

func (lp *LivePipeline) finish() { lp.doneOnce.Do(func() { close(lp.done) }) }

// shutdown closes the source feed first, then stops each step in pipeline
// order.
func (lp *LivePipeline) shutdown() {
	lp.shutdownOnce.Do(func() {
		lp.mu.Lock()
		input, modules, cancel := lp.input, lp.modules, lp.cancel
		lp.mu.Unlock()

		if input != nil {
			input.Close()
		}
		for _, m := range modules {
			m.Stop()
		}
		if cancel != nil {
			cancel()
		}
	})
}

// Stop shuts the pipeline down and waits for every step to return. It is
// idempotent; every call returns the runtime failure, if there was one.
func (lp *LivePipeline) Stop() error {
	lp.mu.Lock()
	prev := lp.state
	lp.state = Stopped
	lp.mu.Unlock()

	if prev == Idle {
		lp.finish()
		return nil
	}
	if prev == Starting || prev == Running {
		lp.logger.Info("stopping live pipeline")
	}
	lp.shutdown()
	<-lp.done
	return lp.Err()
}

// UpdateModuleStats refreshes the stats snapshot from every module.
func (lp *LivePipeline) UpdateModuleStats() {
	lp.mu.Lock()
	modules := lp.modules
	state := lp.state
	startedAt := lp.startedAt
	lp.mu.Unlock()

	snap := make(map[string]any, len(modules)+1)
	for i, m := range modules {
		key := m.ID()
		if _, dup := snap[key]; dup {
			key = fmt.Sprintf("%s_%d", key, lp.pipeline.Live.NormalLive[i].Step)
		}
		snap[key] = m.Stats()
	}
	meta := map[string]any{
		"name":         lp.pipeline.Name,
		"run_id":       lp.id,
		"state":        state.String(),
		"output_files": lp.outputs.List(),
	}
	if !startedAt.IsZero() {
		meta["uptime_s"] = time.Since(startedAt).Seconds()
	}
	snap["live_pipeline"] = meta

	lp.statsMu.Lock()
	lp.stats = snap
	lp.statsMu.Unlock()
}

// Stats returns the latest snapshot taken by UpdateModuleStats.
func (lp *LivePipeline) Stats() map[string]any {
	lp.statsMu.RLock()
	defer lp.statsMu.RUnlock()
	out := make(map[string]any, len(lp.stats))
	for k, v := range lp.stats {
		out[k] = v
	}
	return out
}

// OutputFiles lists the files produced so far, in production order.
func (lp *LivePipeline) OutputFiles() []string { return lp.outputs.List() }

// FinishProcessing runs the offline part of the pipeline on what the live
// steps produced. It requires a stopped pipeline and does nothing in server
// mode, for fully live pipelines, or when called a second time.
func (lp *LivePipeline) FinishProcessing(ctx context.Context) ([]string, error) {
	lp.mu.Lock()
	if lp.state != Stopped {
		lp.mu.Unlock()
		return nil, ErrNotStopped
	}
	if lp.finished {
		lp.mu.Unlock()
		lp.logger.Warn("finish processing already ran")
		return nil, nil
	}
	lp.finished = true
	serverMode := lp.serverMode
	lp.mu.Unlock()

	if serverMode {
		lp.logger.Info("finish processing skipped in server mode")
		return nil, nil
	}
	if lp.pipeline.FullyLive() {
		return nil, nil
	}

	input, err := ResolveContinuationInput(lp.outputs.List(), lp.outputDir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", lp.pipeline.Name, err)
	}
	level := lp.pipeline.BoundaryLevel()
	lp.logger.Info("continuing offline",
		logging.Field{Key: "input", Value: input},
		logging.Field{Key: "level", Value: level})
	return lp.pipeline.Run(ctx, RunRequest{
		Input:      input,
		OutputDir:  lp.outputDir,
		Params:     lp.params,
		InputLevel: level,
		Registry:   lp.registry,
		Logger:     lp.logger,
	})
}
