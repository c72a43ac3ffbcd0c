// Package app runs live captures: it wires a sample source through the
// splitter or VFO layer into live pipelines, supervises the run and shuts
// everything down in order.
package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/rjboer/satstream/internal/block"
	"github.com/rjboer/satstream/internal/config"
	"github.com/rjboer/satstream/internal/logging"
	"github.com/rjboer/satstream/internal/pipeline"
	"github.com/rjboer/satstream/internal/sdr"
	"github.com/rjboer/satstream/internal/stream"
	"github.com/rjboer/satstream/internal/telemetry"
	"github.com/rjboer/satstream/internal/workpool"
)

// Defaults for the control loop.
const (
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultStatsInterval = 5 * time.Second
)

var (
	ErrDuplicateChannel = errors.New("channel already exists")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrNotMultiVFO      = errors.New("channels need multi-VFO mode")
	ErrShuttingDown     = errors.New("live run is shutting down")
	ErrPipelineFailed   = errors.New("live pipeline failed")
)

// Config describes a live run.
type Config struct {
	// Pipeline is the catalog entry run in single mode. Multi-VFO runs take
	// their pipelines from the VFO document instead.
	Pipeline  string
	OutputDir string
	Params    config.Params

	Catalog  *pipeline.Catalog
	Modules  *pipeline.Registry
	Sources  *sdr.Registry
	Reporter telemetry.Reporter

	PollInterval  time.Duration
	StatsInterval time.Duration
	// PoolSlots overrides the worker pool size of the mode.
	PoolSlots int
}

// channel is one live pipeline and the stream feeding it.
type channel struct {
	name  string
	ready bool
	vfo   *config.VFODefinition
	lp    *pipeline.LivePipeline
}

// Live is a single live run. It is not reusable.
type Live struct {
	cfg     Config
	run     config.RunConfig
	streams stream.Config
	logger  logging.Logger

	mu          sync.Mutex
	closing     bool
	source      sdr.Source
	splitter    *block.Splitter
	fft         *block.FFTPan
	vfoSplitter *block.VFOSplitter
	pool        *workpool.Pool
	channels    []*channel
	watcher     *config.VFOWatcher
	httpStop    context.CancelFunc
	httpDone    <-chan struct{}
	deadline    time.Time
}

// New validates cfg and prepares a run.
func New(cfg Config, logger logging.Logger) (*Live, error) {
	if logger == nil {
		logger = logging.Default()
	}
	run, err := config.ParseRunConfig(cfg.Params)
	if err != nil {
		return nil, err
	}
	streams, err := config.ApplyBufferSize(cfg.Params)
	if err != nil {
		return nil, err
	}
	if cfg.Catalog == nil || cfg.Modules == nil {
		return nil, errors.New("live run needs a pipeline catalog and a module registry")
	}
	if cfg.Sources == nil {
		cfg.Sources = sdr.DefaultRegistry()
	}
	if run.MultiVFO == "" {
		if _, err := cfg.Catalog.Get(cfg.Pipeline); err != nil {
			return nil, err
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	return &Live{
		cfg:     cfg,
		run:     run,
		streams: streams,
		logger:  logger.With(logging.Field{Key: "subsystem", Value: "live"}),
	}, nil
}

// Run starts the capture and blocks until ctx is cancelled, the timeout
// passes or the pipelines finish. Everything is stopped before it returns;
// a failed pipeline or stop step is reported in the returned error.
func (l *Live) Run(ctx context.Context) (err error) {
	if err := l.setup(ctx); err != nil {
		return multierr.Append(err, l.shutdown())
	}

	reason, runErr := l.wait(ctx)
	l.logger.Info("live run ending", logging.Field{Key: "reason", Value: reason})
	err = multierr.Append(runErr, l.shutdown())

	if l.run.FinishProcessing && !l.run.ServerMode {
		err = multierr.Append(err, l.finish(context.WithoutCancel(ctx)))
	}
	return err
}

func (l *Live) setup(ctx context.Context) error {
	if l.run.Timeout > 0 {
		l.deadline = time.Now().Add(l.run.Timeout)
	}

	src, err := l.cfg.Sources.New(l.run.Source, l.run.SourceID, l.streams, l.logger)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.source = src
	l.mu.Unlock()
	if err := src.SetSettings(l.cfg.Params); err != nil {
		return fmt.Errorf("source settings: %w", err)
	}
	if err := src.SetFrequency(l.run.Frequency); err != nil {
		return err
	}
	if err := src.SetSamplerate(l.run.Samplerate); err != nil {
		return err
	}
	if err := sdr.OpenWithRetry(ctx, src, 0, l.logger); err != nil {
		return fmt.Errorf("open source: %w", err)
	}

	if l.run.MultiVFO != "" {
		err = l.setupMultiVFO(ctx, src)
	} else {
		err = l.setupSingle(src)
	}
	if err != nil {
		return err
	}
	if err := src.Start(); err != nil {
		return fmt.Errorf("start source: %w", err)
	}
	return l.startHTTP()
}

func (l *Live) setupSingle(src sdr.Source) error {
	p, err := l.cfg.Catalog.Get(l.cfg.Pipeline)
	if err != nil {
		return err
	}

	splitter := block.NewSplitter("splitter", src.Output().Tap("splitter"), l.streams, l.logger)
	var fft *block.FFTPan
	if l.run.FFT.Enable {
		out, err := splitter.AddOutput("fft")
		if err != nil {
			return err
		}
		if err := splitter.SetEnabled("fft", true); err != nil {
			return err
		}
		fft = block.NewFFTPan("fft", out.Tap("fft"), l.logger)
		if err := fft.SetFFTSettings(l.run.FFT.Size, l.run.Samplerate, l.run.FFT.Rate); err != nil {
			return err
		}
		fft.SetAvgRate(l.run.FFT.Avg)
	}

	params := l.cfg.Params.Clone()
	l.pipelineParams(params, l.run.Samplerate)
	lp := pipeline.NewLive(p, params, l.cfg.OutputDir, l.cfg.Modules, l.streams, l.logger)
	pool := workpool.New(cmp.Or(l.cfg.PoolSlots, workpool.SingleSlots))

	l.mu.Lock()
	l.splitter, l.fft, l.pool = splitter, fft, pool
	l.channels = []*channel{{name: p.Name, ready: true, lp: lp}}
	l.mu.Unlock()

	if err := splitter.Start(); err != nil {
		return err
	}
	if fft != nil {
		if err := fft.Start(); err != nil {
			return err
		}
	}
	return lp.Start(splitter.Main().Tap(p.Name), pool, config.IsServerMode(params))
}

func (l *Live) setupMultiVFO(ctx context.Context, src sdr.Source) error {
	l.logger.Info("starting in multi-VFO mode", logging.Field{Key: "file", Value: l.run.MultiVFO})
	defs, err := config.LoadVFOFile(l.run.MultiVFO)
	if err != nil {
		return err
	}

	vs := block.NewVFOSplitter("vfo_splitter", src.Output().Tap("vfo_splitter"), l.run.Samplerate, l.streams, l.logger)
	vs.SetMainEnabled(false)
	l.mu.Lock()
	l.vfoSplitter = vs
	l.pool = workpool.New(cmp.Or(l.cfg.PoolSlots, workpool.MultiSlots))
	l.mu.Unlock()
	if err := vs.Start(); err != nil {
		return err
	}

	// A signal while channels wait for pool slots cancels the wait.
	release := context.AfterFunc(ctx, func() {
		for _, ch := range l.snapshotChannels() {
			_ = ch.lp.Stop()
		}
	})
	defer release()
	for _, def := range defs {
		if err := l.AddChannel(def); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}

	if l.run.WatchMultiVFO {
		w := config.NewVFOWatcher(l.run.MultiVFO, defs, l.applyVFOChanges, l.logger)
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("watch %s: %w", l.run.MultiVFO, err)
		}
		l.mu.Lock()
		l.watcher = w
		l.mu.Unlock()
	}
	return nil
}

// pipelineParams adds the options every live pipeline relies on.
func (l *Live) pipelineParams(p config.Params, samplerate float64) {
	p[config.KeyBasebandFormat] = "f32"
	p[config.KeyBufferSize] = l.streams.Capacity
	p[config.KeyStartTimestamp] = float64(time.Now().Unix())
	p[config.KeySamplerate] = samplerate
}

// AddChannel carves a VFO out of the wideband stream and starts its
// pipeline. Nothing is left behind when it fails. The channel is listed
// while its pipeline waits for pool slots, so shutdown and RemoveChannel
// can cancel that wait.
func (l *Live) AddChannel(def config.VFODefinition) error {
	ch, vs, shift, err := l.reserveChannel(def)
	if err != nil {
		return err
	}
	out, err := vs.VFOOutput(def.Name)
	if err == nil {
		if err = ch.lp.Start(out.Tap(def.Name), l.pool, config.IsServerMode(def.Parameters)); err == nil {
			if err = vs.SetVFOEnabled(def.Name, true); err == nil {
				l.mu.Lock()
				ch.ready = true
				l.mu.Unlock()
				l.logger.Info("added VFO",
					logging.Field{Key: "vfo", Value: def.Name},
					logging.Field{Key: "pipeline", Value: def.Pipeline},
					logging.Field{Key: "shift_hz", Value: shift})
				return nil
			}
			_ = ch.lp.Stop()
		}
	}
	l.mu.Lock()
	if idx := slices.Index(l.channels, ch); idx >= 0 {
		l.channels = slices.Delete(l.channels, idx, idx+1)
	}
	l.mu.Unlock()
	_ = vs.DelVFO(def.Name)
	return fmt.Errorf("vfo %s: %w", def.Name, err)
}

// reserveChannel validates def, adds its VFO and lists a channel whose
// pipeline has not been started yet.
func (l *Live) reserveChannel(def config.VFODefinition) (*channel, *block.VFOSplitter, float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return nil, nil, 0, ErrShuttingDown
	}
	if l.vfoSplitter == nil {
		return nil, nil, 0, ErrNotMultiVFO
	}
	if l.channelIndex(def.Name) >= 0 {
		return nil, nil, 0, fmt.Errorf("%s: %w", def.Name, ErrDuplicateChannel)
	}
	p, err := l.cfg.Catalog.Get(def.Pipeline)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("vfo %s: %w", def.Name, err)
	}

	shift := l.run.Frequency - def.Frequency
	params := def.Parameters.Clone()
	rate := params.Float(config.KeySamplerate, l.run.Samplerate)
	l.pipelineParams(params, rate)
	if err := l.vfoSplitter.AddVFO(def.Name, rate, shift); err != nil {
		return nil, nil, 0, fmt.Errorf("vfo %s: %w", def.Name, err)
	}
	lp := pipeline.NewLive(p, params, filepath.Join(l.cfg.OutputDir, def.Name), l.cfg.Modules, l.streams,
		l.logger.With(logging.Field{Key: "vfo", Value: def.Name}))
	d := def
	ch := &channel{name: def.Name, vfo: &d, lp: lp}
	l.channels = append(l.channels, ch)
	return ch, l.vfoSplitter, shift, nil
}

// RemoveChannel stops a VFO and its pipeline. Samples the VFO produced but
// the pipeline has not read yet are discarded.
func (l *Live) RemoveChannel(name string) error {
	l.mu.Lock()
	idx := l.channelIndex(name)
	if idx < 0 || l.vfoSplitter == nil {
		l.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrUnknownChannel)
	}
	ch := l.channels[idx]
	l.channels = slices.Delete(l.channels, idx, idx+1)
	vs := l.vfoSplitter
	l.mu.Unlock()

	_ = vs.SetVFOEnabled(name, false)
	err := vs.DelVFO(name)
	err = multierr.Append(err, ch.lp.Stop())
	l.logger.Info("removed VFO", logging.Field{Key: "vfo", Value: name})
	return err
}

func (l *Live) applyVFOChanges(added, removed []config.VFODefinition) {
	for _, def := range removed {
		if err := l.RemoveChannel(def.Name); err != nil {
			l.logger.Warn("remove VFO failed", logging.Field{Key: "vfo", Value: def.Name}, logging.Field{Key: "error", Value: err})
		}
	}
	for _, def := range added {
		if err := l.AddChannel(def); err != nil {
			l.logger.Error("add VFO failed", logging.Field{Key: "vfo", Value: def.Name}, logging.Field{Key: "error", Value: err})
		}
	}
}

func (l *Live) channelIndex(name string) int {
	return slices.IndexFunc(l.channels, func(c *channel) bool { return c.name == name })
}

// Channels lists the running channel names. Channels still waiting for
// pool slots are left out.
func (l *Live) Channels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.channels))
	for _, c := range l.channels {
		if c.ready {
			names = append(names, c.name)
		}
	}
	return names
}

func (l *Live) snapshotChannels() []*channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.channels)
}

func (l *Live) startHTTP() error {
	if l.run.HTTPServer == "" {
		return nil
	}
	hub := telemetry.NewHub(0, l.logger)
	hub.SetSource(l.Stats)
	ctx, cancel := context.WithCancel(context.Background())
	done, err := telemetry.NewWebServer(l.run.HTTPServer, hub, l.logger).Start(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("stats server: %w", err)
	}
	l.mu.Lock()
	l.httpStop, l.httpDone = cancel, done
	l.cfg.Reporter = telemetry.MultiReporter{l.cfg.Reporter, hub}
	l.mu.Unlock()
	return nil
}

// wait runs the control loop. It returns why the run ended and the
// pipeline failure, if that was the reason.
func (l *Live) wait(ctx context.Context) (string, error) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	lastReport := time.Now()

	for {
		select {
		case <-ctx.Done():
			l.logger.Warn("signal received, stopping")
			return "cancelled", nil
		case <-ticker.C:
		}

		if !l.deadline.IsZero() && !time.Now().Before(l.deadline) {
			l.logger.Warn("timeout is over, stopping", logging.Field{Key: "timeout_s", Value: l.run.Timeout.Seconds()})
			return "timeout", nil
		}

		channels := l.snapshotChannels()
		if l.vfoSplitter == nil && len(channels) == 1 {
			select {
			case <-channels[0].lp.Done():
				if err := channels[0].lp.Err(); err != nil {
					return "pipeline failed", fmt.Errorf("%w: %w", ErrPipelineFailed, err)
				}
				return "pipeline finished", nil
			default:
			}
		}
		if l.vfoSplitter != nil && len(channels) > 0 && allDone(channels) {
			return "all VFOs finished", nil
		}

		l.mu.Lock()
		reporter := l.cfg.Reporter
		l.mu.Unlock()
		if reporter != nil && time.Since(lastReport) >= l.cfg.StatsInterval {
			reporter.Report(l.Stats())
			lastReport = time.Now()
		}
	}
}

func allDone(channels []*channel) bool {
	for _, c := range channels {
		select {
		case <-c.lp.Done():
		default:
			return false
		}
	}
	return true
}

// Stats builds the statistics document: the pipeline stats in single mode
// or one entry per VFO, plus the remaining timeout and the spectrum when
// enabled.
func (l *Live) Stats() map[string]any {
	l.mu.Lock()
	channels := slices.Clone(l.channels)
	multi := l.vfoSplitter != nil
	fft := l.fft
	l.mu.Unlock()

	stats := map[string]any{}
	for _, c := range channels {
		c.lp.UpdateModuleStats()
		if multi {
			stats[c.name] = c.lp.Stats()
			continue
		}
		for k, v := range c.lp.Stats() {
			stats[k] = v
		}
	}
	if !l.deadline.IsZero() {
		stats["timeout_left"] = max(time.Until(l.deadline), 0).Seconds()
	}
	if fft != nil {
		stats[telemetry.SpectrumKey] = fft.Spectrum()
	}
	return stats
}

// shutdown stops the run in order: stats server and file watcher, source,
// splitter layer, then each pipeline. It is safe on a partial setup.
func (l *Live) shutdown() error {
	l.mu.Lock()
	l.closing = true
	httpStop, httpDone := l.httpStop, l.httpDone
	watcher, src := l.watcher, l.source
	splitter, fft, vs := l.splitter, l.fft, l.vfoSplitter
	channels := slices.Clone(l.channels)
	l.mu.Unlock()

	var err error
	if httpStop != nil {
		l.logger.Info("stopping stats server")
		httpStop()
		<-httpDone
	}
	if watcher != nil {
		watcher.Stop()
	}
	if src != nil {
		l.logger.Info("stopping source")
		err = multierr.Append(err, src.Stop())
	}
	if splitter != nil {
		l.logger.Info("stopping splitter")
		splitter.Stop()
	}
	if fft != nil {
		l.logger.Info("stopping fft")
		fft.Stop()
	}
	if vs != nil {
		l.logger.Info("stopping VFO splitter")
		vs.Stop()
	}
	for _, c := range channels {
		l.logger.Info("stopping pipeline", logging.Field{Key: "channel", Value: c.name})
		if stopErr := c.lp.Stop(); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", c.name, stopErr))
		}
		if c.vfo != nil {
			l.logger.Info("stopped VFO", logging.Field{Key: "vfo", Value: c.name})
		}
	}
	return err
}

// finish runs the offline continuation of every pipeline.
func (l *Live) finish(ctx context.Context) error {
	var err error
	for _, c := range l.snapshotChannels() {
		products, finishErr := c.lp.FinishProcessing(ctx)
		switch {
		case errors.Is(finishErr, pipeline.ErrNoContinuationInput):
			l.logger.Warn("nothing to continue from", logging.Field{Key: "channel", Value: c.name})
		case finishErr != nil:
			l.logger.Error("finish processing failed", logging.Field{Key: "channel", Value: c.name}, logging.Field{Key: "error", Value: finishErr})
			err = multierr.Append(err, fmt.Errorf("%s: %w", c.name, finishErr))
		default:
			l.logger.Info("finish processing done",
				logging.Field{Key: "channel", Value: c.name},
				logging.Field{Key: "products", Value: products})
		}
	}
	return err
}
