package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rjboer/satstream/internal/block"
	"github.com/rjboer/satstream/internal/config"
	"github.com/rjboer/satstream/internal/logging"
	"github.com/rjboer/satstream/internal/modules"
	"github.com/rjboer/satstream/internal/pipeline"
	"github.com/rjboer/satstream/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const recordDigest = `
name: record_digest
steps:
  - module: baseband_recorder
    level: baseband
  - module: file_digest
    level: products
live:
  normal_live: [0]
`

// syncBuffer is a log sink safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type captureReporter struct {
	mu      sync.Mutex
	reports []map[string]any
}

func (c *captureReporter) Report(stats map[string]any) {
	c.mu.Lock()
	c.reports = append(c.reports, stats)
	c.mu.Unlock()
}

func (c *captureReporter) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reports) == 0 {
		return nil
	}
	return c.reports[len(c.reports)-1]
}

func testConfig(t *testing.T, params config.Params) Config {
	t.Helper()
	p, err := pipeline.Parse([]byte(recordDigest), ".yaml")
	require.NoError(t, err)
	catalog, err := pipeline.NewCatalog(p)
	require.NoError(t, err)
	reg := pipeline.NewRegistry()
	require.NoError(t, modules.Register(reg))

	base := config.Params{
		config.KeySource:     "mock",
		config.KeySamplerate: 1e6,
		config.KeyFrequency:  100e6,
		config.KeyBufferSize: 1 << 15,
	}
	return Config{
		Pipeline:     "record_digest",
		OutputDir:    t.TempDir(),
		Params:       base.Merge(params),
		Catalog:      catalog,
		Modules:      reg,
		PollInterval: 10 * time.Millisecond,
	}
}

func writeVFOFile(t *testing.T, dir, doc string) string {
	t.Helper()
	path := filepath.Join(dir, "vfos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestSingleModeRunsToCompletion(t *testing.T) {
	cfg := testConfig(t, config.Params{
		"max_samples":              50000,
		config.KeyFinishProcessing: true,
	})
	live, err := New(cfg, logging.New(logging.Error, logging.Text, &syncBuffer{}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, live.Run(ctx))

	capture, err := os.ReadFile(filepath.Join(cfg.OutputDir, "record_digest.cf32"))
	require.NoError(t, err)
	assert.Len(t, capture, 50000*8)

	sum := sha256.Sum256(capture)
	digest, err := os.ReadFile(filepath.Join(cfg.OutputDir, "record_digest.sha256"))
	require.NoError(t, err)
	assert.Contains(t, string(digest), hex.EncodeToString(sum[:]))
}

func TestSingleModeTimeoutWithSpectrum(t *testing.T) {
	cfg := testConfig(t, config.Params{
		"throttle":                 true,
		config.KeyTimeout:          "300ms",
		config.KeyFFTEnable:        true,
		config.KeyFFTSize:          256,
		config.KeyFFTAvg:           0.5,
		config.KeyServerAddress:    "127.0.0.1",
		config.KeyFinishProcessing: true,
	})
	reporter := &captureReporter{}
	cfg.Reporter = reporter
	cfg.StatsInterval = 50 * time.Millisecond
	live, err := New(cfg, logging.New(logging.Error, logging.Text, &syncBuffer{}))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, live.Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	stats := reporter.last()
	require.NotNil(t, stats)
	assert.Contains(t, stats, "timeout_left")
	assert.Contains(t, stats, modules.RecorderID)
	bins, ok := stats[telemetry.SpectrumKey].([]float32)
	require.True(t, ok)
	assert.Len(t, bins, 256)

	_, err = os.Stat(filepath.Join(cfg.OutputDir, "record_digest.sha256"))
	assert.True(t, os.IsNotExist(err), "server mode skips finish processing")
}

func TestMultiVFOCancellationStopsInOrder(t *testing.T) {
	cfg := testConfig(t, config.Params{"throttle": true})
	cfg.Params[config.KeyMultiVFO] = writeVFOFile(t, t.TempDir(), `
A:
  frequency: 100.1e6
  pipeline: record_digest
B:
  frequency: 99.8e6
  pipeline: record_digest
`)
	logs := &syncBuffer{}
	live, err := New(cfg, logging.New(logging.Info, logging.JSON, logs))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- live.Run(ctx) }()

	require.Eventually(t, func() bool { return len(live.Channels()) == 2 }, 5*time.Second, 10*time.Millisecond)
	stats := live.Stats()
	assert.Contains(t, stats, "A")
	assert.Contains(t, stats, "B")

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	out := logs.String()
	order := []string{
		`"msg":"stopping source"`,
		`"msg":"stopping VFO splitter"`,
		`"msg":"stopping pipeline","subsystem":"live","channel":"A"`,
		`"msg":"stopping pipeline","subsystem":"live","channel":"B"`,
	}
	last := -1
	for _, want := range order {
		idx := strings.Index(out, want)
		require.Greater(t, idx, last, "expected %s after previous shutdown step in:\n%s", want, out)
		last = idx
	}
	for _, name := range []string{"A", "B"} {
		_, err := os.Stat(filepath.Join(cfg.OutputDir, name, "record_digest.cf32"))
		assert.NoError(t, err, name)
	}
}

func TestMultiVFOShiftOutOfRange(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.Params[config.KeyMultiVFO] = writeVFOFile(t, t.TempDir(), `
A:
  frequency: 100.1e6
  pipeline: record_digest
Z:
  frequency: 101e6
  pipeline: record_digest
`)
	live, err := New(cfg, logging.New(logging.Error, logging.Text, &syncBuffer{}))
	require.NoError(t, err)

	err = live.Run(context.Background())
	require.ErrorIs(t, err, block.ErrShiftOutOfRange)
	assert.NoDirExists(t, filepath.Join(cfg.OutputDir, "Z"))
	assert.Equal(t, []string{"A"}, live.Channels())
}

func TestMultiVFOHotReload(t *testing.T) {
	cfg := testConfig(t, config.Params{"throttle": true, config.KeyMultiVFOWatch: true})
	dir := t.TempDir()
	path := writeVFOFile(t, dir, `
A:
  frequency: 100.1e6
  pipeline: record_digest
B:
  frequency: 99.8e6
  pipeline: record_digest
`)
	cfg.Params[config.KeyMultiVFO] = path
	live, err := New(cfg, logging.New(logging.Error, logging.Text, &syncBuffer{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- live.Run(ctx) }()
	require.Eventually(t, func() bool { return len(live.Channels()) == 2 }, 5*time.Second, 10*time.Millisecond)

	writeVFOFile(t, dir, `
A:
  frequency: 100.1e6
  pipeline: record_digest
C:
  frequency: 100.2e6
  pipeline: record_digest
`)
	require.Eventually(t, func() bool {
		ch := live.Channels()
		return len(ch) == 2 && ch[0] == "A" && ch[1] == "C"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
	assert.ErrorIs(t, live.AddChannel(config.VFODefinition{Name: "D", Frequency: 100e6, Pipeline: "record_digest"}), ErrShuttingDown)
}

func TestChannelWaitingForSlotsDoesNotBlockRun(t *testing.T) {
	cfg := testConfig(t, config.Params{"throttle": true})
	cfg.PoolSlots = 1
	cfg.Params[config.KeyMultiVFO] = writeVFOFile(t, t.TempDir(), `
A:
  frequency: 100.1e6
  pipeline: record_digest
B:
  frequency: 99.8e6
  pipeline: record_digest
`)
	live, err := New(cfg, logging.New(logging.Error, logging.Text, &syncBuffer{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- live.Run(ctx) }()

	// A holds the only slot, so B waits.
	require.Eventually(t, func() bool { return len(live.Channels()) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"A"}, live.Channels())

	statsDone := make(chan map[string]any, 1)
	go func() { statsDone <- live.Stats() }()
	select {
	case stats := <-statsDone:
		assert.Contains(t, stats, "A")
	case <-time.After(2 * time.Second):
		t.Fatal("stats blocked behind a channel waiting for slots")
	}

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop while a channel waited for slots")
	}
}

func TestChannelsRequireMultiVFO(t *testing.T) {
	live, err := New(testConfig(t, nil), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, live.AddChannel(config.VFODefinition{Name: "A", Frequency: 1, Pipeline: "record_digest"}), ErrNotMultiVFO)
	assert.ErrorIs(t, live.RemoveChannel("A"), ErrUnknownChannel)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.Pipeline = "nope"
	_, err := New(cfg, nil)
	assert.ErrorIs(t, err, pipeline.ErrUnknownPipeline)

	cfg = testConfig(t, nil)
	delete(cfg.Params, config.KeyFrequency)
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, config.ErrMissingOption)

	cfg = testConfig(t, config.Params{config.KeySource: "hackrf"})
	live, err := New(cfg, logging.New(logging.Error, logging.Text, &syncBuffer{}))
	require.NoError(t, err)
	assert.Error(t, live.Run(context.Background()))
}

// explodingModule fails as soon as samples arrive.
type explodingModule struct{ in interface{ Close() } }

func (e *explodingModule) ID() string { return "exploding" }
func (e *explodingModule) InputTypes() []pipeline.DataType {
	return []pipeline.DataType{pipeline.DataStream}
}
func (e *explodingModule) OutputTypes() []pipeline.DataType {
	return []pipeline.DataType{pipeline.DataFile}
}
func (e *explodingModule) Process(context.Context) error { return errors.New("sync lost") }
func (e *explodingModule) Stop()                         { e.in.Close() }
func (e *explodingModule) Stats() map[string]any         { return nil }

func TestPipelineFailureEndsRun(t *testing.T) {
	cfg := testConfig(t, config.Params{"throttle": true})
	require.NoError(t, cfg.Modules.Register("exploding", func(env pipeline.Env) (pipeline.Module, error) {
		return &explodingModule{in: env.Input.Stream}, nil
	}))
	p, err := pipeline.Parse([]byte(`{"name":"fragile","steps":[{"module":"exploding","level":"frames"}],"live":{"normal_live":[0]}}`), ".json")
	require.NoError(t, err)
	require.NoError(t, cfg.Catalog.Add(p))
	cfg.Pipeline = "fragile"

	live, err := New(cfg, logging.New(logging.Error, logging.Text, &syncBuffer{}))
	require.NoError(t, err)
	err = live.Run(context.Background())
	require.ErrorIs(t, err, ErrPipelineFailed)
	assert.Contains(t, err.Error(), "sync lost")
}
