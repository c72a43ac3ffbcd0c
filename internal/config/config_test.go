package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/satstream/internal/stream"
)

func TestParamsTypedGetters(t *testing.T) {
	p := Params{
		"samplerate": 6e6,
		"fft_size":   float64(1024),
		"buffer":     "4096",
		"enabled":    "true",
		"timeout":    "90s",
		"nested":     map[string]any{"gain": 10},
	}
	assert.Equal(t, 6e6, p.Float("samplerate", 0))
	assert.Equal(t, 1024, p.Int("fft_size", 0))
	assert.Equal(t, 4096, p.Int("buffer", 0))
	assert.True(t, p.Bool("enabled", false))
	assert.Equal(t, 90*time.Second, p.Seconds("timeout", 0))
	assert.Equal(t, 10, p.Sub("nested").Int("gain", 0))
	assert.Equal(t, "fallback", p.String("missing", "fallback"))
	assert.Equal(t, 7, p.Int("enabled", 7), "non-numeric falls back to default")
}

func TestParamsCloneIsIndependent(t *testing.T) {
	p := Params{"nested": map[string]any{"a": 1}}
	c := p.Clone()
	c.Sub("nested")["a"] = 2
	assert.Equal(t, 1, p.Sub("nested").Int("a", 0))
	merged := p.Merge(Params{"b": true})
	assert.True(t, merged.Bool("b", false))
	assert.False(t, p.Has("b"))
}

func TestParseRunConfigDefaults(t *testing.T) {
	cfg, err := ParseRunConfig(Params{
		"source":     "mock",
		"samplerate": 6e6,
		"frequency":  137.5e6,
		"timeout":    30,
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultFFTSize, cfg.FFT.Size)
	assert.Equal(t, DefaultFFTRate, cfg.FFT.Rate)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.False(t, cfg.ServerMode)
}

func TestParseRunConfigErrors(t *testing.T) {
	_, err := ParseRunConfig(Params{"source": "mock", "frequency": 1e6})
	assert.ErrorIs(t, err, ErrMissingOption)

	_, err = ParseRunConfig(Params{"source": "mock", "samplerate": -1, "frequency": 1e6})
	assert.ErrorIs(t, err, ErrInvalidOption)

	_, err = ParseRunConfig(Params{"source": "mock", "samplerate": 1e6, "frequency": 1e6, "fft_avg": 1.5})
	assert.ErrorIs(t, err, ErrInvalidOption)
}

func TestServerModeDetection(t *testing.T) {
	assert.True(t, IsServerMode(Params{"server_port": 5000}))
	assert.True(t, IsServerMode(Params{"server_address": "0.0.0.0"}))
	assert.False(t, IsServerMode(Params{}))
}

func TestApplyBufferSize(t *testing.T) {
	cfg, err := ApplyBufferSize(Params{})
	require.NoError(t, err)
	assert.Equal(t, stream.DefaultCapacity, cfg.Capacity)

	cfg, err = ApplyBufferSize(Params{"buffer_size": 8192})
	require.NoError(t, err)
	assert.Equal(t, 8192, cfg.Capacity)

	_, err = ApplyBufferSize(Params{"buffer_size": 0})
	assert.ErrorIs(t, err, ErrInvalidOption)
}

func TestLoadReadsDocumentAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("samplerate: 2400000\nsource: mock\n"), 0o644))
	t.Setenv("SATLIVE_FREQUENCY", "137100000")

	p, err := Load(path, Params{"timeout": 5})
	require.NoError(t, err)
	assert.Equal(t, 2.4e6, p.Float("samplerate", 0))
	assert.Equal(t, 137.1e6, p.Float("frequency", 0))
	assert.Equal(t, 5, p.Int("timeout", 0))
}

func TestParseVFODocumentJSONAndYAML(t *testing.T) {
	jsonDoc := []byte(`{
		"noaa19": {"frequency": 137100000, "pipeline": "noaa_apt", "parameters": {"gain": 3}},
		"meteor": {"frequency": 137900000, "pipeline": "meteor_m2"}
	}`)
	defs, err := ParseVFODocument(jsonDoc, ".json")
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "meteor", defs[0].Name)
	assert.Equal(t, 3, defs[1].Parameters.Int("gain", 0))

	yamlDoc := []byte("noaa15:\n  frequency: 137620000\n  pipeline: noaa_apt\n")
	defs, err = ParseVFODocument(yamlDoc, ".yaml")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, 137.62e6, defs[0].Frequency)
	assert.NotNil(t, defs[0].Parameters)
}

func TestParseVFODocumentRejectsIncomplete(t *testing.T) {
	_, err := ParseVFODocument([]byte(`{"a": {"pipeline": "x"}}`), ".json")
	assert.ErrorIs(t, err, ErrMalformedVFO)
	_, err = ParseVFODocument([]byte(`not json`), ".json")
	assert.ErrorIs(t, err, ErrMalformedVFO)
}

func TestDiffVFOs(t *testing.T) {
	prev := []VFODefinition{
		{Name: "a", Frequency: 1, Pipeline: "p"},
		{Name: "b", Frequency: 2, Pipeline: "p"},
	}
	next := []VFODefinition{
		{Name: "b", Frequency: 3, Pipeline: "p"},
		{Name: "c", Frequency: 4, Pipeline: "p"},
	}
	added, removed := DiffVFOs(prev, next)
	assert.ElementsMatch(t, []string{"b", "c"}, names(added))
	assert.ElementsMatch(t, []string{"a", "b"}, names(removed))
}

func names(defs []VFODefinition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}

func TestVFOWatcherReportsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vfos.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a": {"frequency": 1, "pipeline": "p"}}`), 0o644))
	initial, err := LoadVFOFile(path)
	require.NoError(t, err)

	var mu sync.Mutex
	var gotAdded, gotRemoved []string
	w := NewVFOWatcher(path, initial, func(added, removed []VFODefinition) {
		mu.Lock()
		defer mu.Unlock()
		gotAdded = append(gotAdded, names(added)...)
		gotRemoved = append(gotRemoved, names(removed)...)
	}, nil)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{"b": {"frequency": 2, "pipeline": "p"}}`), 0o644))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotAdded) == 1 && len(gotRemoved) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"b"}, gotAdded)
	assert.Equal(t, []string{"a"}, gotRemoved)
}

func TestLoadVFOFileMissing(t *testing.T) {
	_, err := LoadVFOFile(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
