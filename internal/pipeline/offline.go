package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rjboer/satstream/internal/config"
	"github.com/rjboer/satstream/internal/logging"
)

// DatasetFile is the fallback continuation input written by some live
// steps into the output directory.
const DatasetFile = "dataset.json"

// RunRequest describes an offline run.
type RunRequest struct {
	Input     string
	OutputDir string
	Params    config.Params
	// InputLevel is the level Input is at. Steps up to and including the
	// step producing that level are skipped. Empty runs every step.
	InputLevel string
	Registry   *Registry
	Logger     logging.Logger
}

// OutputHint is the path prefix modules use for the files they produce.
func OutputHint(outputDir, pipelineName string) string {
	return filepath.Join(outputDir, pipelineName)
}

func (p Pipeline) levelIndex(level string) int {
	for i, s := range p.Steps {
		if s.Level == level {
			return i
		}
	}
	return -1
}

// Run executes the pipeline offline, file to file, starting after
// InputLevel. Each step reads the first file produced by the step before
// it. The files produced by every step are returned in order.
func (p Pipeline) Run(ctx context.Context, req RunRequest) ([]string, error) {
	if req.Registry == nil {
		return nil, errors.New("offline run needs a module registry")
	}
	logger := req.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With(logging.Field{Key: "pipeline", Value: p.Name})

	start := 0
	if req.InputLevel != "" {
		idx := p.levelIndex(req.InputLevel)
		if idx < 0 {
			return nil, fmt.Errorf("%s: %q: %w", p.Name, req.InputLevel, ErrUnknownLevel)
		}
		start = idx + 1
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	all := &OutputFiles{}
	current := req.Input
	for i := start; i < len(p.Steps); i++ {
		if err := ctx.Err(); err != nil {
			return all.List(), err
		}
		step := p.Steps[i]
		produced, err := p.runStep(ctx, i, current, req, logger)
		for _, f := range produced {
			all.Add(f)
		}
		if err != nil {
			return all.List(), fmt.Errorf("step %d (%s): %w", i, step.Module, err)
		}
		if i < len(p.Steps)-1 {
			if len(produced) == 0 {
				return all.List(), fmt.Errorf("step %d (%s): %w", i, step.Module, ErrNoOutput)
			}
			current = produced[0]
		}
	}
	return all.List(), nil
}

func (p Pipeline) runStep(ctx context.Context, idx int, input string, req RunRequest, logger logging.Logger) ([]string, error) {
	step := p.Steps[idx]
	factory, err := req.Registry.Lookup(step.Module)
	if err != nil {
		return nil, err
	}
	outputs := &OutputFiles{}
	m, err := factory(Env{
		Input:      Input{File: input},
		OutputHint: OutputHint(req.OutputDir, p.Name),
		Params:     p.stepParams(idx, req.Params),
		Outputs:    outputs,
		Logger:     logger.With(logging.Field{Key: "module", Value: step.Module}),
	})
	if err != nil {
		return nil, err
	}
	defer m.Stop()
	if !accepts(m.InputTypes(), DataFile) {
		return nil, fmt.Errorf("%s cannot read files: %w", step.Module, ErrIncompatibleTypes)
	}

	logger.Info("processing step",
		logging.Field{Key: "step", Value: idx},
		logging.Field{Key: "module", Value: step.Module},
		logging.Field{Key: "level", Value: step.Level},
		logging.Field{Key: "input", Value: input})
	err = m.Process(ctx)
	return outputs.List(), err
}

// ResolveContinuationInput picks the file offline processing continues
// from: the first file the live steps produced, otherwise the dataset file
// in outputDir when it exists.
func ResolveContinuationInput(produced []string, outputDir string) (string, error) {
	if len(produced) > 0 {
		return produced[0], nil
	}
	dataset := filepath.Join(outputDir, DatasetFile)
	if _, err := os.Stat(dataset); err == nil {
		return dataset, nil
	}
	return "", ErrNoContinuationInput
}
