// Package pipeline describes processing pipelines and runs them, either
// live on a sample stream or offline over files.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/rjboer/satstream/internal/config"
)

var (
	ErrUnknownPipeline     = errors.New("unknown pipeline")
	ErrInvalidPipeline     = errors.New("invalid pipeline definition")
	ErrUnknownModule       = errors.New("unknown module")
	ErrDuplicateModule     = errors.New("module already registered")
	ErrIncompatibleTypes   = errors.New("incompatible module data types")
	ErrUnknownLevel        = errors.New("unknown level")
	ErrNoLiveSteps         = errors.New("pipeline has no live steps")
	ErrNoContinuationInput = errors.New("no continuation input")
	ErrNoOutput            = errors.New("step produced no output")
)

// Step is one stage of a pipeline. Level names the data the step produces.
type Step struct {
	Module string         `json:"module" yaml:"module"`
	Level  string         `json:"level" yaml:"level"`
	Params map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// LiveStep names a step that runs on the live stream.
type LiveStep struct {
	Step   int
	Module string
}

// LiveConfig lists the live steps. They always form a prefix of the
// pipeline.
type LiveConfig struct {
	NormalLive []LiveStep
}

// Pipeline is an immutable pipeline definition.
type Pipeline struct {
	Name         string
	ReadableName string
	Steps        []Step
	Live         LiveConfig
}

type definition struct {
	Name         string `json:"name" yaml:"name"`
	ReadableName string `json:"readable_name" yaml:"readable_name"`
	Steps        []Step `json:"steps" yaml:"steps"`
	Live         struct {
		NormalLive []int `json:"normal_live" yaml:"normal_live"`
	} `json:"live" yaml:"live"`
}

// Parse decodes a pipeline definition. ext selects YAML (".yaml", ".yml")
// or JSON.
func Parse(data []byte, ext string) (Pipeline, error) {
	var def definition
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &def)
	default:
		err = json.Unmarshal(data, &def)
	}
	if err != nil {
		return Pipeline{}, fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}

	p := Pipeline{Name: def.Name, ReadableName: def.ReadableName, Steps: def.Steps}
	for _, idx := range def.Live.NormalLive {
		if idx < 0 || idx >= len(def.Steps) {
			return Pipeline{}, fmt.Errorf("%w: %s: live step %d out of range", ErrInvalidPipeline, def.Name, idx)
		}
		p.Live.NormalLive = append(p.Live.NormalLive, LiveStep{Step: idx, Module: def.Steps[idx].Module})
	}
	if err := p.Validate(); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

// Validate checks the structural rules of a definition.
func (p Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidPipeline)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: %s: no steps", ErrInvalidPipeline, p.Name)
	}
	levels := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.Module == "" || s.Level == "" {
			return fmt.Errorf("%w: %s: step %d needs a module and a level", ErrInvalidPipeline, p.Name, i)
		}
		if levels[s.Level] {
			return fmt.Errorf("%w: %s: duplicate level %q", ErrInvalidPipeline, p.Name, s.Level)
		}
		levels[s.Level] = true
	}
	for i, ls := range p.Live.NormalLive {
		if ls.Step != i {
			return fmt.Errorf("%w: %s: live steps must be a prefix in order", ErrInvalidPipeline, p.Name)
		}
	}
	return nil
}

// HasLive reports whether the pipeline can run on a live stream.
func (p Pipeline) HasLive() bool { return len(p.Live.NormalLive) > 0 }

// BoundaryLevel is the level produced by the last live step, which is the
// level offline processing resumes from.
func (p Pipeline) BoundaryLevel() string {
	if !p.HasLive() {
		return ""
	}
	return p.Steps[p.Live.NormalLive[len(p.Live.NormalLive)-1].Step].Level
}

// FullyLive reports whether every step runs live, leaving nothing to
// continue offline.
func (p Pipeline) FullyLive() bool { return len(p.Live.NormalLive) == len(p.Steps) }

// stepParams merges the step's own parameters under the run parameters.
func (p Pipeline) stepParams(idx int, run config.Params) config.Params {
	return config.Params(p.Steps[idx].Params).Merge(run)
}

// Catalog is a set of pipeline definitions keyed by name.
type Catalog struct {
	mu        sync.RWMutex
	pipelines map[string]Pipeline
}

// NewCatalog builds a catalog from the given definitions.
func NewCatalog(pipelines ...Pipeline) (*Catalog, error) {
	c := &Catalog{pipelines: make(map[string]Pipeline)}
	for _, p := range pipelines {
		if err := c.Add(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalog reads every .yaml, .yml and .json file in dir.
func LoadCatalog(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pipeline directory: %w", err)
	}
	c := &Catalog{pipelines: make(map[string]Pipeline)}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml" && ext != ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		p, err := Parse(data, ext)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := c.Add(p); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return c, nil
}

// Add inserts a validated definition.
func (c *Catalog) Add(p Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pipelines[p.Name]; ok {
		return fmt.Errorf("%w: duplicate pipeline %q", ErrInvalidPipeline, p.Name)
	}
	c.pipelines[p.Name] = p
	return nil
}

// Get returns the pipeline called name.
func (c *Catalog) Get(name string) (Pipeline, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pipelines[name]
	if !ok {
		return Pipeline{}, fmt.Errorf("%s: %w", name, ErrUnknownPipeline)
	}
	return p, nil
}

// Names lists the pipeline names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.pipelines))
	for n := range c.pipelines {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
