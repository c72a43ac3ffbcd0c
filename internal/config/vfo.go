package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// ErrMalformedVFO is returned for unreadable multi-VFO documents.
var ErrMalformedVFO = errors.New("malformed multi-VFO document")

// VFODefinition describes one channel carved out of the wideband capture.
type VFODefinition struct {
	Name       string
	Frequency  float64
	Pipeline   string
	Parameters Params
}

type vfoEntry struct {
	Frequency  float64        `json:"frequency" yaml:"frequency"`
	Pipeline   string         `json:"pipeline" yaml:"pipeline"`
	Parameters map[string]any `json:"parameters" yaml:"parameters"`
}

// LoadVFOFile reads a multi-VFO document. The format follows the file
// extension; anything other than .yaml/.yml is decoded as JSON.
func LoadVFOFile(path string) ([]VFODefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read multi-VFO file: %w", err)
	}
	defs, err := ParseVFODocument(data, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// ParseVFODocument decodes a name → {frequency, pipeline, parameters} map.
// Definitions are returned sorted by name.
func ParseVFODocument(data []byte, ext string) ([]VFODefinition, error) {
	var doc map[string]vfoEntry
	var err error
	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedVFO, err)
	}

	defs := make([]VFODefinition, 0, len(doc))
	for name, e := range doc {
		switch {
		case name == "":
			return nil, fmt.Errorf("%w: empty VFO name", ErrMalformedVFO)
		case e.Frequency <= 0:
			return nil, fmt.Errorf("%w: %s has no frequency", ErrMalformedVFO, name)
		case e.Pipeline == "":
			return nil, fmt.Errorf("%w: %s has no pipeline", ErrMalformedVFO, name)
		}
		params := Params(e.Parameters)
		if params == nil {
			params = Params{}
		}
		defs = append(defs, VFODefinition{
			Name:       name,
			Frequency:  e.Frequency,
			Pipeline:   e.Pipeline,
			Parameters: params,
		})
	}
	slices.SortFunc(defs, func(a, b VFODefinition) int { return strings.Compare(a.Name, b.Name) })
	return defs, nil
}

// DiffVFOs compares two definition sets by name. A definition that changed
// in any field is reported as both removed and added so it gets rebuilt.
func DiffVFOs(prev, next []VFODefinition) (added, removed []VFODefinition) {
	old := make(map[string]VFODefinition, len(prev))
	for _, d := range prev {
		old[d.Name] = d
	}
	seen := make(map[string]bool, len(next))
	for _, d := range next {
		seen[d.Name] = true
		o, ok := old[d.Name]
		if !ok {
			added = append(added, d)
			continue
		}
		if !sameVFO(o, d) {
			removed = append(removed, o)
			added = append(added, d)
		}
	}
	for _, d := range prev {
		if !seen[d.Name] {
			removed = append(removed, d)
		}
	}
	return added, removed
}

func sameVFO(a, b VFODefinition) bool {
	if a.Frequency != b.Frequency || a.Pipeline != b.Pipeline {
		return false
	}
	ja, errA := json.Marshal(a.Parameters)
	jb, errB := json.Marshal(b.Parameters)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
