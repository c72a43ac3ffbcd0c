// Package config holds the run-parameter documents shared by the CLI, the
// live control loop and the processing modules.
package config

import (
	"fmt"
	"maps"
	"time"

	"github.com/spf13/cast"
)

// Params is a hierarchical key/value parameter document. Values come from
// YAML or JSON decoding, so numbers may be ints or floats; use the typed
// getters rather than asserting.
type Params map[string]any

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns key as a string, or def when missing or not convertible.
func (p Params) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return def
	}
	return s
}

// Float returns key as a float64, or def.
func (p Params) Float(key string, def float64) float64 {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return f
}

// Int returns key as an int, or def.
func (p Params) Int(key string, def int) int {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case float32:
		return int(n)
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return i
}

// Bool returns key as a bool, or def.
func (p Params) Bool(key string, def bool) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// Seconds interprets key as a number of seconds. Duration strings such as
// "90s" are accepted too.
func (p Params) Seconds(key string, def time.Duration) time.Duration {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	if s, isString := v.(string); isString {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

// Sub returns the nested document stored under key, or nil.
func (p Params) Sub(key string) Params {
	v, ok := p[key]
	if !ok {
		return nil
	}
	switch m := v.(type) {
	case Params:
		return m
	case map[string]any:
		return Params(m)
	}
	sm, err := cast.ToStringMapE(v)
	if err != nil {
		return nil
	}
	return Params(sm)
}

// Clone returns a copy of p. Nested documents are copied as well so the
// result can be modified independently.
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	out := make(Params, len(p))
	for k, v := range p {
		switch m := v.(type) {
		case Params:
			out[k] = m.Clone()
		case map[string]any:
			out[k] = map[string]any(Params(m).Clone())
		default:
			out[k] = v
		}
	}
	return out
}

// Merge returns a copy of p with every key of other applied on top.
func (p Params) Merge(other Params) Params {
	out := p.Clone()
	maps.Copy(out, other)
	return out
}

// Require returns an error naming key when it is missing.
func (p Params) Require(keys ...string) error {
	for _, k := range keys {
		if !p.Has(k) {
			return fmt.Errorf("%s: %w", k, ErrMissingOption)
		}
	}
	return nil
}
