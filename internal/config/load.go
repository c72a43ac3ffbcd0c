package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to option names when reading the environment.
const EnvPrefix = "SATLIVE"

var envKeys = []string{
	KeySource, KeySourceID, KeySamplerate, KeyFrequency, KeyTimeout,
	KeyFFTEnable, KeyFFTSize, KeyFFTRate, KeyFFTAvg, KeyMultiVFO,
	KeyMultiVFOWatch, KeyFinishProcessing, KeyBufferSize, KeyHTTPServer,
	KeyServerAddress, KeyServerPort,
}

// NewViper returns a viper instance bound to the SATLIVE_ environment.
// When path is set the document is read from it; its type follows the
// file extension (yaml, yml or json).
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", k, err)
		}
	}
	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return v, nil
}

// FromViper flattens the viper state into a Params document. Keys set via
// overrides take precedence.
func FromViper(v *viper.Viper, overrides Params) Params {
	out := Params(v.AllSettings())
	for k, val := range overrides {
		out[k] = val
	}
	return out
}

// Load reads a run-parameter document and overlays the environment.
func Load(path string, overrides Params) (Params, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v, overrides), nil
}
