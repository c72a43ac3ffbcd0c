package telemetry

import (
	"slices"

	"github.com/rjboer/satstream/internal/logging"
)

// StdoutReporter logs a one-line summary of each statistics document.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a reporter writing through logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

// Report logs the scalar entries of stats. Nested documents are reduced to
// their key count and the spectrum to its bin count.
func (r StdoutReporter) Report(stats map[string]any) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	fields := []logging.Field{{Key: "subsystem", Value: "telemetry"}}
	for _, k := range keys {
		switch v := stats[k].(type) {
		case map[string]any:
			fields = append(fields, logging.Field{Key: k, Value: len(v)})
		case []float32:
			fields = append(fields, logging.Field{Key: k + "_bins", Value: len(v)})
		default:
			fields = append(fields, logging.Field{Key: k, Value: v})
		}
	}
	r.logger.Info("live stats", fields...)
}
