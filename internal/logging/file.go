package logging

import (
	"io"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig describes a rotating log file. Zero sizes fall back to the
// defaults below.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 5
	defaultMaxAgeDays = 30
)

// NewTee returns a Logger writing to out and, when file.Path is set, to a
// rotating JSON log file as well. The returned closer flushes and closes the
// file; it is a no-op when no file is configured.
func NewTee(level Level, format Format, out io.Writer, file FileConfig) (Logger, io.Closer) {
	console := newCore(level, format, zapcore.AddSync(out))
	if file.Path == "" {
		return FromCore(console), nopCloser{}
	}

	rotator := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    orDefault(file.MaxSizeMB, defaultMaxSizeMB),
		MaxBackups: orDefault(file.MaxBackups, defaultMaxBackups),
		MaxAge:     orDefault(file.MaxAgeDays, defaultMaxAgeDays),
		Compress:   file.Compress,
	}
	fileCore := newCore(level, JSON, zapcore.AddSync(rotator))
	return FromCore(zapcore.NewTee(console, fileCore)), rotator
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
