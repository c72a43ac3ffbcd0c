package logging

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents a logging severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

var levels = [...]struct {
	name string
	zap  zapcore.Level
}{
	Debug: {"DEBUG", zapcore.DebugLevel},
	Info:  {"INFO", zapcore.InfoLevel},
	Warn:  {"WARN", zapcore.WarnLevel},
	Error: {"ERROR", zapcore.ErrorLevel},
}

func (l Level) valid() bool { return l >= Debug && int(l) < len(levels) }

func (l Level) String() string {
	if !l.valid() {
		return "UNKNOWN"
	}
	return levels[l].name
}

func (l Level) zapLevel() zapcore.Level {
	if !l.valid() {
		return zapcore.InfoLevel
	}
	return levels[l].zap
}

var levelAliases = map[string]Level{
	"":        Info,
	"debug":   Debug,
	"info":    Info,
	"warn":    Warn,
	"warning": Warn,
	"error":   Error,
}

// ParseLevel accepts debug, info, warn (or warning) and error in any case.
// An empty string means info.
func ParseLevel(s string) (Level, error) {
	if l, ok := levelAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return Info, fmt.Errorf("unsupported log level %q", s)
}

// Format selects the console or JSON encoder.
type Format int

const (
	Text Format = iota
	JSON
)

func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case JSON:
		return "json"
	}
	return "unknown"
}

// ParseFormat accepts text (the default for an empty string) or json.
func ParseFormat(s string) (Format, error) {
	for _, f := range []Format{Text, JSON} {
		if v := strings.ToLower(strings.TrimSpace(s)); v == f.String() || (v == "" && f == Text) {
			return f, nil
		}
	}
	return Text, fmt.Errorf("unsupported log format %q", s)
}

// Field is a key/value pair attached to an entry.
type Field struct {
	Key   string
	Value any
}

// Logger is the leveled, structured logger passed through the engine.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

var (
	current  atomic.Pointer[Logger]
	fallback = New(Info, Text, io.Discard)
)

// Default returns the logger installed by SetDefault, or one that discards
// everything.
func Default() Logger {
	if l := current.Load(); l != nil {
		return *l
	}
	return fallback
}

// SetDefault installs l as the process-wide logger. nil is ignored.
func SetDefault(l Logger) {
	if l != nil {
		current.Store(&l)
	}
}

type zapLogger struct{ z *zap.Logger }

// New builds a Logger writing entries at or above level to out.
func New(level Level, format Format, out io.Writer) Logger {
	return FromCore(newCore(level, format, zapcore.AddSync(out)))
}

// FromCore adapts a zap core.
func FromCore(core zapcore.Core) Logger { return zapLogger{z: zap.New(core)} }

func newCore(level Level, format Format, ws zapcore.WriteSyncer) zapcore.Core {
	enc := zapcore.NewConsoleEncoder(newConsoleEncoderConfig())
	if format == JSON {
		enc = zapcore.NewJSONEncoder(newEncoderConfig())
	}
	return zapcore.NewCore(enc, ws, level.zapLevel())
}

func (l zapLogger) With(fields ...Field) Logger { return zapLogger{z: l.z.With(zapFields(fields)...)} }

func (l zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, zapFields(fields)...) }
func (l zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, zapFields(fields)...) }
func (l zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, zapFields(fields)...) }
func (l zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, zapFields(fields)...) }

// zapFields drops unnamed fields and renders errors as their message.
func zapFields(fields []Field) []zap.Field {
	zf := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		if err, ok := f.Value.(error); ok {
			zf = append(zf, zap.NamedError(f.Key, err))
		} else {
			zf = append(zf, zap.Any(f.Key, f.Value))
		}
	}
	return zf
}
