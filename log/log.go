// Package log provides the logging helpers shared by spacedb components.
// Components log through *zap.Logger directly, this package only builds loggers and
// provides fields for the types that are logged everywhere.
package log

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// ConsoleEncoder logs with plain text.
	ConsoleEncoder = "console"
	// JSONEncoder logs with JSON.
	JSONEncoder = "json"
)

// where logs go by default.
var logWriter io.Writer = os.Stdout

// NewWithLevel creates a named logger with a fixed level and with a set of (optional) hooks.
func NewWithLevel(module string,
	level zap.AtomicLevel,
	encoder zapcore.Encoder,
	hooks ...func(zapcore.Entry) error,
) *zap.Logger {
	return newLogger(logWriter, module, level, encoder, hooks...)
}

func newLogger(w io.Writer,
	module string,
	level zap.AtomicLevel,
	encoder zapcore.Encoder,
	hooks ...func(zapcore.Entry) error,
) *zap.Logger {
	core := zapcore.NewCore(encoder, zapcore.AddSync(w), level)
	return zap.New(zapcore.RegisterHooks(core, hooks...)).Named(module)
}

// Encoder returns a zap encoder by its name.
func Encoder(name string) (zapcore.Encoder, error) {
	switch name {
	case "", ConsoleEncoder:
		return zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), nil
	case JSONEncoder:
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), nil
	default:
		return nil, fmt.Errorf("unknown log encoder %q", name)
	}
}

// ParseLevel parses a textual level, empty string means info.
func ParseLevel(lvl string) (zap.AtomicLevel, error) {
	if lvl == "" {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}
	level, err := zap.ParseAtomicLevel(lvl)
	if err != nil {
		return level, fmt.Errorf("parse log level %q: %w", lvl, err)
	}
	return level, nil
}
