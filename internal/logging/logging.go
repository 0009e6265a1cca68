// Package logging builds the zap loggers used by the node and the client CLI.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects level and encoding. Encoding is "json" (default) or
// "console".
type Options struct {
	Level      string
	Encoding   string
	InstanceID string
}

// NewLogger builds a JSON zap logger with the provided level string.
func NewLogger(level string) (*zap.Logger, error) {
	return New(Options{Level: level})
}

// New builds a structured zap logger. A non-empty InstanceID is attached to
// every entry.
func New(opts Options) (*zap.Logger, error) {
	lower := strings.ToLower(strings.TrimSpace(opts.Level))
	if lower == "" {
		lower = "info"
	}
	var zapLevel zapcore.Level
	if err := zapLevel.Set(lower); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	switch strings.ToLower(opts.Encoding) {
	case "", "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("invalid log encoding %q", opts.Encoding)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "msg"
	if opts.InstanceID != "" {
		cfg.InitialFields = map[string]interface{}{"instance_id": opts.InstanceID}
	}

	return cfg.Build()
}
