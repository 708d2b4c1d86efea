package util

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggerOptions struct {
	level       string
	development bool
	outputPaths []string
}

type LoggerOption func(*loggerOptions)

// WithLevel accepts a zap level name ("debug", "warn") or its numeric value.
func WithLevel(level string) LoggerOption {
	return func(o *loggerOptions) {
		o.level = level
	}
}

// WithDevelopment switches to the console encoder with stack traces on warnings.
func WithDevelopment(development bool) LoggerOption {
	return func(o *loggerOptions) {
		o.development = development
	}
}

func WithOutputPaths(paths ...string) LoggerOption {
	return func(o *loggerOptions) {
		o.outputPaths = paths
	}
}

func ParseLevel(level string) (zapcore.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	if n, err := strconv.Atoi(level); err == nil {
		l := zapcore.Level(n)
		if l < zapcore.DebugLevel || l > zapcore.FatalLevel {
			return zapcore.InfoLevel, fmt.Errorf("log level %d out of range", n)
		}
		return l, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

func initLogger(o *loggerOptions) (*zap.Logger, error) {
	level, err := ParseLevel(o.level)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	if o.development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.CallerKey = "ln"
	zapCfg.EncoderConfig.FunctionKey = ""
	zapCfg.EncoderConfig.LevelKey = "severity"
	zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}
	if len(o.outputPaths) > 0 {
		zapCfg.OutputPaths = o.outputPaths
	}

	return zapCfg.Build()
}

// NewLogger builds the process logger and installs it as the zap global.
// The returned func restores the previous globals and flushes the logger.
func NewLogger(opts ...LoggerOption) (*zap.Logger, func(), error) {
	o := &loggerOptions{level: "info"}
	for _, opt := range opts {
		opt(o)
	}

	logger, err := initLogger(o)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	undo := zap.ReplaceGlobals(logger)

	return logger, func() {
		undo()
		_ = logger.Sync()
	}, nil
}
