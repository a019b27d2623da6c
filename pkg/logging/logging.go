// Package logging provides the daemon's structured logger.
//
// All packages obtain subsystem-scoped loggers via For. The daemon root
// calls Init once at startup; before that, loggers write to stderr at info
// level so early failures are still visible.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger initialization.
type Options struct {
	// Level is one of "debug", "info", "warn", "error". Empty means info.
	Level string

	// FilePath, when set, appends JSON-encoded entries to the given file.
	FilePath string

	// Console, when true, also writes human-readable entries to stderr.
	Console bool
}

var (
	mu   sync.RWMutex
	root = newFallback()
)

func newFallback() *zap.Logger {
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zapcore.InfoLevel)
	return zap.New(core)
}

// ParseLevel converts a level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Init configures the global logger. It is called once by the daemon root;
// later calls replace the previous configuration.
func Init(opts Options) error {
	level := ParseLevel(opts.Level)

	var cores []zapcore.Core
	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening daemon log %s: %w", opts.FilePath, err)
		}
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(f), level))
	}
	if opts.Console || opts.FilePath == "" {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))

	mu.Lock()
	root = logger
	mu.Unlock()
	return nil
}

// For returns a sugared logger scoped to the given subsystem.
func For(subsystem string) *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Sugar().Named(subsystem)
}

// Sync flushes buffered log entries. Errors from syncing stderr are ignored.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
