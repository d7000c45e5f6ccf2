// Package log wraps a process-wide zap logger.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the configured verbosity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var (
	global   *zap.SugaredLogger
	globalMu sync.RWMutex
)

// Config holds logger configuration
type Config struct {
	Level  Level
	Format string // "console" or "json"
}

// DefaultConfig returns the default logger configuration
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Format: "console"}
}

// Init replaces the global logger.
func Init(cfg Config) {
	logger := build(cfg)

	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		_ = global.Sync()
	}
	global = logger
}

// Get returns the global logger, creating a default one on first use.
func Get() *zap.SugaredLogger {
	globalMu.RLock()
	logger := global
	globalMu.RUnlock()
	if logger != nil {
		return logger
	}

	created := build(DefaultConfig())

	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = created
	}
	return global
}

// SetForTest swaps the global logger and returns a restore func.
func SetForTest(l *zap.SugaredLogger) func() {
	globalMu.Lock()
	prev := global
	global = l
	globalMu.Unlock()

	return func() {
		globalMu.Lock()
		global = prev
		globalMu.Unlock()
	}
}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func build(cfg Config) *zap.SugaredLogger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), zapLevel(cfg.Level))
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)).Sugar()
}

// Debug logs a debug message with key/value pairs
func Debug(msg string, kv ...interface{}) { Get().Debugw(msg, kv...) }

// Info logs an info message with key/value pairs
func Info(msg string, kv ...interface{}) { Get().Infow(msg, kv...) }

// Warn logs a warning with key/value pairs
func Warn(msg string, kv ...interface{}) { Get().Warnw(msg, kv...) }

// Error logs an error with key/value pairs
func Error(msg string, kv ...interface{}) { Get().Errorw(msg, kv...) }

// With returns a child logger carrying the given fields
func With(kv ...interface{}) *zap.SugaredLogger {
	return Get().With(kv...).Desugar().WithOptions(zap.AddCallerSkip(-1)).Sugar()
}

// Sync flushes buffered entries.
func Sync() error {
	globalMu.RLock()
	logger := global
	globalMu.RUnlock()
	if logger != nil {
		return logger.Sync()
	}
	return nil
}
