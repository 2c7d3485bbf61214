// Package logger centralizes zap configuration for the whole service.
// It exposes a process-wide logger with a dynamically adjustable level and
// pluggable output sinks, so the HTTP server, the cron jobs, and the
// transport adapters all share one configuration instead of constructing
// their own zap.Logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu           sync.Mutex
	log          *zap.Logger
	logLevel     = zap.NewAtomicLevelAt(zap.InfoLevel)
	encoderCfg   = defaultEncoderConfig()
	stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
	fileWriter   zapcore.WriteSyncer
	jsonOutput   bool
)

func defaultEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// rebuildLoggerLocked recreates the global logger from the current encoder,
// level and sink configuration. Caller must already hold mu.
func rebuildLoggerLocked() {
	var encoder zapcore.Encoder
	cfg := encoderCfg
	if jsonOutput {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	sinks := []zapcore.WriteSyncer{stdoutWriter}
	if fileWriter != nil {
		sinks = append(sinks, fileWriter)
	}
	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), logLevel)
	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(stderrWriter))
}

// Init configures the global logger's level ("debug", "info", "warn",
// "error"; case-insensitive, defaults to info) and output format.
func Init(level string, json bool) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(level) {
	case "debug":
		logLevel.SetLevel(zap.DebugLevel)
	case "warn":
		logLevel.SetLevel(zap.WarnLevel)
	case "error":
		logLevel.SetLevel(zap.ErrorLevel)
	default:
		logLevel.SetLevel(zap.InfoLevel)
	}

	jsonOutput = json
	encoderCfg = defaultEncoderConfig()
	rebuildLoggerLocked()
}

// EnableFileRotation adds a rotating file sink alongside stdout, using
// lumberjack for size/age-based rotation. Safe to call once at startup.
func EnableFileRotation(path string, maxSizeMB, maxBackups, maxAgeDays int) {
	mu.Lock()
	defer mu.Unlock()

	fileWriter = zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	})
	rebuildLoggerLocked()
}

// SetWriters overrides stdout/stderr sinks; nil restores the OS defaults.
func SetWriters(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if stdout == nil {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	} else {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(stdout))
	}
	if stderr == nil {
		stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
	} else {
		stderrWriter = zapcore.Lock(zapcore.AddSync(stderr))
	}
	rebuildLoggerLocked()
}

// Logger returns the shared zap.Logger, lazily building it on first use.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if log == nil {
		rebuildLoggerLocked()
	}
	return log
}

// IsDebugEnabled reports whether debug-level logging is currently active.
func IsDebugEnabled() bool { return Logger().Level() <= zap.DebugLevel }

func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Logger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Logger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }

func Fatal(msg string, fields ...zap.Field) {
	Logger().Fatal(msg, fields...)
	_ = Logger().Sync()
	os.Exit(1)
}

// Debugf/Infof/Warnf/Errorf are Sprintf-style escape hatches; prefer the
// structured-field variants above on hot paths.
func Debugf(msg string, a ...any) { Logger().Debug(fmt.Sprintf(msg, a...)) }
func Infof(msg string, a ...any)  { Logger().Info(fmt.Sprintf(msg, a...)) }
func Warnf(msg string, a ...any)  { Logger().Warn(fmt.Sprintf(msg, a...)) }
func Errorf(msg string, a ...any) { Logger().Error(fmt.Sprintf(msg, a...)) }
