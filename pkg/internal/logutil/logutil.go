package logutil

import (
    "log"
    "os"
    "strings"
    "sync/atomic"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
)

var jsonMode atomic.Bool

func init() {
    if os.Getenv("CLUSTER_LOG_JSON") == "1" || os.Getenv("CLUSTER_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
}

// SetJSON forces JSON encoding for loggers built by New.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// New builds a zap logger at the given level ("debug", "info", "warn", "error").
// Output is console-encoded unless json is set or JSON mode was enabled via env.
func New(level string, json bool) (*zap.Logger, error) {
    lvl := zap.NewAtomicLevel()
    if level != "" {
        if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil { return nil, err }
    }
    cfg := zap.NewProductionConfig()
    cfg.Level = lvl
    cfg.Sampling = nil
    cfg.EncoderConfig.TimeKey = "ts"
    cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
    if !json && !jsonMode.Load() {
        cfg.Encoding = "console"
        cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
    }
    return cfg.Build()
}

// StdLog adapts l for libraries that want a *log.Logger (raft transports,
// memberlist). Lines are emitted at debug level under the given name.
func StdLog(l *zap.Logger, name string) *log.Logger {
    if l == nil { l = zap.L() }
    std, err := zap.NewStdLogAt(l.Named(name), zapcore.DebugLevel)
    if err != nil { return zap.NewStdLog(l.Named(name)) }
    return std
}

func Debugf(l *zap.Logger, f string, args ...any) { sugar(l).Debugf(f, args...) }
func Infof(l *zap.Logger, f string, args ...any)  { sugar(l).Infof(f, args...) }
func Warnf(l *zap.Logger, f string, args ...any)  { sugar(l).Warnf(f, args...) }
func Errorf(l *zap.Logger, f string, args ...any) { sugar(l).Errorf(f, args...) }

func sugar(l *zap.Logger) *zap.SugaredLogger {
    if l == nil { l = zap.L() }
    return l.WithOptions(zap.AddCallerSkip(1)).Sugar()
}
