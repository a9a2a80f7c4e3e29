package logger

import (
    "os"
    "sort"
    "strings"
    "sync/atomic"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
)

// Logging is process-wide: services emit named events ("mempool_broadcast",
// "service_op", ...) with a flat field map, mirroring the metrics families.

var (
    level = zap.NewAtomicLevelAt(levelFromEnv())
    base  atomic.Pointer[zap.Logger]
)

func init() { base.Store(build(os.Stdout)) }

func build(w zapcore.WriteSyncer) *zap.Logger {
    enc := zap.NewProductionEncoderConfig()
    enc.TimeKey = "ts"
    enc.MessageKey = "event"
    enc.EncodeTime = zapcore.ISO8601TimeEncoder
    core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(w), level)
    return zap.New(core)
}

func levelFromEnv() zapcore.Level {
    lv, err := zapcore.ParseLevel(strings.TrimSpace(os.Getenv("AEQUA_LOG_LEVEL")))
    if err != nil {
        return zapcore.InfoLevel
    }
    return lv
}

// SetLevel changes the minimum level ("debug", "info", "warn", "error").
// Unknown names are ignored.
func SetLevel(name string) {
    if lv, err := zapcore.ParseLevel(name); err == nil {
        level.SetLevel(lv)
    }
}

// SetOutput redirects all subsequent log lines to w (tests, file sinks).
func SetOutput(w zapcore.WriteSyncer) { base.Store(build(w)) }

// L exposes the underlying zap logger for callers needing zap fields directly.
func L() *zap.Logger { return base.Load() }

// Sync flushes buffered entries.
func Sync() error { return base.Load().Sync() }

func Debug(msg string) { base.Load().Debug(msg) }
func Info(msg string)  { base.Load().Info(msg) }
func Warn(msg string)  { base.Load().Warn(msg) }
func Error(msg string) { base.Load().Error(msg) }

// DebugJ logs a structured event at debug level.
func DebugJ(event string, fields map[string]any) { base.Load().Debug(event, toFields(fields)...) }

// InfoJ logs a structured event at info level.
func InfoJ(event string, fields map[string]any) { base.Load().Info(event, toFields(fields)...) }

// WarnJ logs a structured event at warn level.
func WarnJ(event string, fields map[string]any) { base.Load().Warn(event, toFields(fields)...) }

// ErrorJ logs a structured event at error level.
func ErrorJ(event string, fields map[string]any) { base.Load().Error(event, toFields(fields)...) }

// toFields converts the map into zap fields sorted by key so that lines are
// stable across runs.
func toFields(m map[string]any) []zap.Field {
    if len(m) == 0 {
        return nil
    }
    keys := make([]string, 0, len(m))
    for k := range m {
        keys = append(keys, k)
    }
    sort.Strings(keys)
    out := make([]zap.Field, 0, len(keys))
    for _, k := range keys {
        out = append(out, zap.Any(k, m[k]))
    }
    return out
}
