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
    if os.Getenv("GOSSIP_LOG_JSON") == "1" || os.Getenv("GOSSIP_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
}

// SetJSON forces JSON encoding for loggers built afterwards.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// Options controls logger construction. Level accepts zap level names
// ("debug", "info", "warn", "error"); empty means info.
type Options struct {
    Level string
    JSON  bool
}

// New builds a zap logger. Console encoding is used unless JSON was requested
// through Options or the GOSSIP_LOG_JSON / GOSSIP_LOG_FORMAT environment.
func New(opts Options) (*zap.Logger, error) {
    lvl := zap.NewAtomicLevelAt(zapcore.InfoLevel)
    if s := strings.TrimSpace(opts.Level); s != "" {
        parsed, err := zap.ParseAtomicLevel(strings.ToLower(s))
        if err != nil { return nil, err }
        lvl = parsed
    }
    var cfg zap.Config
    if opts.JSON || jsonMode.Load() {
        cfg = zap.NewProductionConfig()
        cfg.EncoderConfig.TimeKey = "ts"
        cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
    } else {
        cfg = zap.NewDevelopmentConfig()
        cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
        cfg.Development = false
    }
    cfg.Level = lvl
    cfg.DisableStacktrace = true
    return cfg.Build()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
    if l == nil { return zap.NewNop() }
    return l
}

// Std bridges a zap logger to the standard library logger for dependencies
// that only accept *log.Logger (memberlist).
func Std(l *zap.Logger, name string) *log.Logger {
    l = OrNop(l)
    if name != "" { l = l.Named(name) }
    return zap.NewStdLog(l)
}
