package logutil

import (
    "testing"

    "go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
    l, err := New(Options{Level: "debug"})
    if err != nil { t.Fatalf("new: %v", err) }
    if !l.Core().Enabled(zapcore.DebugLevel) { t.Fatalf("debug should be enabled") }

    l, err = New(Options{Level: "WARN", JSON: true})
    if err != nil { t.Fatalf("new json: %v", err) }
    if l.Core().Enabled(zapcore.InfoLevel) { t.Fatalf("info should be disabled at warn level") }

    if _, err := New(Options{Level: "loud"}); err == nil {
        t.Fatalf("expected error for unknown level")
    }
}

func TestOrNopAndStd(t *testing.T) {
    if OrNop(nil) == nil { t.Fatalf("OrNop returned nil") }
    if Std(nil, "memberlist") == nil { t.Fatalf("Std returned nil") }
}
