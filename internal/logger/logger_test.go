package logger

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInit(t *testing.T) {
	log, err := Init("autoexit-test", "debug")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if log == nil {
		t.Fatal("expected non-nil logger")
	}
	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Error("expected debug level to be enabled")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id, got %q", tid)
	}

	ctx = WithTraceID(ctx, "tick-123")
	if tid := TraceID(ctx); tid != "tick-123" {
		t.Errorf("expected 'tick-123', got %q", tid)
	}
}

func TestGenerateTraceID(t *testing.T) {
	ts := time.Date(2026, 10, 19, 10, 30, 0, 123456789, time.UTC)
	tid := GenerateTraceID("tick", ts)

	if !strings.HasPrefix(tid, "tick-") {
		t.Errorf("expected trace id to start with 'tick-', got %s", tid)
	}
	if !strings.Contains(tid, "123456789") {
		t.Errorf("expected trace id to contain nanoseconds, got %s", tid)
	}
}

func TestWith_AddsTraceField(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	With(context.Background(), base).Info("plain")
	With(WithTraceID(context.Background(), "tick-1"), base).Info("traced")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if _, ok := entries[0].ContextMap()["trace_id"]; ok {
		t.Error("plain entry should not carry trace_id")
	}
	if got := entries[1].ContextMap()["trace_id"]; got != "tick-1" {
		t.Errorf("trace_id = %v, want tick-1", got)
	}
}
