// Package logger builds the process-wide zap logger and carries per-tick
// trace ids through context.Context.
package logger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Init creates a JSON production logger tagged with the service name and
// installs it as the zap global logger. Unknown levels fall back to info.
func Init(service, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := cfg.Build(zap.Fields(zap.String("service", service)))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(log)
	return log, nil
}

// ParseLevel maps LOG_LEVEL strings to zap levels.
func ParseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTraceID creates a trace ID from a tag and timestamp: "{tag}-{unixNano}".
func GenerateTraceID(tag string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", tag, ts.UnixNano())
}

// Fields returns the zap fields carried by ctx.
// Usage: log.Info("msg", logger.Fields(ctx)...)
func Fields(ctx context.Context) []zap.Field {
	tid := TraceID(ctx)
	if tid == "" {
		return nil
	}
	return []zap.Field{zap.String("trace_id", tid)}
}

// With returns log enriched with the trace id in ctx, if any.
func With(ctx context.Context, log *zap.Logger) *zap.Logger {
	if f := Fields(ctx); f != nil {
		return log.With(f...)
	}
	return log
}
