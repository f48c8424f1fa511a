// Package logger builds the process-wide zap logger and carries trace IDs
// through context.Context so request and connection logs can be correlated.
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

// Init creates a structured logger for the given service and installs it as
// the zap global. format is "json" (production) or "console" (development).
// An unknown level falls back to info.
func Init(service, level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if strings.EqualFold(format, "console") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = true
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = zapcore.InfoLevel
		}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build(zap.Fields(zap.String("service", service)))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	zap.ReplaceGlobals(l)
	return l, nil
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

// GenerateTraceID creates a trace ID from a prefix and timestamp.
// Format: "{prefix}-{unixNano}".
func GenerateTraceID(prefix string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", prefix, ts.UnixNano())
}

// TraceFields returns the trace_id field from ctx, or nil if none is set.
// Usage: log.Info("msg", logger.TraceFields(ctx)...)
func TraceFields(ctx context.Context) []zap.Field {
	tid := TraceID(ctx)
	if tid == "" {
		return nil
	}
	return []zap.Field{zap.String("trace_id", tid)}
}

// ConnID is the field used for every per-connection log line.
func ConnID(id string) zap.Field {
	return zap.String("conn_id", id)
}
