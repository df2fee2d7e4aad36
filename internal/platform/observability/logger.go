package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jbites/api/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger builds a JSON zap logger whose keys match Cloud Logging's structured format.
func NewLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))); err != nil {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	cfg := zap.Config{
		Level:    level,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
			EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(strings.ToUpper(level.String()))
			},
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// FromContext returns the request logger stored on ctx.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// EventLogger is the logging hook accepted by the service layer.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

// NewEventLogger adapts zap to the service layer's event logging hook. The
// request scoped logger is preferred over base when one is on the context.
// Events ending in ".failed", ".error" or carrying an "anomaly" field log at warn.
func NewEventLogger(base *zap.Logger) EventLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = base
		}
		zf := make([]zap.Field, 0, len(fields)+1)
		zf = append(zf, zap.String("event", event))
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		warn := false
		for _, k := range keys {
			v := fields[k]
			if k == "anomaly" {
				warn = true
			}
			if err, ok := v.(error); ok {
				zf = append(zf, zap.NamedError(k, err))
				warn = true
				continue
			}
			zf = append(zf, zap.Any(k, v))
		}
		if warn || strings.HasSuffix(event, ".failed") || strings.HasSuffix(event, ".error") {
			logger.Warn(event, zf...)
			return
		}
		logger.Info(event, zf...)
	}
}
