package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/americana-market/api/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger constructs a production-ready zap logger emitting structured JSON.
func NewLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))); err != nil {
		// Fallback to default level when env var is unset or invalid.
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	encoderCfg := zapcore.EncoderConfig{
		MessageKey: "message",
		TimeKey:    "timestamp",
		LevelKey:   "severity",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(strings.ToUpper(level.String()))
		},
		CallerKey:     "caller",
		StacktraceKey: "stacktrace",
	}

	cfg := zap.Config{
		Level:             level,
		Encoding:          "json",
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     false,
		DisableStacktrace: true,
	}

	return cfg.Build()
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// EventLogger adapts zap to the event logger signature taken by services and providers. The
// request-scoped logger is preferred when present. Fields named "url" are stripped of query strings
// and credentials. Store and order ids recorded on the request scope fill in when the event
// does not name them itself.
func EventLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = base
		}
		zapFields := make([]zap.Field, 0, len(fields)+1)
		zapFields = append(zapFields, zap.String("event", event))
		severity := ""
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		zapFields = append(zapFields, missingScopeFields(ctx, fields)...)
		for _, key := range keys {
			value := fields[key]
			switch key {
			case "severity":
				severity, _ = value.(string)
				continue
			case "url":
				if raw, ok := value.(string); ok {
					value = SanitizeURL(raw)
				}
			}
			zapFields = append(zapFields, zap.Any(key, value))
		}
		switch {
		case severity == "error":
			logger.Error(event, zapFields...)
		case severity == "warn" || strings.HasSuffix(event, "_failed") || strings.HasSuffix(event, ".fallback"):
			logger.Warn(event, zapFields...)
		default:
			logger.Info(event, zapFields...)
		}
	}
}

// WithRequestFields augments the logger with standard request-scoped fields.
func WithRequestFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(fields...)
}

func missingScopeFields(ctx context.Context, fields map[string]any) []zap.Field {
	scoped := requestctx.ScopeFrom(ctx).Fields()
	var out []zap.Field
	if _, ok := fields["storeId"]; !ok && scoped.StoreID != "" {
		out = append(out, zap.String("storeId", scoped.StoreID))
	}
	if _, ok := fields["orderId"]; !ok && scoped.OrderID != "" {
		out = append(out, zap.String("orderId", scoped.OrderID))
	}
	return out
}
