package requestctx

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerContextKey contextKey = "github.com/americana-market/api/internal/platform/requestctx/logger"
	traceContextKey  contextKey = "github.com/americana-market/api/internal/platform/requestctx/trace"
	scopeContextKey  contextKey = "github.com/americana-market/api/internal/platform/requestctx/scope"
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance used across the package.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores the trace metadata on the context for downstream usage.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceContextKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	if !ok {
		return TraceInfo{}, false
	}
	return info, true
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, ok := Trace(ctx)
	if !ok {
		return ""
	}
	return info.TraceID
}

// ScopeFields names the marketplace records a request touched.
type ScopeFields struct {
	StoreID  string
	OrderID  string
	Provider string
}

// Scope is filled in by handlers once routing and decoding have identified the store, order or
// payment provider involved. Middleware created it earlier and reads it when the request
// completes, so the completion log line and the server span carry the ids.
type Scope struct {
	mu     sync.Mutex
	fields ScopeFields
}

// Fields returns a copy of the identifiers recorded so far.
func (s *Scope) Fields() ScopeFields {
	if s == nil {
		return ScopeFields{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fields
}

// WithScope attaches an empty scope unless the context already carries one.
func WithScope(ctx context.Context) (context.Context, *Scope) {
	if ctx == nil {
		ctx = context.Background()
	}
	if scope := ScopeFrom(ctx); scope != nil {
		return ctx, scope
	}
	scope := &Scope{}
	return context.WithValue(ctx, scopeContextKey, scope), scope
}

// ScopeFrom returns the request scope or nil outside a request.
func ScopeFrom(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	scope, _ := ctx.Value(scopeContextKey).(*Scope)
	return scope
}

// SetStoreID records the store a request acts on. Blank values are ignored.
func SetStoreID(ctx context.Context, storeID string) {
	setScope(ctx, func(f *ScopeFields, v string) { f.StoreID = v }, storeID)
}

// SetOrderID records the order a request acts on. Blank values are ignored.
func SetOrderID(ctx context.Context, orderID string) {
	setScope(ctx, func(f *ScopeFields, v string) { f.OrderID = v }, orderID)
}

// SetProvider records the payment or shipping provider a webhook came from.
func SetProvider(ctx context.Context, provider string) {
	setScope(ctx, func(f *ScopeFields, v string) { f.Provider = v }, strings.ToLower(provider))
}

func setScope(ctx context.Context, apply func(*ScopeFields, string), value string) {
	value = strings.TrimSpace(value)
	scope := ScopeFrom(ctx)
	if scope == nil || value == "" {
		return
	}
	scope.mu.Lock()
	apply(&scope.fields, value)
	scope.mu.Unlock()
}
