package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Context keys for call-scoped log fields.
type contextKey string

const (
	// CallIDKey is the context key for call IDs.
	CallIDKey contextKey = "call_id"

	// IdentityKey is the context key for caller identities.
	IdentityKey contextKey = "identity"

	// SessionKey is the context key for session identifiers.
	SessionKey contextKey = "session"

	// ModelKey is the context key for model names.
	ModelKey contextKey = "model"

	// RoutingPolicyKey is the context key for routing policy IDs.
	RoutingPolicyKey contextKey = "routing_policy"

	// RequestIDKey is the context key for HTTP request IDs.
	RequestIDKey contextKey = "request_id"
)

// fieldKeys lists the keys lifted into log records, in output order.
var fieldKeys = []contextKey{
	RequestIDKey,
	CallIDKey,
	IdentityKey,
	SessionKey,
	ModelKey,
	RoutingPolicyKey,
}

// WithCallID adds a call ID to the context.
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, CallIDKey, callID)
}

// GetCallID retrieves the call ID from the context.
func GetCallID(ctx context.Context) string {
	return get(ctx, CallIDKey)
}

// WithIdentity adds a caller identity to the context.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// GetIdentity retrieves the caller identity from the context.
func GetIdentity(ctx context.Context) string {
	return get(ctx, IdentityKey)
}

// WithSession adds a session identifier to the context.
func WithSession(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, SessionKey, session)
}

// GetSession retrieves the session identifier from the context.
func GetSession(ctx context.Context) string {
	return get(ctx, SessionKey)
}

// WithModel adds a model name to the context.
func WithModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, ModelKey, model)
}

// GetModel retrieves the model name from the context.
func GetModel(ctx context.Context) string {
	return get(ctx, ModelKey)
}

// WithRoutingPolicy adds a routing policy ID to the context.
func WithRoutingPolicy(ctx context.Context, policyID string) context.Context {
	return context.WithValue(ctx, RoutingPolicyKey, policyID)
}

// GetRoutingPolicy retrieves the routing policy ID from the context.
func GetRoutingPolicy(ctx context.Context) string {
	return get(ctx, RoutingPolicyKey)
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	return get(ctx, RequestIDKey)
}

// CallFields describes a call for WithCall.
type CallFields struct {
	CallID        string
	Identity      string
	Session       string
	Model         string
	RoutingPolicy string
}

// WithCall adds every non-empty call field to the context.
func WithCall(ctx context.Context, f CallFields) context.Context {
	set := func(k contextKey, v string) {
		if v != "" {
			ctx = context.WithValue(ctx, k, v)
		}
	}
	set(CallIDKey, f.CallID)
	set(IdentityKey, f.Identity)
	set(SessionKey, f.Session)
	set(ModelKey, f.Model)
	set(RoutingPolicyKey, f.RoutingPolicy)
	return ctx
}

func get(ctx context.Context, k contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(k).(string); ok {
		return v
	}
	return ""
}

// extractContextFields extracts call fields from context for logging.
// Returns a slice of key-value pairs suitable for logger.With().
func extractContextFields(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var fields []any
	for _, k := range fieldKeys {
		if v := get(ctx, k); v != "" {
			fields = append(fields, string(k), v)
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	return fields
}
