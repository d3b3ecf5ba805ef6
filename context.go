package idempotency

import "context"

type contextKey string

// idempotencyContextKey defines which key to use for context.Context.
var idempotencyContextKey contextKey = "idempotency-key"

// correlationContextKey carries a per-request correlation id, independent
// of the idempotency key, so logs and traces can be joined across retries
// that reuse the same Idempotency-Key.
var correlationContextKey contextKey = "idempotency-correlation-id"

// NewContext returns a new Context that carries value idempotencyKey.
func NewContext(ctx context.Context, idempotencyKey string) context.Context {
	return context.WithValue(ctx, idempotencyContextKey, idempotencyKey)
}

// FromContext returns the Idempotency Key value stored in ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyContextKey).(string)
	return key, ok
}

// NewCorrelationContext returns a new Context carrying a correlation id,
// used to tie together log lines and trace spans for the same inbound
// request regardless of how many times its Idempotency-Key is retried.
func NewCorrelationContext(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationContextKey, correlationID)
}

// CorrelationFromContext returns the correlation id stored in ctx, if any.
func CorrelationFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationContextKey).(string)
	return id, ok
}
