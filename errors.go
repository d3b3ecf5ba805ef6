package idempotency

import "errors"

// Store-level sentinel errors. These are internal invariant violations
// when they occur during normal operation -- the Tracker's state machine
// is designed to prevent them -- and are surfaced by the Middleware as
// 500-class failures with a generic message.
var (
	ErrNotFound      = errors.New("idempotency: request id not found")
	ErrAlreadyExists = errors.New("idempotency: request id already exists")
	ErrMissingConfig = errors.New("idempotency: missing required config")
)

// ErrBuilderAlreadyRegistered is returned by the registry when two
// builders race to register the same RequestID. Admission is supposed to
// serialize before registration is ever attempted twice, so a caller
// seeing this has hit a fatal invariant violation, not a retryable
// condition.
var ErrBuilderAlreadyRegistered = errors.New("idempotency: builder already registered for request id")
