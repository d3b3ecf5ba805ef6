package idempotency

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// headerIdempotencyKey is the header name this Middleware inspects and
// requires, per the draft-ietf-httpapi-idempotency-key-header RFC.
const headerIdempotencyKey = "Idempotency-Key"

// Middleware is the net/http adapter: it extracts the Idempotency-Key
// header, fingerprints the request, drives a Tracker, and renders the
// outcome back onto the wire.
type Middleware struct {
	tracker           *Tracker
	idempotentMethods map[string]bool
	errorHandler      ErrorHandler
	transform         Transform
	logger            *slog.Logger
}

// MiddlewareOption configures a Middleware at construction time.
type MiddlewareOption func(*Middleware)

// WithIdempotentMethods overrides the set of methods the Middleware
// bypasses entirely. Default is GET, HEAD.
func WithIdempotentMethods(methods ...string) MiddlewareOption {
	return func(m *Middleware) {
		set := make(map[string]bool, len(methods))
		for _, meth := range methods {
			set[meth] = true
		}
		m.idempotentMethods = set
	}
}

// WithErrorHandler overrides the default JSON error renderer.
func WithErrorHandler(h ErrorHandler) MiddlewareOption {
	return func(m *Middleware) { m.errorHandler = h }
}

// WithKeyTransform scopes the raw Idempotency-Key header value before
// it's hashed into a RequestID, e.g. to namespace keys per authenticated
// caller.
func WithKeyTransform(t Transform) MiddlewareOption {
	return func(m *Middleware) { m.transform = t }
}

// WithLogger attaches a logger the Middleware uses for unexpected
// (Fatal-class) failures. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) MiddlewareOption {
	return func(m *Middleware) { m.logger = logger }
}

// NewMiddleware builds a Middleware around an existing Tracker.
func NewMiddleware(tracker *Tracker, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		tracker:           tracker,
		idempotentMethods: map[string]bool{http.MethodGet: true, http.MethodHead: true},
		errorHandler:      defaultErrorHandler,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap adapts next into an idempotency-enforcing http.Handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.idempotentMethods[r.Method] {
			next.ServeHTTP(w, r)
			return
		}

		keys := r.Header.Values(headerIdempotencyKey)
		switch len(keys) {
		case 0:
			m.errorHandler(w, r, http.StatusBadRequest, MessageMissingKey)
			return
		case 1:
			// fallthrough below
		default:
			m.errorHandler(w, r, http.StatusBadRequest, MessageMultipleKey)
			return
		}

		body, err := readAndRestoreBody(r)
		if err != nil {
			m.logger.ErrorContext(r.Context(), "idempotency: read body", "error", err)
			m.errorHandler(w, r, http.StatusInternalServerError, MessageInternal)
			return
		}

		id := NewRequestID(keys[0], m.transform)
		fp := NewFingerprint(r.Method, r.URL.Path, r.URL.Query(), body)

		outcome, err := m.tracker.Track(r.Context(), id, fp)
		if err != nil {
			m.logger.ErrorContext(r.Context(), "idempotency: track", "request_id", id, "error", err)
			m.errorHandler(w, r, http.StatusInternalServerError, MessageInternal)
			return
		}

		switch outcome.Kind {
		case Proceed:
			m.serveAndFinalize(w, r, next, id)
		case Replay:
			writeExpires(w, outcome.ExpiresAt)
			writeCaptured(w, outcome.Response)
		case Conflict:
			m.errorHandler(w, r, http.StatusConflict, MessageConflict)
		case Mismatch:
			m.errorHandler(w, r, http.StatusUnprocessableEntity, MessageMismatch)
		case Interrupted:
			writeExpires(w, outcome.ExpiresAt)
			m.errorHandler(w, r, http.StatusInternalServerError, MessageInterrupted)
		default:
			m.logger.ErrorContext(r.Context(), "idempotency: unknown outcome", "kind", outcome.Kind)
			m.errorHandler(w, r, http.StatusInternalServerError, MessageInternal)
		}
	})
}

// serveAndFinalize runs the admitted handler against a buffering
// recorder, finalizes the tracker entry with the captured response, and
// only then emits anything to the real client -- so a client disconnect
// mid-write can never be confused with the handler having crashed. If
// next panics, the registry's liveness observer must still see the
// death: recover, report it, and re-panic so the
// surrounding server stack (e.g. net/http's own recovery) behaves as it
// would have without this middleware in the chain.
func (m *Middleware) serveAndFinalize(w http.ResponseWriter, r *http.Request, next http.Handler, id RequestID) {
	rec := newResponseRecorder()

	defer func() {
		if p := recover(); p != nil {
			if err := m.tracker.ReportCrash(r.Context(), id); err != nil {
				m.logger.ErrorContext(r.Context(), "idempotency: report crash", "request_id", id, "error", err)
			}
			panic(p)
		}
	}()

	next.ServeHTTP(rec, r)

	response := rec.captured()
	expiresAt, err := m.tracker.Finalize(r.Context(), id, response)
	if err != nil {
		m.logger.ErrorContext(r.Context(), "idempotency: finalize", "request_id", id, "error", err)
		m.errorHandler(w, r, http.StatusInternalServerError, MessageInternal)
		return
	}

	writeExpires(w, expiresAt)
	writeCaptured(w, response)
}

func writeExpires(w http.ResponseWriter, expiresAt time.Time) {
	if expiresAt.IsZero() {
		return
	}
	w.Header().Set("Expires", expiresAt.UTC().Format(http.TimeFormat))
}

func writeCaptured(w http.ResponseWriter, response CapturedResponse) {
	dst := w.Header()
	for k, v := range response.Headers {
		dst[k] = v
	}
	w.WriteHeader(response.Status)
	_, _ = w.Write(response.Body)
}

// readAndRestoreBody drains r.Body for fingerprinting and replaces it
// with a fresh reader so the downstream handler can still read it.
func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
