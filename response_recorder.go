package idempotency

import "net/http"

// responseRecorder buffers a handler's response in memory instead of
// streaming it to the client, so the Middleware can hand a complete
// CapturedResponse to Tracker.Finalize before anything reaches the
// socket: a client disconnect mid-flush must not leave an Interrupted
// entry for a handler that actually completed.
type responseRecorder struct {
	header      http.Header
	status      int
	body        []byte
	wroteHeader bool
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), status: http.StatusOK}
}

// Header implements http.ResponseWriter.
func (r *responseRecorder) Header() http.Header {
	return r.header
}

// WriteHeader implements http.ResponseWriter. Only the first call takes
// effect, matching net/http's own semantics.
func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

// Write implements http.ResponseWriter, buffering into body. An implicit
// 200 is recorded if the handler never called WriteHeader, matching
// net/http.ResponseWriter's documented behavior.
func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body = append(r.body, p...)
	return len(p), nil
}

// captured snapshots the recorder into a CapturedResponse suitable for
// Tracker.Finalize and for replay.
func (r *responseRecorder) captured() CapturedResponse {
	headers := make(http.Header, len(r.header))
	for k, v := range r.header {
		vc := make([]string, len(v))
		copy(vc, v)
		headers[k] = vc
	}
	body := make([]byte, len(r.body))
	copy(body, r.body)
	return CapturedResponse{Status: r.status, Headers: headers, Body: body}
}
