package idempotency

import (
	"net/http"
	"time"
)

// State is the lifecycle stage of a CacheEntry.
type State int

const (
	StateProcessing State = iota
	StateCompleted
	StateInterrupted
)

// String renders State for logs and metrics labels.
func (s State) String() string {
	switch s {
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// CapturedResponse is the buffered response handed to Tracker.Finalize
// and served back verbatim on Replay. It must be captured before it's
// flushed to the client's socket: a disconnect mid-flush must not leave
// an Interrupted entry despite the handler having completed.
type CapturedResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Clone returns a deep copy so a replayed response can't be mutated by a
// caller holding a reference into the Store's internal state.
func (r CapturedResponse) Clone() CapturedResponse {
	headers := make(http.Header, len(r.Headers))
	for k, v := range r.Headers {
		vc := make([]string, len(v))
		copy(vc, v)
		headers[k] = vc
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return CapturedResponse{Status: r.Status, Headers: headers, Body: body}
}

// CacheEntry is the Store's per-RequestID record. Response is only
// meaningful when State is StateCompleted.
type CacheEntry struct {
	State       State
	Fingerprint Fingerprint
	ExpiresAt   time.Time
	Response    CapturedResponse
}
