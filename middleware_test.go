package idempotency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMiddleware(opts ...MiddlewareOption) *Middleware {
	tr := NewTracker(NewMemoryStore(), WithMaxConcurrentWait(50*time.Millisecond))
	return NewMiddleware(tr, opts...)
}

func TestMiddlewareFirstUse(t *testing.T) {
	mw := newTestMiddleware()
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/my/path", strings.NewReader(`{"a":1,"b":2}`))
	req.Header.Set("Idempotency-Key", "key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Expires"))
}

func TestMiddlewareCachedReplay(t *testing.T) {
	mw := newTestMiddleware()
	calls := 0
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("x-header-key", "header-value")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("OTHER"))
	}))

	body := `{"a":1,"b":2}`
	firstReq := httptest.NewRequest(http.MethodPost, "/my/path", strings.NewReader(body))
	firstReq.Header.Set("Idempotency-Key", "key")
	firstRec := httptest.NewRecorder()
	handler.ServeHTTP(firstRec, firstReq)
	firstExpires := firstRec.Header().Get("Expires")

	secondReq := httptest.NewRequest(http.MethodPost, "/my/path", strings.NewReader(body))
	secondReq.Header.Set("Idempotency-Key", "key")
	secondRec := httptest.NewRecorder()
	handler.ServeHTTP(secondRec, secondReq)

	assert.Equal(t, 1, calls, "the handler must only run once")
	assert.Equal(t, http.StatusCreated, secondRec.Code)
	assert.Equal(t, "OTHER", secondRec.Body.String())
	assert.Equal(t, "header-value", secondRec.Header().Get("x-header-key"))
	assert.Equal(t, firstExpires, secondRec.Header().Get("Expires"))
}

func TestMiddlewareMismatch(t *testing.T) {
	mw := newTestMiddleware()
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	firstReq := httptest.NewRequest(http.MethodPost, "/my/path", strings.NewReader(`{"a":1,"b":2}`))
	firstReq.Header.Set("Idempotency-Key", "key")
	handler.ServeHTTP(httptest.NewRecorder(), firstReq)

	secondReq := httptest.NewRequest(http.MethodPost, "/my/path", strings.NewReader(`{"other_key":"1"}`))
	secondReq.Header.Set("Idempotency-Key", "key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, secondReq)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "can't be reused with a different payload or URI")
}

func TestMiddlewareConcurrentDuplicateConflicts(t *testing.T) {
	mw := newTestMiddleware()
	release := make(chan struct{})
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/my/path", strings.NewReader(`{"a":1}`))
		req.Header.Set("Idempotency-Key", "key")
		return req
	}

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newReq())
		firstDone <- rec
	}()

	time.Sleep(10 * time.Millisecond)
	secondRec := httptest.NewRecorder()
	handler.ServeHTTP(secondRec, newReq())
	assert.Equal(t, http.StatusConflict, secondRec.Code)
	assert.Contains(t, secondRec.Body.String(), "currently being processed")

	close(release)
	firstRec := <-firstDone
	assert.Equal(t, http.StatusOK, firstRec.Code)

	thirdRec := httptest.NewRecorder()
	handler.ServeHTTP(thirdRec, newReq())
	assert.Equal(t, http.StatusOK, thirdRec.Code)
}

func TestMiddlewareCrashRecovery(t *testing.T) {
	mw := newTestMiddleware()
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodPost, "/my/path", strings.NewReader(`{"a":1}`))
	req.Header.Set("Idempotency-Key", "key")
	rec := httptest.NewRecorder()

	func() {
		defer func() { _ = recover() }()
		handler.ServeHTTP(rec, req)
	}()

	secondReq := httptest.NewRequest(http.MethodPost, "/my/path", strings.NewReader(`{"a":1}`))
	secondReq.Header.Set("Idempotency-Key", "key")
	secondRec := httptest.NewRecorder()
	handler.ServeHTTP(secondRec, secondReq)

	assert.Equal(t, http.StatusInternalServerError, secondRec.Code)
	assert.Contains(t, secondRec.Body.String(), "interrupted and can't be recovered")
	assert.NotEmpty(t, secondRec.Header().Get("Expires"))
}

func TestMiddlewareMissingAndDuplicateHeader(t *testing.T) {
	mw := newTestMiddleware()
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}))

	t.Run("missing key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/my/path", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "No idempotency key found.")
	})

	t.Run("duplicate key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/my/path", nil)
		req.Header.Add("Idempotency-Key", "a")
		req.Header.Add("Idempotency-Key", "b")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Only one")
	})

	t.Run("bypassed GET", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/my/path", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Expires"))
	})
}

func TestMiddlewareKeyTransformScopesByTenant(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	seen := map[string]bool{}
	transform := func(raw string) string {
		return "tenant-a:" + raw
	}
	mw := NewMiddleware(tr, WithKeyTransform(transform))
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen[r.Header.Get("Idempotency-Key")] = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/my/path", strings.NewReader("body"))
	req.Header.Set("Idempotency-Key", "key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, seen["key"])

	_, err := tr.store.Lookup(context.Background(), NewRequestID("key", transform))
	assert.NoError(t, err, "the entry must be stored under the tenant-scoped RequestID")
	_, err = tr.store.Lookup(context.Background(), NewRequestID("key", nil))
	assert.ErrorIs(t, err, ErrNotFound, "the unscoped RequestID must not be used")
}
