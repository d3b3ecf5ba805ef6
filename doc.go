/*
Package idempotency implements the Idempotency-Key HTTP Header described in
the draft-ietf-httpapi-idempotency-key-header-00 RFC.

See: https://datatracker.ietf.org/doc/html/draft-ietf-httpapi-idempotency-key-header

Note that the RFC is a draft and some assumptions will be made along the way.

The package aims to implement a way to use a net/http handler that will check
the Idempotency-Key header and determine what action to do. The client is
responsible of sending a unique value of the Idempotency-Key header,
recommended values are UUIDs.

A client retrying a non-idempotent request after a network failure is the
motivating case: the Tracker makes sure a given key is ever executed once.
Concurrent retries either wait on the in-flight attempt and replay its
result, are told the key is still being processed, get the stored reply
once it's done, or — if the first attempt crashed mid-flight — are told
the outcome is unknown rather than being re-executed.

The moving parts, leaves first:

  - Store: a key -> (state, fingerprint, expiry) map. NewMemoryStore is
    the default; NewRedisStore is a drop-in replacement for multi-process
    deployments.
  - the builder registry (unexported): tracks which keys currently have
    an in-flight builder and lets callers wait for it to finish or
    observe it dying.
  - Tracker: glues the Store and the registry into the state machine
    documented on Track and Finalize.
  - Middleware: a net/http adapter that extracts the header, fingerprints
    the request, drives the Tracker, and renders the outcome as JSON.
*/
package idempotency
