package idempotency

import (
	"context"
	"sync"
	"time"
)

// waitOutcome is the result of registry.waitFor: finished, still
// running, or died.
type waitOutcome int

const (
	waitFinished waitOutcome = iota
	waitStillRunning
	waitDied
)

// builderRecord is the registry-only record for one in-flight builder.
// It is never persisted.
type builderRecord struct {
	done    chan struct{}
	once    sync.Once
	outcome Outcome
	died    bool
}

// registry is the Builder Registry: it tracks which RequestIDs
// currently have a live builder and lets any number of callers wait
// for that builder to finish or observe it dying. A RequestID is
// present here iff the Store's entry for it is StateProcessing;
// deregistration happens exactly at the transition out of Processing,
// inside finish/markDied.
type registry struct {
	mu      sync.Mutex
	records map[RequestID]*builderRecord
}

func newRegistry() *registry {
	return &registry{records: make(map[RequestID]*builderRecord)}
}

// register attaches a fresh builderRecord to id. Returns
// ErrBuilderAlreadyRegistered if one is already live -- the Tracker
// treats that as a Fatal invariant violation since admission is meant to
// serialize before registration is ever attempted twice.
func (r *registry) register(id RequestID) (*builderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[id]; exists {
		return nil, ErrBuilderAlreadyRegistered
	}
	rec := &builderRecord{done: make(chan struct{})}
	r.records[id] = rec
	return rec, nil
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// waitFor blocks up to timeout for id's builder to finish, or for ctx to
// be cancelled, whichever comes first. Because closing rec.done wakes
// every receiver, any number of concurrent callers may wait on the same
// id without contending on a lock.
func (r *registry) waitFor(ctx context.Context, id RequestID, timeout time.Duration) (waitOutcome, Outcome) {
	r.mu.Lock()
	rec, ok := r.records[id]
	r.mu.Unlock()

	if !ok {
		// This invariant holds only within one process: a Store entry
		// shared across processes (a RedisStore behind several Tracker
		// instances) can be Processing under a builder this registry
		// never heard of -- the tracker is explicitly single-process,
		// and cross-node builder observation is the backing store's
		// concern, not this registry's. Treat a
		// miss as "still running" rather than guessing "died": that
		// never misclassifies a live remote builder as Interrupted, at
		// the cost of one extra Conflict for the caller to retry.
		return waitStillRunning, Outcome{}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rec.done:
		if rec.died {
			return waitDied, Outcome{}
		}
		return waitFinished, rec.outcome
	case <-timer.C:
		return waitStillRunning, Outcome{}
	case <-ctx.Done():
		return waitStillRunning, Outcome{}
	}
}

// finish records outcome as id's result, deregisters the builder and
// releases every waiter. Only the first call per registration has an
// effect; later calls find no record for id and return.
func (r *registry) finish(id RequestID, outcome Outcome) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	rec.once.Do(func() {
		rec.outcome = outcome
		close(rec.done)
	})
}

// markDied deregisters id's builder and releases every waiter with
// "died". Called by the Tracker after it has already transitioned the
// Store entry to Interrupted, so any waiter that wakes up here is
// guaranteed a subsequent Lookup observes the Interrupted state.
func (r *registry) markDied(id RequestID) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	rec.once.Do(func() {
		rec.died = true
		close(rec.done)
	})
}
