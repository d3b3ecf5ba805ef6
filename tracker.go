package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Config bundles the Tracker's timing knobs. IdempotentMethods and the
// error handler live on Middleware, not here, since the Tracker itself
// never looks at HTTP.
type Config struct {
	CachedTTL         time.Duration
	ProcessingTTL     time.Duration
	MaxConcurrentWait time.Duration
}

// DefaultConfig returns a day of cached-response retention, a
// conservative processing safety net, and a short wait for an
// in-flight duplicate.
func DefaultConfig() Config {
	return Config{
		CachedTTL:         24 * time.Hour,
		ProcessingTTL:     2 * time.Minute,
		MaxConcurrentWait: 10 * time.Second,
	}
}

// Tracker coordinates a Store and a builder registry into the
// admission state machine: Processing, Completed, Interrupted.
type Tracker struct {
	store    Store
	registry *registry
	cfg      Config
	locks    *keyLocks
	metrics  *metricsCollector
}

// Option configures a Tracker at construction time.
type Option func(*Tracker)

// WithCachedTTL overrides the retention window for Completed/Interrupted
// entries.
func WithCachedTTL(ttl time.Duration) Option {
	return func(t *Tracker) { t.cfg.CachedTTL = ttl }
}

// WithProcessingTTL overrides how long a Processing entry may linger
// before prune reclaims it as a crash-signal backstop.
func WithProcessingTTL(ttl time.Duration) Option {
	return func(t *Tracker) { t.cfg.ProcessingTTL = ttl }
}

// WithMaxConcurrentWait overrides how long Track blocks for an in-flight
// duplicate before returning Conflict.
func WithMaxConcurrentWait(d time.Duration) Option {
	return func(t *Tracker) { t.cfg.MaxConcurrentWait = d }
}

// NewTracker constructs a Tracker around store. The Store need not have
// had Setup called already; the default in-memory Store works without
// it.
func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		registry: newRegistry(),
		cfg:      DefaultConfig(),
		locks:    newKeyLocks(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track runs the admission algorithm for id/fp. The returned Outcome's
// Kind is Proceed iff the caller must call Finalize (exactly once) to
// complete it.
func (t *Tracker) Track(ctx context.Context, id RequestID, fp Fingerprint) (Outcome, error) {
	entry, proceed, err := t.admit(ctx, id, fp)
	if err != nil {
		return Outcome{}, err
	}
	if proceed {
		t.observe(Proceed)
		return Outcome{Kind: Proceed}, nil
	}

	if entry.Fingerprint != fp {
		t.observe(Mismatch)
		return Outcome{Kind: Mismatch}, nil
	}

	switch entry.State {
	case StateProcessing:
		return t.awaitProcessing(ctx, id)
	case StateCompleted:
		t.observe(Replay)
		return Outcome{Kind: Replay, Response: entry.Response.Clone(), ExpiresAt: entry.ExpiresAt}, nil
	case StateInterrupted:
		t.observe(Interrupted)
		return Outcome{Kind: Interrupted, ExpiresAt: entry.ExpiresAt}, nil
	default:
		return Outcome{}, fmt.Errorf("idempotency: %s: unknown state %v", id, entry.State)
	}
}

// admit performs the one part of admission that must be linearizable:
// deciding whether this caller is the first to see id. The per-key lock
// only saves a wasted Insert attempt under the default in-memory Store;
// what actually makes this safe when a distributed Store is plugged in
// is Store.Insert's own atomicity (it rejects if the key already
// exists), so a lost race against a remote peer is handled below by
// re-reading instead of failing.
func (t *Tracker) admit(ctx context.Context, id RequestID, fp Fingerprint) (CacheEntry, bool, error) {
	unlock := t.locks.lock(id)
	defer unlock()

	entry, err := t.store.Lookup(ctx, id)
	if errors.Is(err, ErrNotFound) {
		expiresAt := time.Now().Add(t.cfg.ProcessingTTL)
		insertErr := t.store.Insert(ctx, id, StateProcessing, fp, expiresAt)
		if insertErr != nil {
			if errors.Is(insertErr, ErrAlreadyExists) {
				entry, err = t.store.Lookup(ctx, id)
				if err != nil {
					return CacheEntry{}, false, fmt.Errorf("idempotency: lookup %s after race: %w", id, err)
				}
				return entry, false, nil
			}
			return CacheEntry{}, false, fmt.Errorf("idempotency: insert %s: %w", id, insertErr)
		}

		if _, regErr := t.registry.register(id); regErr != nil {
			return CacheEntry{}, false, fmt.Errorf("idempotency: register %s: %w", id, regErr)
		}
		t.adjustInFlight(1)
		return CacheEntry{}, true, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("idempotency: lookup %s: %w", id, err)
	}
	return entry, false, nil
}

// awaitProcessing handles the (Processing, fp, exp) branch of the
// admission algorithm: block on the registry for up to
// MaxConcurrentWait.
func (t *Tracker) awaitProcessing(ctx context.Context, id RequestID) (Outcome, error) {
	result, outcome := t.registry.waitFor(ctx, id, t.cfg.MaxConcurrentWait)
	switch result {
	case waitFinished:
		t.observe(outcome.Kind)
		return outcome, nil
	case waitDied:
		return t.interruptedOutcome(ctx, id)
	default: // waitStillRunning
		t.observe(Conflict)
		return Outcome{Kind: Conflict}, nil
	}
}

// interruptedOutcome re-reads id's entry after the registry reports the
// builder died. The Store transition is guaranteed to have happened
// before the registry woke this caller (ReportCrash updates the Store,
// then closes the builder's done channel), so this Lookup always sees
// StateInterrupted.
func (t *Tracker) interruptedOutcome(ctx context.Context, id RequestID) (Outcome, error) {
	entry, err := t.store.Lookup(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency: lookup %s after death: %w", id, err)
	}
	t.observe(Interrupted)
	return Outcome{Kind: Interrupted, ExpiresAt: entry.ExpiresAt}, nil
}

// Finalize is called by the admitted builder exactly once, completing
// the request. It returns the new expiry so the caller can emit an
// Expires header.
func (t *Tracker) Finalize(ctx context.Context, id RequestID, response CapturedResponse) (time.Time, error) {
	expiresAt := time.Now().Add(t.cfg.CachedTTL)
	if err := t.store.Update(ctx, id, StateCompleted, expiresAt, &response); err != nil {
		return time.Time{}, fmt.Errorf("idempotency: finalize %s: %w", id, err)
	}
	t.registry.finish(id, Outcome{Kind: Replay, Response: response.Clone(), ExpiresAt: expiresAt})
	t.adjustInFlight(-1)
	return expiresAt, nil
}

// ReportCrash transitions id's entry to Interrupted after its builder
// terminated abnormally (a panic recovered by the Middleware) without
// calling Finalize. Waiters blocked in Track are released with
// Interrupted; the entry is never replayed or re-executed, because the
// side effects of the crashed attempt are unknown.
func (t *Tracker) ReportCrash(ctx context.Context, id RequestID) error {
	expiresAt := time.Now().Add(t.cfg.CachedTTL)
	if err := t.store.Update(ctx, id, StateInterrupted, expiresAt, nil); err != nil {
		return fmt.Errorf("idempotency: mark %s interrupted after crash: %w", id, err)
	}
	t.registry.markDied(id)
	t.adjustInFlight(-1)
	t.observe(Interrupted)
	return nil
}

// Prune removes every Store entry past its ExpiresAt. Callers (the demo
// server's periodic pruner, or a test) are expected to invoke this on a
// timer -- the pruner's scheduling is external glue, not part of the
// Tracker's own concurrency model.
func (t *Tracker) Prune(ctx context.Context) error {
	return t.store.Prune(ctx, time.Now())
}

func (t *Tracker) observe(kind OutcomeKind) {
	if t.metrics != nil {
		t.metrics.admissions.WithLabelValues(kind.String()).Inc()
	}
}

func (t *Tracker) adjustInFlight(delta float64) {
	if t.metrics != nil {
		t.metrics.inFlight.Add(delta)
	}
}

// keyLockStripes bounds the number of mutexes the Tracker keeps for
// per-key admission serialization. Two different RequestIDs may share a
// stripe (and so contend needlessly on occasion); they may never be
// admitted non-serially, which is all correctness requires.
const keyLockStripes = 256

type keyLocks struct {
	stripes [keyLockStripes]struct {
		mu sync.Mutex
	}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{}
}

func (k *keyLocks) lock(id RequestID) func() {
	idx := xxhash.Sum64String(string(id)) % keyLockStripes
	k.stripes[idx].mu.Lock()
	return k.stripes[idx].mu.Unlock
}
