// Package oplock implements compare-and-swap over versioned state with
// bounded exponential-backoff retry. Writers on the same resource are
// arbitrated by version check rather than by mutex; version conflicts are
// retried with jittered backoff until the attempt budget runs out.
package oplock

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kneelinghorse/semantext-hub/pkg/errors"
	"github.com/kneelinghorse/semantext-hub/pkg/persist"
)

// AlreadyApplied is the sentinel a compute function returns when the
// requested change is already committed. The CAS then returns the current
// value without writing, which keeps client retries idempotent.
var AlreadyApplied = stderrors.New("already applied")

// RetryConfig tunes the CAS retry loop.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the initial backoff interval.
	BaseDelay time.Duration

	// MaxDelay caps the backoff interval.
	MaxDelay time.Duration

	// JitterFactor J scales each delay by uniform(1-J, 1+J).
	JitterFactor float64
}

// DefaultRetryConfig returns the standard CAS tuning.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		BaseDelay:    10 * time.Millisecond,
		MaxDelay:     1000 * time.Millisecond,
		JitterFactor: 0.5,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.JitterFactor <= 0 {
		c.JitterFactor = d.JitterFactor
	}
	return c
}

// ReadFunc reads the current versioned state of a resource.
type ReadFunc func(ctx context.Context) (persist.Versioned, error)

// WriteFunc persists a new versioned state.
type WriteFunc func(ctx context.Context, v persist.Versioned) error

// ComputeFunc derives the next state document from the current one. It may
// return [AlreadyApplied] to short-circuit an idempotent retry.
type ComputeFunc func(current persist.StateDoc, attempt int) (persist.StateDoc, error)

// EventKind classifies retry-stream events.
type EventKind string

// Retry-stream event kinds
const (
	EventRetry          EventKind = "retry"
	EventSuccess        EventKind = "success"
	EventExhausted      EventKind = "exhausted"
	EventAlreadyApplied EventKind = "already_applied"
)

// Event is one observation from the CAS retry stream.
type Event struct {
	Kind       EventKind
	ResourceID string
	Attempt    int
	Delay      time.Duration
	Err        error
}

// Counters is a snapshot of the runtime's lifetime counters.
type Counters struct {
	Retries        int64
	Exhaustions    int64
	AlreadyApplied int64
	Successes      int64
}

// Runtime executes compare-and-swap operations with retry. Observers receive
// a stream of retry events instead of per-call callbacks.
type Runtime struct {
	cfg RetryConfig

	mu        sync.RWMutex
	observers []func(Event)

	retries        atomic.Int64
	exhaustions    atomic.Int64
	alreadyApplied atomic.Int64
	successes      atomic.Int64
}

// NewRuntime creates a CAS runtime with the given tuning. Zero fields fall
// back to the defaults.
func NewRuntime(cfg RetryConfig) *Runtime {
	return &Runtime{cfg: cfg.withDefaults()}
}

// Observe subscribes to the retry event stream.
func (r *Runtime) Observe(fn func(Event)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Counters returns a snapshot of the lifetime counters.
func (r *Runtime) Counters() Counters {
	return Counters{
		Retries:        r.retries.Load(),
		Exhaustions:    r.exhaustions.Load(),
		AlreadyApplied: r.alreadyApplied.Load(),
		Successes:      r.successes.Load(),
	}
}

func (r *Runtime) emit(e Event) {
	r.mu.RLock()
	obs := r.observers
	r.mu.RUnlock()
	for _, fn := range obs {
		fn(e)
	}
}

type casOutcome struct {
	value   persist.Versioned
	applied bool
}

// CompareAndSwap runs one read-modify-write cycle under optimistic locking:
// read, compute, re-read to detect version movement, then write at
// version+1. A version conflict is retried with jittered exponential
// backoff. The returned bool is false when the compute function reported
// AlreadyApplied and nothing was written.
func (r *Runtime) CompareAndSwap(
	ctx context.Context,
	resourceID string,
	read ReadFunc,
	write WriteFunc,
	compute ComputeFunc,
) (persist.Versioned, bool, error) {
	attempt := 0

	op := func() (casOutcome, error) {
		attempt++

		current, err := read(ctx)
		if err != nil {
			return casOutcome{}, backoff.Permanent(err)
		}

		newDoc, err := compute(current.State, attempt)
		if stderrors.Is(err, AlreadyApplied) {
			r.alreadyApplied.Add(1)
			r.emit(Event{Kind: EventAlreadyApplied, ResourceID: resourceID, Attempt: attempt})
			return casOutcome{value: current, applied: false}, nil
		}
		if err != nil {
			return casOutcome{}, backoff.Permanent(err)
		}

		recheck, err := read(ctx)
		if err != nil {
			return casOutcome{}, backoff.Permanent(err)
		}
		if recheck.Version != current.Version {
			// Retryable: another writer committed between read and write.
			return casOutcome{}, errors.NewConflictError(
				fmt.Sprintf("version moved from %d to %d during compute", current.Version, recheck.Version), nil).
				WithContext("resourceId", resourceID)
		}

		next := persist.Versioned{
			Version:   current.Version + 1,
			State:     newDoc,
			UpdatedAt: persist.Now(),
		}
		if err := write(ctx, next); err != nil {
			if errors.IsConflict(err) {
				// A checked write lost the race; retryable.
				return casOutcome{}, err
			}
			return casOutcome{}, backoff.Permanent(err)
		}
		return casOutcome{value: next, applied: true}, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = r.cfg.BaseDelay
	expBackoff.MaxInterval = r.cfg.MaxDelay
	expBackoff.Multiplier = 2
	expBackoff.RandomizationFactor = r.cfg.JitterFactor

	outcome, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)), // #nosec G115 -- bounded small config value
		backoff.WithNotify(func(opErr error, delay time.Duration) {
			r.retries.Add(1)
			r.emit(Event{
				Kind:       EventRetry,
				ResourceID: resourceID,
				Attempt:    attempt,
				Delay:      delay,
				Err:        opErr,
			})
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return persist.Versioned{}, false, errors.NewCancelledError(
				"compare-and-swap cancelled", ctxErr).
				WithContext("resourceId", resourceID)
		}
		if errors.IsConflict(err) {
			r.exhaustions.Add(1)
			r.emit(Event{Kind: EventExhausted, ResourceID: resourceID, Attempt: attempt, Err: err})
			return persist.Versioned{}, false, errors.NewRetryExhaustedError(
				fmt.Sprintf("optimistic lock retries exhausted after %d attempts", attempt), err).
				WithContext("resourceId", resourceID)
		}
		return persist.Versioned{}, false, err
	}

	if outcome.applied {
		r.successes.Add(1)
		r.emit(Event{Kind: EventSuccess, ResourceID: resourceID, Attempt: attempt})
	}
	return outcome.value, outcome.applied, nil
}
