// Package dispatch implements the warm engine: a fixed-size worker pool that
// fans a list of work descriptors out to a retrying executor and streams the
// terminal outcome of every descriptor back to the caller.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Descriptor names one unit of warm work. Implementations are immutable value
// types; Key returns a stable identity covering both the target and the
// requested variant (e.g. "image/4812@130x130").
type Descriptor interface {
	Key() string
}

// PerformFunc executes the warm call for one descriptor. A nil return means
// the artifact is materialized. The context carries the per-call timeout.
type PerformFunc func(ctx context.Context, d Descriptor) error

// Outcome is the terminal result for one submitted descriptor. Exactly one
// Outcome is produced per descriptor and it is never mutated afterwards.
type Outcome struct {
	Desc     Descriptor
	Attempts int
	Err      error // nil on success
}

// Success reports whether the descriptor's work completed.
func (o Outcome) Success() bool {
	return o.Err == nil
}

// Observer receives outcomes as they arrive, in completion order.
type Observer interface {
	Observe(Outcome)
}

// RetryHook is notified before each retry with the attempt that just failed.
type RetryHook func(d Descriptor, attempt int, err error)

// Execute runs perform for a single descriptor under the retry policy.
// Retryable HTTP statuses (gateway hiccups) are retried immediately,
// transport-level faults sleep for the policy backoff first, anything else is
// terminal. Execute never touches shared state; it returns once perform
// succeeds, the error is terminal, or attempts are exhausted.
func Execute(ctx context.Context, d Descriptor, perform PerformFunc, policy RetryPolicy) Outcome {
	return execute(ctx, d, perform, policy, nil)
}

func execute(ctx context.Context, d Descriptor, perform PerformFunc, policy RetryPolicy, onRetry RetryHook) Outcome {
	policy = policy.withDefaults()

	var attempts int
	for {
		attempts++

		callCtx := ctx
		cancel := func() {}
		if policy.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, policy.CallTimeout)
		}
		err := perform(callCtx, d)
		cancel()

		if err == nil {
			return Outcome{Desc: d, Attempts: attempts}
		}
		if attempts >= policy.MaxAttempts {
			return Outcome{Desc: d, Attempts: attempts, Err: err}
		}

		switch policy.Classify(err) {
		case RetryNow:
			// gateway-class HTTP failure, hit it again right away
			if onRetry != nil {
				onRetry(d, attempts, err)
			}
		case RetryAfterDelay:
			if onRetry != nil {
				onRetry(d, attempts, err)
			}
			select {
			case <-time.After(policy.Backoff):
			case <-ctx.Done():
				return Outcome{Desc: d, Attempts: attempts, Err: err}
			}
		default:
			return Outcome{Desc: d, Attempts: attempts, Err: err}
		}
	}
}

// Pool is the bounded dispatcher. Concurrency caps the number of in-flight
// perform calls; descriptors are submitted in input order but outcomes arrive
// in completion order.
type Pool struct {
	Concurrency int
	Policy      RetryPolicy
	Perform     PerformFunc
	Observer    Observer  // optional, called from the collecting goroutine
	OnRetry     RetryHook // optional, called from worker goroutines
}

// Run feeds every descriptor through the pool and returns all outcomes in
// arrival order. Cancelling ctx stops the submission of new descriptors;
// work already in flight finishes (or times out) and is still accounted for.
// A panic inside perform is converted into a failure outcome for that
// descriptor and never aborts sibling work.
func (p *Pool) Run(ctx context.Context, descs []Descriptor) ([]Outcome, error) {
	if len(descs) == 0 {
		return nil, ErrNoWork
	}

	workers := p.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(descs) {
		workers = len(descs)
	}

	queue := make(chan Descriptor)
	results := make(chan Outcome)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range queue {
				results <- p.executeOne(ctx, d)
			}
		}()
	}

	// Feeder: submission order follows the input slice. Cancellation closes
	// the queue early so workers drain what they already picked up.
	go func() {
		defer close(queue)
		for _, d := range descs {
			select {
			case queue <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	outcomes := make([]Outcome, 0, len(descs))
	for o := range results {
		if p.Observer != nil {
			p.Observer.Observe(o)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

// executeOne contains a panicking perform so one bad descriptor cannot take
// down the run.
func (p *Pool) executeOne(ctx context.Context, d Descriptor) (o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = Outcome{Desc: d, Attempts: 1, Err: fmt.Errorf("unexpected fault: %v", r)}
		}
	}()
	return execute(ctx, d, p.Perform, p.Policy, p.OnRetry)
}
