// Package progress aggregates warm outcomes into running counters and emits
// periodic progress snapshots.
package progress

import (
	"sync"

	"github.com/arkturian/warmctl/internal/dispatch"
)

// Summary holds the running counts for a warm run. At completion
// Succeeded + Failed == Total.
type Summary struct {
	Total     int64
	Succeeded int64
	Failed    int64
}

// ReportFunc is invoked with a consistent snapshot at the configured cadence.
// It runs on the observing goroutine and must not block for long.
type ReportFunc func(Summary)

// Aggregator is a thread-safe outcome counter. It implements
// dispatch.Observer.
type Aggregator struct {
	mu       sync.Mutex
	summary  Summary
	expected int64
	every    int64
	report   ReportFunc
}

// New returns an aggregator expecting `expected` outcomes that calls report
// every `every` outcomes and once more on the final one. A nil report or
// every <= 0 disables cadence reporting (the final report still fires when
// expected is known).
func New(expected int, every int, report ReportFunc) *Aggregator {
	return &Aggregator{
		expected: int64(expected),
		every:    int64(every),
		report:   report,
	}
}

// Observe records one outcome. Each outcome increments exactly one of the
// succeeded/failed counters.
func (a *Aggregator) Observe(o dispatch.Outcome) {
	a.mu.Lock()
	a.summary.Total++
	if o.Success() {
		a.summary.Succeeded++
	} else {
		a.summary.Failed++
	}
	snap := a.summary
	fire := a.report != nil &&
		((a.every > 0 && snap.Total%a.every == 0) ||
			(a.expected > 0 && snap.Total == a.expected))
	a.mu.Unlock()

	if fire {
		a.report(snap)
	}
}

// Snapshot returns a consistent view of the counters. Safe to call
// concurrently with Observe; counts never decrease between calls.
func (a *Aggregator) Snapshot() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summary
}
