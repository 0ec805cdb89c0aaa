package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testDesc int

func (d testDesc) Key() string { return fmt.Sprintf("test/%d", int(d)) }

func descs(n int) []Descriptor {
	out := make([]Descriptor, n)
	for i := range out {
		out[i] = testDesc(i + 1)
	}
	return out
}

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	perform := func(ctx context.Context, d Descriptor) error {
		calls++
		return nil
	}

	o := Execute(context.Background(), testDesc(1), perform, RetryPolicy{MaxAttempts: 3})

	if !o.Success() {
		t.Fatalf("Execute() err = %v, want success", o.Err)
	}
	if o.Attempts != 1 || calls != 1 {
		t.Errorf("Execute() attempts = %d, calls = %d, want 1, 1", o.Attempts, calls)
	}
}

func TestExecute_RetryableThenSuccess(t *testing.T) {
	// Fails with a retryable gateway status exactly maxAttempts-1 times,
	// then succeeds: the outcome must be a success at attempt maxAttempts.
	const maxAttempts = 3
	calls := 0
	perform := func(ctx context.Context, d Descriptor) error {
		calls++
		if calls < maxAttempts {
			return &HTTPError{Status: 502, Body: "bad gateway"}
		}
		return nil
	}

	policy := RetryPolicy{MaxAttempts: maxAttempts, RetryableStatuses: []int{502, 504}}
	o := Execute(context.Background(), testDesc(1), perform, policy)

	if !o.Success() {
		t.Fatalf("Execute() err = %v, want success", o.Err)
	}
	if o.Attempts != maxAttempts {
		t.Errorf("Execute() attempts = %d, want %d", o.Attempts, maxAttempts)
	}
}

func TestExecute_NonRetryableFailsOnce(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "permanent http error", err: &HTTPError{Status: 403, Body: "forbidden"}},
		{name: "uncategorized error", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			perform := func(ctx context.Context, d Descriptor) error {
				calls++
				return tt.err
			}

			policy := RetryPolicy{MaxAttempts: 5, RetryableStatuses: []int{502, 504}}
			o := Execute(context.Background(), testDesc(1), perform, policy)

			if o.Success() {
				t.Fatal("Execute() succeeded, want failure")
			}
			if o.Attempts != 1 || calls != 1 {
				t.Errorf("Execute() attempts = %d, calls = %d, want 1, 1", o.Attempts, calls)
			}
			if !errors.Is(o.Err, tt.err) {
				t.Errorf("Execute() err = %v, want %v", o.Err, tt.err)
			}
		})
	}
}

func TestExecute_AlwaysRetryableExhaustsAttempts(t *testing.T) {
	const maxAttempts = 4
	calls := 0
	perform := func(ctx context.Context, d Descriptor) error {
		calls++
		return &HTTPError{Status: 504}
	}

	policy := RetryPolicy{MaxAttempts: maxAttempts, RetryableStatuses: []int{502, 504}}
	o := Execute(context.Background(), testDesc(1), perform, policy)

	if o.Success() {
		t.Fatal("Execute() succeeded, want failure")
	}
	if o.Attempts != maxAttempts || calls != maxAttempts {
		t.Errorf("Execute() attempts = %d, calls = %d, want %d", o.Attempts, calls, maxAttempts)
	}
}

func TestExecute_TransportFaultSleepsBetweenAttempts(t *testing.T) {
	calls := 0
	perform := func(ctx context.Context, d Descriptor) error {
		calls++
		if calls == 1 {
			return context.DeadlineExceeded
		}
		return nil
	}

	policy := RetryPolicy{MaxAttempts: 3, Backoff: 30 * time.Millisecond}
	start := time.Now()
	o := Execute(context.Background(), testDesc(1), perform, policy)

	if !o.Success() || o.Attempts != 2 {
		t.Fatalf("Execute() = %+v, want success at attempt 2", o)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Execute() returned after %v, want at least the 30ms backoff", elapsed)
	}
}

func TestExecute_GatewayRetryDoesNotSleep(t *testing.T) {
	calls := 0
	perform := func(ctx context.Context, d Descriptor) error {
		calls++
		if calls == 1 {
			return &HTTPError{Status: 502}
		}
		return nil
	}

	policy := RetryPolicy{MaxAttempts: 3, RetryableStatuses: []int{502}, Backoff: time.Second}
	start := time.Now()
	o := Execute(context.Background(), testDesc(1), perform, policy)

	if !o.Success() {
		t.Fatalf("Execute() err = %v, want success", o.Err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Execute() took %v, gateway retries must not sleep", elapsed)
	}
}

func TestExecute_PerCallTimeout(t *testing.T) {
	// perform honors ctx: a hung call must fail into the retry path once the
	// per-call deadline elapses rather than blocking forever.
	perform := func(ctx context.Context, d Descriptor) error {
		<-ctx.Done()
		return ctx.Err()
	}

	policy := RetryPolicy{MaxAttempts: 2, CallTimeout: 20 * time.Millisecond, Backoff: time.Millisecond}
	done := make(chan Outcome, 1)
	go func() { done <- Execute(context.Background(), testDesc(1), perform, policy) }()

	select {
	case o := <-done:
		if o.Success() {
			t.Fatal("Execute() succeeded, want timeout failure")
		}
		if o.Attempts != 2 {
			t.Errorf("Execute() attempts = %d, want 2", o.Attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute() did not return, per-call timeout not applied")
	}
}

func TestPool_AllOutcomesAccounted(t *testing.T) {
	tests := []struct {
		name        string
		total       int
		concurrency int
		failEvery   int // every n-th descriptor fails terminally, 0 = none
	}{
		{name: "all succeed", total: 25, concurrency: 4},
		{name: "partial failure", total: 40, concurrency: 8, failEvery: 3},
		{name: "single worker", total: 10, concurrency: 1, failEvery: 2},
		{name: "more workers than work", total: 3, concurrency: 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perform := func(ctx context.Context, d Descriptor) error {
				if tt.failEvery > 0 && int(d.(testDesc))%tt.failEvery == 0 {
					return &HTTPError{Status: 422}
				}
				return nil
			}

			pool := &Pool{Concurrency: tt.concurrency, Perform: perform, Policy: RetryPolicy{MaxAttempts: 2}}
			outcomes, err := pool.Run(context.Background(), descs(tt.total))
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if len(outcomes) != tt.total {
				t.Fatalf("Run() produced %d outcomes, want %d", len(outcomes), tt.total)
			}

			seen := make(map[string]bool)
			succeeded, failed := 0, 0
			for _, o := range outcomes {
				if seen[o.Desc.Key()] {
					t.Errorf("duplicate outcome for %s", o.Desc.Key())
				}
				seen[o.Desc.Key()] = true
				if o.Success() {
					succeeded++
				} else {
					failed++
				}
			}
			if succeeded+failed != tt.total {
				t.Errorf("succeeded (%d) + failed (%d) != total (%d)", succeeded, failed, tt.total)
			}
		})
	}
}

func TestPool_BoundedConcurrency(t *testing.T) {
	const concurrency = 4
	var inflight, peak int64

	perform := func(ctx context.Context, d Descriptor) error {
		cur := atomic.AddInt64(&inflight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inflight, -1)
		return nil
	}

	pool := &Pool{Concurrency: concurrency, Perform: perform}
	if _, err := pool.Run(context.Background(), descs(32)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if p := atomic.LoadInt64(&peak); p > concurrency {
		t.Errorf("peak in-flight = %d, must not exceed %d", p, concurrency)
	}
}

func TestPool_EmptyInput(t *testing.T) {
	pool := &Pool{Concurrency: 2, Perform: func(ctx context.Context, d Descriptor) error { return nil }}
	outcomes, err := pool.Run(context.Background(), nil)
	if !errors.Is(err, ErrNoWork) {
		t.Errorf("Run() error = %v, want ErrNoWork", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("Run() produced %d outcomes for empty input", len(outcomes))
	}
}

func TestPool_SingleWorkerPreservesOrder(t *testing.T) {
	// concurrency=1 collapses to sequential processing: outcomes arrive in
	// submission order.
	perform := func(ctx context.Context, d Descriptor) error { return nil }
	pool := &Pool{Concurrency: 1, Perform: perform}

	outcomes, err := pool.Run(context.Background(), descs(10))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for i, o := range outcomes {
		want := testDesc(i + 1).Key()
		if o.Desc.Key() != want {
			t.Errorf("outcome[%d] = %s, want %s", i, o.Desc.Key(), want)
		}
	}
}

func TestPool_OneFlakyItemEventuallySucceeds(t *testing.T) {
	// descriptors [1,2,3], item 2 times out twice then succeeds; the run must
	// end {succeeded: 3, failed: 0}.
	var mu sync.Mutex
	timeouts := 0
	perform := func(ctx context.Context, d Descriptor) error {
		if int(d.(testDesc)) == 2 {
			mu.Lock()
			defer mu.Unlock()
			if timeouts < 2 {
				timeouts++
				return context.DeadlineExceeded
			}
		}
		return nil
	}

	pool := &Pool{
		Concurrency: 2,
		Perform:     perform,
		Policy:      RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond},
	}
	outcomes, err := pool.Run(context.Background(), descs(3))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, o := range outcomes {
		if !o.Success() {
			t.Errorf("outcome %s failed: %v", o.Desc.Key(), o.Err)
		}
	}
}

func TestPool_OneStubbornItemFails(t *testing.T) {
	perform := func(ctx context.Context, d Descriptor) error {
		if int(d.(testDesc)) == 2 {
			return context.DeadlineExceeded
		}
		return nil
	}

	pool := &Pool{
		Concurrency: 2,
		Perform:     perform,
		Policy:      RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond},
	}
	outcomes, err := pool.Run(context.Background(), descs(3))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	succeeded, failed := 0, 0
	for _, o := range outcomes {
		if o.Success() {
			succeeded++
		} else {
			failed++
			if o.Attempts != 3 {
				t.Errorf("failed outcome attempts = %d, want 3", o.Attempts)
			}
		}
	}
	if succeeded != 2 || failed != 1 {
		t.Errorf("summary = {succeeded: %d, failed: %d}, want {2, 1}", succeeded, failed)
	}
}

func TestPool_PanicBecomesFailureOutcome(t *testing.T) {
	perform := func(ctx context.Context, d Descriptor) error {
		if int(d.(testDesc)) == 3 {
			panic("perform blew up")
		}
		return nil
	}

	pool := &Pool{Concurrency: 2, Perform: perform}
	outcomes, err := pool.Run(context.Background(), descs(5))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(outcomes) != 5 {
		t.Fatalf("Run() produced %d outcomes, want 5 (panic must not drop work)", len(outcomes))
	}
	failed := 0
	for _, o := range outcomes {
		if !o.Success() {
			failed++
			if o.Desc.Key() != testDesc(3).Key() {
				t.Errorf("unexpected failure for %s", o.Desc.Key())
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed = %d, want exactly the panicking descriptor", failed)
	}
}

func TestPool_CancellationStopsNewSubmissions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var started int64
	release := make(chan struct{})
	perform := func(ctx context.Context, d Descriptor) error {
		atomic.AddInt64(&started, 1)
		<-release
		return nil
	}

	pool := &Pool{Concurrency: 2, Perform: perform}
	done := make(chan []Outcome, 1)
	go func() {
		outcomes, _ := pool.Run(ctx, descs(50))
		done <- outcomes
	}()

	// Let the first wave start, then cancel and release the in-flight calls.
	for atomic.LoadInt64(&started) < 2 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	close(release)

	select {
	case outcomes := <-done:
		if len(outcomes) >= 50 {
			t.Errorf("Run() processed %d descriptors after cancellation, want fewer", len(outcomes))
		}
		for _, o := range outcomes {
			if !o.Success() {
				t.Errorf("in-flight outcome %s = %v, want success", o.Desc.Key(), o.Err)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not terminate after cancellation")
	}
}

func TestPool_OnRetryHook(t *testing.T) {
	calls := 0
	perform := func(ctx context.Context, d Descriptor) error {
		calls++
		if calls < 3 {
			return &HTTPError{Status: 502}
		}
		return nil
	}

	var retries []int
	pool := &Pool{
		Concurrency: 1,
		Perform:     perform,
		Policy:      RetryPolicy{MaxAttempts: 5, RetryableStatuses: []int{502}},
		OnRetry: func(d Descriptor, attempt int, err error) {
			retries = append(retries, attempt)
		},
	}

	if _, err := pool.Run(context.Background(), descs(1)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(retries) != 2 {
		t.Fatalf("OnRetry fired %d times, want 2", len(retries))
	}
	if retries[0] != 1 || retries[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", retries)
	}
}

func TestPool_IdempotentRerun(t *testing.T) {
	// Re-running over the same list with a perform that is a no-op on
	// already-warm items yields all successes again.
	warmed := make(map[string]bool)
	var mu sync.Mutex
	doWarm := func(ctx context.Context, d Descriptor) error {
		mu.Lock()
		warmed[d.Key()] = true
		mu.Unlock()
		return nil
	}

	pool := &Pool{Concurrency: 3, Perform: doWarm}
	for run := 0; run < 2; run++ {
		outcomes, err := pool.Run(context.Background(), descs(12))
		if err != nil {
			t.Fatalf("Run() #%d error = %v", run+1, err)
		}
		for _, o := range outcomes {
			if !o.Success() {
				t.Errorf("run #%d outcome %s failed: %v", run+1, o.Desc.Key(), o.Err)
			}
		}
	}
}
