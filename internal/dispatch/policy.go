package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// ErrNoWork is returned by Pool.Run when the descriptor list is empty. The
// caller distinguishes "nothing discoverable" from a run that processed work.
var ErrNoWork = errors.New("dispatch: no work descriptors")

// HTTPError is a non-2xx response from an upstream warm or inventory call.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Decision is the classification of a failed attempt.
type Decision int

const (
	// Terminal failures stop the retry loop immediately.
	Terminal Decision = iota
	// RetryNow retries without sleeping (gateway-class HTTP statuses).
	RetryNow
	// RetryAfterDelay sleeps the policy backoff first (transport faults).
	RetryAfterDelay
)

// RetryPolicy drives the executor's retry loop. All values come from
// configuration; the zero value gets sane defaults via withDefaults.
type RetryPolicy struct {
	MaxAttempts       int
	RetryableStatuses []int         // HTTP statuses retried immediately, e.g. 502, 504
	Backoff           time.Duration // sleep before retrying a transport fault
	CallTimeout       time.Duration // per-attempt deadline, 0 disables
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

// Classify maps a failed attempt to a retry decision. HTTP statuses retry
// only when configured as retryable; transport-level faults (timeouts,
// connection resets, truncated reads) retry after the backoff delay.
func (p RetryPolicy) Classify(err error) Decision {
	var he *HTTPError
	if errors.As(err, &he) {
		for _, s := range p.RetryableStatuses {
			if he.Status == s {
				return RetryNow
			}
		}
		return Terminal
	}
	if isTransient(err) {
		return RetryAfterDelay
	}
	return Terminal
}

// isTransient reports whether err is a transport-level fault worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}

// FailureReason buckets an error into a low-cardinality label for metrics.
func FailureReason(err error) string {
	if err == nil {
		return "none"
	}
	var he *HTTPError
	if errors.As(err, &he) {
		switch {
		case he.Status == 502 || he.Status == 504:
			return "gateway"
		case he.Status >= 500:
			return "http_5xx"
		case he.Status == 429:
			return "http_429"
		case he.Status >= 400:
			return "http_4xx"
		default:
			return "http_other"
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "connection_refused"
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return "connection_reset"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error"
	}
	if isTransient(err) {
		return "network"
	}
	return "other"
}
