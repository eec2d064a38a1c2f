package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// FailureClass buckets a fetch failure for retry policy
type FailureClass int

const (
	// ClassTransient failures are retried to budget, then quietly
	// abandoned and left eligible for a future resume.
	ClassTransient FailureClass = iota

	// ClassNotFound is permanent with zero retries.
	ClassNotFound

	// ClassPermanent covers every other non-transient HTTP status and
	// exhausted auth-loop detection.
	ClassPermanent
)

func (c FailureClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassNotFound:
		return "not_found"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ErrTooLarge marks content over the size ceiling. Oversized content is
// skipped, not failed.
var ErrTooLarge = errors.New("content exceeds size ceiling")

// Error is a classified fetch failure
type Error struct {
	URL        string
	StatusCode int
	Class      FailureClass
	DNS        bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d (%s)", e.URL, e.StatusCode, e.Class)
	}
	return fmt.Sprintf("fetch %s: %v (%s)", e.URL, e.Err, e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// Permanent reports whether the failure must never be retried
func (e *Error) Permanent() bool {
	return e.Class == ClassNotFound || e.Class == ClassPermanent
}

// transientStatuses is the fixed retryable status set
var transientStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// classifyStatus buckets an HTTP status code
func classifyStatus(code int) FailureClass {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return ClassNotFound
	case transientStatuses[code]:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// classifyTransport buckets a transport-level error. All transport
// errors are retryable; DNS failures get the long backoff schedule.
func classifyTransport(err error) (FailureClass, bool) {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassTransient, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient, false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ClassTransient, false
	}
	return ClassTransient, false
}
