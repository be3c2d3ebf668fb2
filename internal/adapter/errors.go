package adapter

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
)

// ErrorKind classifies adapter failures for retry policy selection.
type ErrorKind string

const (
	// KindNetwork covers transport-level failures. Retryable.
	KindNetwork ErrorKind = "network"
	// KindRateLimit means the provider throttled us. Retryable with a longer
	// backoff, honoring RetryAfter when the provider supplied one.
	KindRateLimit ErrorKind = "rate-limit"
	// KindParse means the payload was malformed. Not retryable — repeating
	// the call reproduces the same adapter bug.
	KindParse ErrorKind = "parse"
	// KindTimeout means the per-call deadline elapsed. Retryable.
	KindTimeout ErrorKind = "timeout"
	// KindCircuitOpen means the breaker skipped the adapter this run. Does
	// not consume a retry attempt.
	KindCircuitOpen ErrorKind = "circuit-open"
)

// Error is a classified adapter failure.
type Error struct {
	Kind       ErrorKind
	AdapterID  string
	Err        error
	RetryAfter time.Duration // nonzero only for rate limits with a Retry-After hint
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.AdapterID + ": " + string(e.Kind)
	}
	return e.AdapterID + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a classified adapter error.
func NewError(kind ErrorKind, adapterID string, err error) *Error {
	return &Error{Kind: kind, AdapterID: adapterID, Err: err}
}

// NewRateLimitError wraps a throttle response, carrying the provider's
// Retry-After hint when present (zero otherwise).
func NewRateLimitError(adapterID string, err error, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, AdapterID: adapterID, Err: err, RetryAfter: retryAfter}
}

// Classify coerces an arbitrary fetch error into a classified Error. Known
// network and deadline failures are recognized; anything else is treated as
// a parse-level (non-retryable) adapter fault so a broken adapter does not
// burn retry budget.
func Classify(adapterID string, err error) *Error {
	if err == nil {
		return nil
	}

	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, adapterID, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(KindTimeout, adapterID, err)
		}
		return NewError(KindNetwork, adapterID, err)
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return NewError(KindNetwork, adapterID, err)
	}

	// String heuristics for errors wrapped by HTTP clients.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return NewError(KindNetwork, adapterID, err)
		}
	}

	return NewError(KindParse, adapterID, err)
}

// Retryable reports whether the error should consume a retry attempt.
func Retryable(err error) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.Kind {
	case KindNetwork, KindRateLimit, KindTimeout:
		return true
	default:
		return false
	}
}

// RetryAfterHint extracts the provider's Retry-After delay, if any.
func RetryAfterHint(err error) time.Duration {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

// KindFromHTTPStatus maps an HTTP status to an error kind for adapters built
// on plain HTTP clients.
func KindFromHTTPStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimit
	case status == 408 || status == 504:
		return KindTimeout
	case status >= 500:
		return KindNetwork
	default:
		return KindParse
	}
}

// ErrUnregistered is returned when a run names an adapter id that was never
// registered. This is a configuration error and fails the run up front.
var ErrUnregistered = eris.New("adapter: unregistered adapter id")
