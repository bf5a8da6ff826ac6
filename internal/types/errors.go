package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorKind buckets failures by how the engine reacts to them.
// FilterRejection is deliberately absent: a filtered stage is a result,
// not an error.
type ErrorKind int

const (
	// KindTransport covers DNS, TCP, TLS, HTTP 5xx, 429 and timeouts on
	// the wire. Retried by the rate limiter.
	KindTransport ErrorKind = iota + 1
	// KindContractMismatch covers undecodable or incomplete upstream
	// responses. Degrades the stage, never retried.
	KindContractMismatch
	// KindTimeout covers token- or stage-level deadline expiry.
	KindTimeout
	// KindPersistence covers store failures. Logged and counted; the
	// analysis remains eligible for broadcast.
	KindPersistence
	// KindInvariant covers programmer errors. Fatal to the one token only.
	KindInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindContractMismatch:
		return "contract_mismatch"
	case KindTimeout:
		return "timeout"
	case KindPersistence:
		return "persistence"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error tags an underlying error with a kind and the source it came from.
type Error struct {
	Kind   ErrorKind
	Source string
	Err    error
}

func (e *Error) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and source.
func NewError(kind ErrorKind, source string, err error) *Error {
	return &Error{Kind: kind, Source: source, Err: err}
}

// KindOf extracts the ErrorKind from err, or 0 when untagged.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

// HTTPStatusError reports a non-2xx upstream response. RetryAfter carries
// the parsed Retry-After hint on 429 responses, zero otherwise.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// IsRetryable reports whether the rate limiter should retry err: transport
// errors, HTTP 5xx, HTTP 429 and deadline expiry qualify; any other 4xx,
// contract mismatches and caller cancellation do not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	switch KindOf(err) {
	case KindContractMismatch, KindInvariant, KindPersistence:
		return false
	case KindTransport, KindTimeout:
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// RetryAfterHint returns the server-requested wait when err carries one.
func RetryAfterHint(err error) (time.Duration, bool) {
	var se *HTTPStatusError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}
	return 0, false
}
