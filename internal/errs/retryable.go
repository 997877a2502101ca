package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"syscall"
)

// DefaultRetryableStatuses are the HTTP statuses treated as transient.
var DefaultRetryableStatuses = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// StatusError is returned by senders when the backend answered with a
// non-success status.
type StatusError struct {
	StatusCode int
	Endpoint   string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s", e.StatusCode, e.Endpoint)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// TimeoutError marks an attempt that exceeded its deadline.
type TimeoutError struct {
	Operation string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return "timeout: " + e.Operation
}

// Timeout implements net.Error-style timeout detection.
func (e *TimeoutError) Timeout() bool { return true }

// retryabler is implemented by errors that know their own retry class
// (Kafka and Postgres transport errors).
type retryabler interface {
	Retryable() bool
}

// Classifier decides whether a send failure is worth retrying.
type Classifier struct {
	Statuses []int
}

// NewClassifier returns a classifier for the given retryable HTTP statuses.
// A nil slice means DefaultRetryableStatuses.
func NewClassifier(statuses []int) Classifier {
	if statuses == nil {
		statuses = DefaultRetryableStatuses
	}
	return Classifier{Statuses: statuses}
}

// Retryable reports whether err is transient: network-class failures,
// timeouts, configured HTTP statuses, or errors that declare themselves
// retryable. Everything else is terminal.
func (c Classifier) Retryable(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return slices.Contains(c.Statuses, statusErr.StatusCode)
	}

	var r retryabler
	if errors.As(err, &r) {
		return r.Retryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return false
}
