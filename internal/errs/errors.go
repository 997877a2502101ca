// Package errs defines the error taxonomy surfaced through the error hook and
// the retry classification used by the dispatcher.
package errs

import (
	"errors"
	"fmt"
	"strconv"
)

// Kind is the machine-readable class of a reported error.
type Kind string

const (
	KindPolicyBlocked  Kind = "policy-blocked"
	KindQueueOverflow  Kind = "queue-overflow"
	KindProviderError  Kind = "provider-error"
	KindRetryExhausted Kind = "retry-exhausted"
	KindInitFailed     Kind = "init-failed"
)

// Error is the typed error delivered to the error hook.
type Error struct {
	Kind    Kind
	Message string

	// Reason is the policy reason for KindPolicyBlocked, or the failing
	// operation for KindProviderError.
	Reason string

	// Count is the number of events affected (dropped, evicted, undelivered).
	Count int

	// BatchID identifies the batch for send failures.
	BatchID string

	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Key identifies the condition an error represents. The reporter surfaces
// each key at most once per session; send failures are keyed per batch.
func (e *Error) Key() string {
	key := string(e.Kind)
	if e.Reason != "" {
		key += ":" + e.Reason
	}
	if e.BatchID != "" {
		key += "#" + e.BatchID
	}
	return key
}

// PolicyBlocked reports events dropped because policy denied them.
func PolicyBlocked(reason string) *Error {
	return &Error{
		Kind:    KindPolicyBlocked,
		Reason:  reason,
		Count:   1,
		Message: "event blocked by policy (" + reason + ")",
	}
}

// QueueOverflow reports queued events evicted to make room.
func QueueOverflow(dropped int) *Error {
	return &Error{
		Kind:    KindQueueOverflow,
		Count:   dropped,
		Message: "queue full, dropped " + strconv.Itoa(dropped) + " oldest events",
	}
}

// ProviderError reports a terminal failure from a provider or transport.
func ProviderError(op string, cause error) *Error {
	return &Error{
		Kind:    KindProviderError,
		Reason:  op,
		Message: op + " failed",
		Cause:   cause,
	}
}

// RetryExhausted reports a batch that failed on its final allowed attempt.
func RetryExhausted(batchID string, events int, cause error) *Error {
	return &Error{
		Kind:    KindRetryExhausted,
		BatchID: batchID,
		Count:   events,
		Message: "batch " + batchID + " undelivered after final retry",
		Cause:   cause,
	}
}

// InitFailed reports a provider that failed to initialize.
func InitFailed(cause error) *Error {
	return &Error{
		Kind:    KindInitFailed,
		Message: "provider initialization failed",
		Cause:   cause,
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
