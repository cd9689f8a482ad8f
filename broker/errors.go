package broker

import (
	"errors"
	"fmt"
)

// The error taxonomy the whole execution core routes on:
//
//   TransientError   — network/timeout/rate-limit; safe to retry next cycle,
//                      the ledger reservation is not consumed.
//   RejectedError    — the exchange refused the order; terminal for that
//                      intent, recorded as rejected, never auto-retried.
//   AuthError        — credentials are bad; the adapter is marked unhealthy
//                      and excluded from routing, the process keeps running.

// TransientError wraps a retryable failure.
type TransientError struct {
	Broker string
	Op     string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %s: transient: %v", e.Broker, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError is a non-retryable exchange refusal.
type RejectedError struct {
	Broker string
	Symbol string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: order rejected for %s: %s", e.Broker, e.Symbol, e.Reason)
}

// AuthError means the adapter can no longer authenticate. Fatal for the
// adapter, never for the process.
type AuthError struct {
	Broker string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: auth failed: %v", e.Broker, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried on a later cycle.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsRejected reports whether the exchange terminally refused the order.
func IsRejected(err error) bool {
	var r *RejectedError
	return errors.As(err, &r)
}

// IsAuth reports whether the adapter's credentials are dead.
func IsAuth(err error) bool {
	var a *AuthError
	return errors.As(err, &a)
}
