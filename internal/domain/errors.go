package domain

import "errors"

// Transition failure taxonomy. Callers decide retry policy: an
// ErrIllegalTransition is always safe to drop, an ErrStaleVersion requires a
// re-read before retrying, and an ErrGatewayFailure means state has already
// committed and the same idempotency key must be retried.
var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrStaleVersion      = errors.New("stale transaction version")
	ErrGatewayFailure    = errors.New("fund movement failed")
	ErrDuplicateReceipt  = errors.New("gateway receipt already recorded on another transaction")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyResolved   = errors.New("dispute already resolved")
	ErrDisputeOpen       = errors.New("transaction already has an open dispute")
	ErrDeadlineNotPassed = errors.New("deadline has not passed")
)
