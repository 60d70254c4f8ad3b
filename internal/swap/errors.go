// Package swap implements the atomic-swap engine: contract script models,
// the cooperative two-party signing protocol, and the per-swap lifecycle
// state machine driven by swap service notifications.
package swap

import "errors"

// Validation errors. Surfaced to the caller immediately, never retried.
var (
	// ErrUnknownScriptTemplate reports a lockup script that does not
	// match any known swap contract shape.
	ErrUnknownScriptTemplate = errors.New("script does not match a known swap template")

	// ErrInvalidSwapResponse reports a swap service response that failed
	// the address/script/pubkey cross-checks.
	ErrInvalidSwapResponse = errors.New("swap service response failed validation")
)

// ErrCounterpartyFraud reports counterparty-supplied data that fails a
// cryptographic check (wrong preimage, forged address signature). It aborts
// the swap and is distinct from ordinary validation failures.
var ErrCounterpartyFraud = errors.New("counterparty fraud detected")

// Cooperative signing session errors.
var (
	ErrSessionNotReady    = errors.New("signing session not ready")
	ErrSessionInFlight    = errors.New("another signing session is in flight")
	ErrNonceNotSet        = errors.New("nonce not set")
	ErrNonceAlreadyUsed   = errors.New("nonce already used, generate new nonces")
	ErrNonceReuse         = errors.New("nonce reuse detected")
	ErrSessionInvalidated = errors.New("session invalidated after signing")
	ErrSigningFailed      = errors.New("signing failed")
)
