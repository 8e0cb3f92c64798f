package types

import "errors"

// Error taxonomy for orchestrated fund movements. Each class dictates a
// distinct recovery path; callers branch with errors.Is.
var (
	// ErrIndeterminate means an external call's outcome is unknown
	// (timeout, transport disruption). Safe to retry with the same
	// idempotency key.
	ErrIndeterminate = errors.New("external call outcome is indeterminate")

	// ErrRejected means the external system explicitly refused the call.
	// Never retried; triggers compensating steps or terminal failure.
	ErrRejected = errors.New("external system rejected the call")

	// ErrSlippageExceeded means the guard rejected the operation before
	// any external call was issued. Fully recoverable; no funds moved.
	ErrSlippageExceeded = errors.New("slippage tolerance exceeded")

	// ErrLedgerInvariant means the orchestration logic attempted a
	// balance transition that the ledger's invariants forbid. Fatal for
	// the affected operation; surfaced for manual intervention.
	ErrLedgerInvariant = errors.New("balance ledger invariant violated")

	// ErrDriftDetected is the reconciliation guard's finding that local
	// and external balances diverge beyond tolerance. Reported, never
	// auto-corrected.
	ErrDriftDetected = errors.New("balance drift detected")

	// ErrEmptyPool means the pool reported zero reserves on a side.
	ErrEmptyPool = errors.New("pool reserves are empty")
)
