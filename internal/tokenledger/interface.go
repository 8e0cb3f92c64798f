package tokenledger

import (
	"context"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// TransferOutcome is the explicit result of a transfer call. An
// indeterminate outcome is expressed as a non-nil error wrapping
// types.ErrIndeterminate, never as a third enum value, so callers cannot
// forget to branch on it.
type TransferOutcome string

const (
	TransferConfirmed TransferOutcome = "CONFIRMED"
	TransferRejected  TransferOutcome = "REJECTED"
)

// TransferRequest moves an amount of this client's asset between two
// accounts. The idempotency key makes the request safely repeatable: the
// backing service must treat a second submission with the same key as a
// read of the first.
type TransferRequest struct {
	From           string      `json:"from"`
	To             string      `json:"to"`
	Amount         sdkmath.Int `json:"amount"`
	IdempotencyKey uuid.UUID   `json:"idempotency_key"`
}

// TransferResult is the resolved outcome of a transfer.
type TransferResult struct {
	Outcome TransferOutcome `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
}

// Metadata describes the asset a ledger service manages.
type Metadata struct {
	Symbol   string      `json:"symbol"`
	Fee      sdkmath.Int `json:"fee"` // flat per-transfer fee, deducted from the delivered amount
	Decimals int         `json:"decimals"`
}

// Client is the uniform interface over one asset's token-transfer ledger
// service. Each managed asset gets its own client, selected at
// construction; the engine never re-checks which backend it is talking to.
type Client interface {
	// Metadata returns the asset's current symbol and transfer fee.
	Metadata(ctx context.Context) (Metadata, error)

	// Transfer executes a debit/credit. A nil error with an explicit
	// outcome means the ledger resolved the request; a non-nil error
	// means the outcome is unknown and the call may be retried with the
	// same idempotency key.
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)

	// AccountBalance returns the settled balance of an account.
	AccountBalance(ctx context.Context, account string) (sdkmath.Int, error)
}
