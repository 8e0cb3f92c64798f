/*

This file contains the types for orchestrated operations and their steps.
An Operation is one top-level governance request (deposit, withdraw or
rebalance); a Step is one atomic external call attempt within it.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// OperationKind identifies the top-level request type.
type OperationKind string

const (
	OperationDeposit   OperationKind = "DEPOSIT"
	OperationWithdraw  OperationKind = "WITHDRAW"
	OperationRebalance OperationKind = "REBALANCE"
)

// OperationStatus is the lifecycle state of an Operation.
type OperationStatus string

const (
	StatusPending         OperationStatus = "PENDING"
	StatusInProgress      OperationStatus = "IN_PROGRESS"
	StatusCompleted       OperationStatus = "COMPLETED"
	StatusFailed          OperationStatus = "FAILED"
	StatusPartiallyFailed OperationStatus = "PARTIALLY_FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartiallyFailed
}

// Operation is one top-level fund movement request. It is created by the
// engine on request receipt, mutated only by the engine, and archived
// (never deleted) once terminal.
type Operation struct {
	ID              uuid.UUID       `json:"id"`
	Kind            OperationKind   `json:"kind"`
	Status          OperationStatus `json:"status"`
	Amount0         sdkmath.Int     `json:"amount0"`           // requested asset0 amount (deposit)
	Amount1         sdkmath.Int     `json:"amount1"`           // requested asset1 amount (deposit)
	Shares          sdkmath.Int     `json:"shares"`            // requested share amount (withdraw)
	TargetBps       uint32          `json:"target_bps"`        // target deployed fraction (rebalance)
	MaxSlippageBps  uint32          `json:"max_slippage_bps"`  // caller slippage tolerance
	StepIndex       int             `json:"step_index"`        // index of the next step to plan
	FailReason      string          `json:"fail_reason,omitempty"`
	SchemaVersion   int             `json:"schema_version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// StepKind identifies the external call a Step performs.
type StepKind string

const (
	// StepPull transfers a requested amount from the treasury to the unit.
	StepPull StepKind = "PULL"
	// StepToPool transfers a taken amount from the unit to the exchange pool.
	StepToPool StepKind = "TO_POOL"
	// StepAddLiquidity adds the two taken amounts as pool liquidity.
	StepAddLiquidity StepKind = "ADD_LIQUIDITY"
	// StepReclaim is the compensating transfer pool -> unit after a
	// rejected liquidity add.
	StepReclaim StepKind = "RECLAIM"
	// StepRemoveLiquidity burns shares and releases the two assets.
	StepRemoveLiquidity StepKind = "REMOVE_LIQUIDITY"
	// StepReceive transfers released amounts from the pool to the unit.
	StepReceive StepKind = "RECEIVE"
	// StepPayout transfers owned amounts from the unit to the treasury.
	StepPayout StepKind = "PAYOUT"
	// StepSwap trades one asset for the other inside the pool.
	StepSwap StepKind = "SWAP"
)

// StepOutcome is the last observed result of a Step's external call.
type StepOutcome string

const (
	OutcomeUnknown   StepOutcome = "UNKNOWN"
	OutcomeConfirmed StepOutcome = "CONFIRMED"
	OutcomeRejected  StepOutcome = "REJECTED"
)

// Step is one atomic external call attempt within an Operation. Steps are
// strictly ordered; a Step never starts before its predecessor reaches a
// terminal outcome. Input parameters are pinned at intent time and never
// change across retries.
type Step struct {
	OperationID    uuid.UUID   `json:"operation_id"`
	Index          int         `json:"index"`
	Kind           StepKind    `json:"kind"`
	Asset          string      `json:"asset,omitempty"`  // asset symbol for transfer/swap steps
	Amount         sdkmath.Int `json:"amount"`           // input amount (transfers: gross; add-liquidity: amount0; remove: shares)
	Amount1        sdkmath.Int `json:"amount1"`          // add-liquidity amount1, or swap min-out
	IdempotencyKey uuid.UUID   `json:"idempotency_key"`
	Attempts       int         `json:"attempts"`
	Outcome        StepOutcome `json:"outcome"`
	Applied        bool        `json:"applied"` // confirmed outcome's balance events reached the ledger
	Result         StepResult  `json:"result"`
	IntentAt       time.Time   `json:"intent_at"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
}

// StepResult carries the values observed on confirmation. Unused fields
// stay nil; credited amounts are net of ledger transfer fees.
type StepResult struct {
	Credited sdkmath.Int `json:"credited,omitempty"` // amount delivered to the receiver
	Shares   sdkmath.Int `json:"shares,omitempty"`   // shares minted or burned
	Amount0  sdkmath.Int `json:"amount0,omitempty"`  // asset0 released by remove_liquidity / swap out
	Amount1  sdkmath.Int `json:"amount1,omitempty"`  // asset1 released by remove_liquidity
	Reason   string      `json:"reason,omitempty"`   // rejection reason, if any
}
