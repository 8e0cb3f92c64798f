/*

This file defines the durable operation journal consumed by the engine.
The journal is append-only with respect to steps: a step's intent is
recorded before its external call is issued, and its outcome is recorded
before the balance ledger is mutated. On restart the engine replays the
journal to find the last unresolved step and resumes there.

*/

package journal

import (
	"errors"

	"github.com/google/uuid"

	"github.com/meridian-fi/pfm/internal/types"
)

var (
	ErrOperationNotFound = errors.New("operation not found in journal")
	ErrStepNotFound      = errors.New("step not found in journal")
	ErrDuplicateStep     = errors.New("step index already journaled")
	ErrAlreadyResolved   = errors.New("step outcome already resolved")
)

// Journal records every orchestrated operation and its steps. Implemented
// by state.OperationJournal (PostgreSQL, live mode) and MemoryJournal
// (sim mode and tests).
type Journal interface {
	// CreateOperation persists a new operation in Pending status.
	CreateOperation(op *types.Operation) error

	// GetOperation returns the operation with the given id.
	GetOperation(id uuid.UUID) (*types.Operation, error)

	// ListOperations returns the most recent operations, newest first.
	ListOperations(limit int) ([]*types.Operation, error)

	// ListUnresolved returns all non-terminal operations, oldest first.
	// Used on startup to resume interrupted work before new requests.
	ListUnresolved() ([]*types.Operation, error)

	// SetOperationStatus transitions an operation, recording the failure
	// reason for terminal failures.
	SetOperationStatus(id uuid.UUID, status types.OperationStatus, reason string) error

	// AppendSteps journals the intent of one planning batch atomically:
	// either every step is durable or none is, so a crash can never leave
	// half of a planned pair behind. Must be called before any of the
	// steps' external calls are issued. Fails on a duplicate index so
	// that no step can ever be re-issued with different parameters.
	AppendSteps(steps ...*types.Step) error

	// IncrementAttempts bumps and returns the persisted attempt counter
	// for a step. Called before every call attempt.
	IncrementAttempts(opID uuid.UUID, index int) (int, error)

	// ResolveStep records a step's terminal outcome. Must be called
	// before the balance ledger is mutated for that outcome.
	ResolveStep(opID uuid.UUID, index int, outcome types.StepOutcome, result types.StepResult) error

	// MarkApplied records that a confirmed step's balance events reached
	// the ledger. Steps journaled Confirmed but not applied are exactly
	// the ones replay must re-apply after a crash. Idempotent.
	MarkApplied(opID uuid.UUID, index int) error

	// Steps returns all journaled steps of an operation in index order.
	Steps(opID uuid.UUID) ([]*types.Step, error)
}
