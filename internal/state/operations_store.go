/*

This file implements the durable operation journal on PostgreSQL. It is
the live-mode backing of journal.Journal; step intents and outcomes are
committed here before the corresponding external call or ledger mutation.

*/

package state

import (
	"database/sql"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meridian-fi/pfm/internal/journal"
	"github.com/meridian-fi/pfm/internal/types"
)

// OperationJournal is the PostgreSQL implementation of journal.Journal.
type OperationJournal struct{}

// NewOperationJournal returns a journal backed by the global DB pool.
func NewOperationJournal() (*OperationJournal, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	return &OperationJournal{}, nil
}

func (o *OperationJournal) CreateOperation(op *types.Operation) error {
	query := `
		INSERT INTO operations (
			operation_id, kind, status, amount0, amount1, shares,
			target_bps, max_slippage_bps, step_index, fail_reason,
			schema_version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
	`
	_, err := DB.Exec(query,
		op.ID, op.Kind, op.Status,
		intString(op.Amount0), intString(op.Amount1), intString(op.Shares),
		op.TargetBps, op.MaxSlippageBps, op.StepIndex, op.FailReason,
		SchemaVersion, op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}

	log.Debug().
		Str("operation_id", op.ID.String()).
		Str("kind", string(op.Kind)).
		Msg("Operation journaled")
	return nil
}

func (o *OperationJournal) GetOperation(id uuid.UUID) (*types.Operation, error) {
	row := DB.QueryRow(selectOperationSQL+` WHERE operation_id = $1;`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, journal.ErrOperationNotFound
	}
	return op, err
}

func (o *OperationJournal) ListOperations(limit int) ([]*types.Operation, error) {
	rows, err := DB.Query(selectOperationSQL+` ORDER BY created_at DESC LIMIT $1;`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

func (o *OperationJournal) ListUnresolved() ([]*types.Operation, error) {
	rows, err := DB.Query(selectOperationSQL+
		` WHERE status IN ($1, $2) ORDER BY created_at ASC;`,
		types.StatusPending, types.StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved operations: %w", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

func (o *OperationJournal) SetOperationStatus(id uuid.UUID, status types.OperationStatus, reason string) error {
	query := `
		UPDATE operations
		SET status = $2, fail_reason = $3, updated_at = CURRENT_TIMESTAMP
		WHERE operation_id = $1;
	`
	result, err := DB.Exec(query, id, status, reason)
	if err != nil {
		return fmt.Errorf("failed to update operation status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return journal.ErrOperationNotFound
	}
	return nil
}

func (o *OperationJournal) AppendSteps(steps ...*types.Step) error {
	if len(steps) == 0 {
		return nil
	}

	// One transaction for the whole planning batch: a crash can never
	// leave half of a planned pair journaled.
	tx, err := DB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin step intent transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO operation_steps (
			operation_id, step_index, kind, asset, amount, amount1,
			idempotency_key, attempts, outcome, intent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (operation_id, step_index) DO NOTHING;
	`
	for _, step := range steps {
		result, err := tx.Exec(query,
			step.OperationID, step.Index, step.Kind, step.Asset,
			intString(step.Amount), intString(step.Amount1),
			step.IdempotencyKey, step.Attempts, step.Outcome, step.IntentAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert step intent: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if affected == 0 {
			return journal.ErrDuplicateStep
		}

		_, err = tx.Exec(
			`UPDATE operations SET step_index = GREATEST(step_index, $2), updated_at = CURRENT_TIMESTAMP WHERE operation_id = $1;`,
			step.OperationID, step.Index+1,
		)
		if err != nil {
			return fmt.Errorf("failed to advance operation step index: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step intent: %w", err)
	}
	return nil
}

func (o *OperationJournal) IncrementAttempts(opID uuid.UUID, index int) (int, error) {
	query := `
		UPDATE operation_steps
		SET attempts = attempts + 1
		WHERE operation_id = $1 AND step_index = $2
		RETURNING attempts;
	`
	var attempts int
	err := DB.QueryRow(query, opID, index).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, journal.ErrStepNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment step attempts: %w", err)
	}
	return attempts, nil
}

func (o *OperationJournal) ResolveStep(opID uuid.UUID, index int, outcome types.StepOutcome, result types.StepResult) error {
	query := `
		UPDATE operation_steps
		SET outcome = $3,
		    result_credited = $4, result_shares = $5,
		    result_amount0 = $6, result_amount1 = $7,
		    result_reason = $8, resolved_at = CURRENT_TIMESTAMP
		WHERE operation_id = $1 AND step_index = $2 AND outcome = $9;
	`
	res, err := DB.Exec(query, opID, index, outcome,
		nullableInt(result.Credited), nullableInt(result.Shares),
		nullableInt(result.Amount0), nullableInt(result.Amount1),
		result.Reason, types.OutcomeUnknown,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return journal.ErrAlreadyResolved
	}
	return nil
}

func (o *OperationJournal) MarkApplied(opID uuid.UUID, index int) error {
	result, err := DB.Exec(
		`UPDATE operation_steps SET applied = TRUE WHERE operation_id = $1 AND step_index = $2;`,
		opID, index,
	)
	if err != nil {
		return fmt.Errorf("failed to mark step applied: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return journal.ErrStepNotFound
	}
	return nil
}

func (o *OperationJournal) Steps(opID uuid.UUID) ([]*types.Step, error) {
	query := `
		SELECT operation_id, step_index, kind, asset, amount, amount1,
		       idempotency_key, attempts, outcome, applied,
		       result_credited, result_shares, result_amount0, result_amount1,
		       result_reason, intent_at, resolved_at
		FROM operation_steps
		WHERE operation_id = $1
		ORDER BY step_index ASC;
	`
	rows, err := DB.Query(query, opID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*types.Step
	for rows.Next() {
		var (
			s                                      types.Step
			amount, amount1                        string
			credited, shares, resAmount0, resAmount1 sql.NullString
			resolvedAt                             sql.NullTime
		)
		err := rows.Scan(
			&s.OperationID, &s.Index, &s.Kind, &s.Asset, &amount, &amount1,
			&s.IdempotencyKey, &s.Attempts, &s.Outcome, &s.Applied,
			&credited, &shares, &resAmount0, &resAmount1,
			&s.Result.Reason, &s.IntentAt, &resolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		if s.Amount, err = parseInt(amount); err != nil {
			return nil, err
		}
		if s.Amount1, err = parseInt(amount1); err != nil {
			return nil, err
		}
		if s.Result.Credited, err = parseNullInt(credited); err != nil {
			return nil, err
		}
		if s.Result.Shares, err = parseNullInt(shares); err != nil {
			return nil, err
		}
		if s.Result.Amount0, err = parseNullInt(resAmount0); err != nil {
			return nil, err
		}
		if s.Result.Amount1, err = parseNullInt(resAmount1); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			s.ResolvedAt = &t
		}
		steps = append(steps, &s)
	}
	return steps, rows.Err()
}

const selectOperationSQL = `
	SELECT operation_id, kind, status, amount0, amount1, shares,
	       target_bps, max_slippage_bps, step_index, fail_reason,
	       schema_version, created_at, updated_at
	FROM operations`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*types.Operation, error) {
	var (
		op                       types.Operation
		amount0, amount1, shares string
	)
	err := row.Scan(
		&op.ID, &op.Kind, &op.Status, &amount0, &amount1, &shares,
		&op.TargetBps, &op.MaxSlippageBps, &op.StepIndex, &op.FailReason,
		&op.SchemaVersion, &op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if op.Amount0, err = parseInt(amount0); err != nil {
		return nil, err
	}
	if op.Amount1, err = parseInt(amount1); err != nil {
		return nil, err
	}
	if op.Shares, err = parseInt(shares); err != nil {
		return nil, err
	}
	return &op, nil
}

func scanOperations(rows *sql.Rows) ([]*types.Operation, error) {
	var out []*types.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation row: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// intString renders an sdkmath.Int for a NUMERIC column, treating a nil
// amount as zero.
func intString(v sdkmath.Int) string {
	if v.IsNil() {
		return "0"
	}
	return v.String()
}

func nullableInt(v sdkmath.Int) interface{} {
	if v.IsNil() {
		return nil
	}
	return v.String()
}

func parseInt(s string) (sdkmath.Int, error) {
	v, ok := sdkmath.NewIntFromString(s)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("invalid numeric value in database: %q", s)
	}
	return v, nil
}

func parseNullInt(s sql.NullString) (sdkmath.Int, error) {
	if !s.Valid {
		return sdkmath.Int{}, nil
	}
	return parseInt(s.String)
}

var _ journal.Journal = (*OperationJournal)(nil)

// timeNow is split out so related stores share one clock source.
func timeNow() time.Time {
	return time.Now().UTC()
}
