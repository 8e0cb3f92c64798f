/*

This file implements the balance ledger's persistence on PostgreSQL.
Each asset keeps exactly one row; the ledger snapshot is what survives a
restart and is reconciled against external holdings by the guard.

*/

package state

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/meridian-fi/pfm/internal/ledger"
	"github.com/meridian-fi/pfm/internal/types"
)

// BalanceStore is the PostgreSQL implementation of ledger.BalanceStore.
type BalanceStore struct{}

// NewBalanceStore returns a balance store backed by the global DB pool.
func NewBalanceStore() (*BalanceStore, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	return &BalanceStore{}, nil
}

func (b *BalanceStore) LoadAll() ([]types.AssetBalance, error) {
	query := `
		SELECT asset, owned, pending_out, pending_in, updated_at
		FROM asset_balances;
	`
	rows, err := DB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to load asset balances: %w", err)
	}
	defer rows.Close()

	var out []types.AssetBalance
	for rows.Next() {
		var (
			entry                         types.AssetBalance
			owned, pendingOut, pendingIn string
		)
		if err := rows.Scan(&entry.Asset, &owned, &pendingOut, &pendingIn, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance row: %w", err)
		}
		if entry.Owned, err = parseInt(owned); err != nil {
			return nil, err
		}
		if entry.PendingOut, err = parseInt(pendingOut); err != nil {
			return nil, err
		}
		if entry.PendingIn, err = parseInt(pendingIn); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Save upserts the batch in one transaction. When ref names the step that
// produced the batch, the step's applied flag is flipped in the same
// transaction, so a crash cannot separate a balance credit from the
// record that it happened.
func (b *BalanceStore) Save(balances []types.AssetBalance, ref *ledger.StepRef) error {
	tx, err := DB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin balance transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO asset_balances (asset, owned, pending_out, pending_in, schema_version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (asset) DO UPDATE
		SET owned = EXCLUDED.owned,
		    pending_out = EXCLUDED.pending_out,
		    pending_in = EXCLUDED.pending_in,
		    updated_at = EXCLUDED.updated_at;
	`
	for _, balance := range balances {
		if _, err := tx.Exec(query,
			balance.Asset,
			intString(balance.Owned), intString(balance.PendingOut), intString(balance.PendingIn),
			SchemaVersion, timeNow(),
		); err != nil {
			return fmt.Errorf("failed to save balance for %s: %w", balance.Asset, err)
		}
	}

	if ref != nil {
		if _, err := tx.Exec(
			`UPDATE operation_steps SET applied = TRUE WHERE operation_id = $1 AND step_index = $2;`,
			ref.OperationID, ref.Index,
		); err != nil {
			return fmt.Errorf("failed to mark step applied: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit balance batch: %w", err)
	}

	log.Debug().Int("assets", len(balances)).Msg("Balance snapshot persisted")
	return nil
}

var _ ledger.BalanceStore = (*BalanceStore)(nil)
