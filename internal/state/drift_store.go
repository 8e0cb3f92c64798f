/*

This file implements the drift report store on PostgreSQL. Reports are
append-only findings of the reconciliation guard; nothing ever updates or
deletes them.

*/

package state

import (
	"fmt"

	"github.com/meridian-fi/pfm/internal/reconciler"
	"github.com/meridian-fi/pfm/internal/types"
)

// DriftStore is the PostgreSQL implementation of reconciler.ReportStore.
type DriftStore struct{}

// NewDriftStore returns a store backed by the global DB pool.
func NewDriftStore() (*DriftStore, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	return &DriftStore{}, nil
}

func (d *DriftStore) Save(report *types.DriftReport) error {
	query := `
		INSERT INTO drift_reports (
			observed_at, asset, ledger_amount, external_amount, tolerance, diverged
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING report_id;
	`
	err := DB.QueryRow(query,
		report.ObservedAt, report.Asset,
		intString(report.LedgerAmount), intString(report.ExternalAmount),
		intString(report.Tolerance), report.Diverged,
	).Scan(&report.ReportID)
	if err != nil {
		return fmt.Errorf("failed to insert drift report: %w", err)
	}
	return nil
}

func (d *DriftStore) Recent(limit int) ([]types.DriftReport, error) {
	query := `
		SELECT report_id, observed_at, asset, ledger_amount, external_amount, tolerance, diverged
		FROM drift_reports
		ORDER BY report_id DESC
		LIMIT $1;
	`
	rows, err := DB.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list drift reports: %w", err)
	}
	defer rows.Close()

	var out []types.DriftReport
	for rows.Next() {
		var (
			r                         types.DriftReport
			ledgerStr, externalStr, tolStr string
		)
		if err := rows.Scan(&r.ReportID, &r.ObservedAt, &r.Asset,
			&ledgerStr, &externalStr, &tolStr, &r.Diverged); err != nil {
			return nil, fmt.Errorf("failed to scan drift report row: %w", err)
		}
		if r.LedgerAmount, err = parseInt(ledgerStr); err != nil {
			return nil, err
		}
		if r.ExternalAmount, err = parseInt(externalStr); err != nil {
			return nil, err
		}
		if r.Tolerance, err = parseInt(tolStr); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ reconciler.ReportStore = (*DriftStore)(nil)
