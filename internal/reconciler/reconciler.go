/*

This file contains the reconciliation guard. It periodically compares the
balance ledger's owned amounts against what the external ledger services
and the pool actually report for the unit's accounts, and records a drift
report for every check. The guard only ever reports: a divergence is
surfaced through logs, the report store, and ErrDriftDetected, never by
adjusting the ledger to match the outside world.

*/

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/meridian-fi/pfm/internal/dex"
	"github.com/meridian-fi/pfm/internal/ledger"
	"github.com/meridian-fi/pfm/internal/logger"
	"github.com/meridian-fi/pfm/internal/tokenledger"
	"github.com/meridian-fi/pfm/internal/types"
)

var ErrInvalidConfig = errors.New("reconciler configuration is invalid")

const bpsDenominator = 10_000

// ReportStore persists drift reports. Implemented by state.DriftStore
// (PostgreSQL) and MemoryReportStore.
type ReportStore interface {
	// Save persists one report and fills in its ReportID.
	Save(report *types.DriftReport) error
	// Recent returns the newest reports, newest first.
	Recent(limit int) ([]types.DriftReport, error)
}

// Config holds the reconciler's dependencies and operating parameters.
type Config struct {
	Ledger  *ledger.Ledger
	Ledger0 tokenledger.Client
	Ledger1 tokenledger.Client
	Pool    dex.Client
	Store   ReportStore

	Asset0     string
	Asset1     string
	ShareAsset string

	UnitAccount       string
	Interval          time.Duration
	DriftToleranceBps uint32
}

// Reconciler runs the periodic consistency check between the internal
// ledger and the external systems.
type Reconciler struct {
	cfg    Config
	logger zerolog.Logger
}

func New(cfg Config) (*Reconciler, error) {
	if cfg.Ledger == nil || cfg.Store == nil {
		return nil, fmt.Errorf("%w: ledger and report store are required", ErrInvalidConfig)
	}
	if cfg.Ledger0 == nil || cfg.Ledger1 == nil || cfg.Pool == nil {
		return nil, fmt.Errorf("%w: external clients are required", ErrInvalidConfig)
	}
	if cfg.Asset0 == "" || cfg.Asset1 == "" || cfg.ShareAsset == "" || cfg.UnitAccount == "" {
		return nil, fmt.Errorf("%w: asset symbols and unit account are required", ErrInvalidConfig)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}

	return &Reconciler{
		cfg:    cfg,
		logger: logger.GetForComponent("reconciler"),
	}, nil
}

// Run checks once immediately, then on every interval tick until the
// context is cancelled. Check failures are logged and do not stop the
// loop; an unreachable external service is not evidence of drift.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info().Dur("interval", r.cfg.Interval).Msg("Reconciler started")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.CheckOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error().Err(err).Msg("Reconciliation check failed")
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Reconciler stopped due to context cancellation")
			return
		case <-ticker.C:
		}
	}
}

// CheckOnce compares every tracked asset against its external source of
// truth and persists one report per asset. It returns the reports and,
// if any asset diverged beyond tolerance, an error wrapping
// types.ErrDriftDetected.
func (r *Reconciler) CheckOnce(ctx context.Context) ([]types.DriftReport, error) {
	var (
		reports  []types.DriftReport
		diverged []string
	)

	for _, probe := range []struct {
		asset string
		read  func(context.Context) (sdkmath.Int, error)
	}{
		{r.cfg.Asset0, func(ctx context.Context) (sdkmath.Int, error) {
			return r.cfg.Ledger0.AccountBalance(ctx, r.cfg.UnitAccount)
		}},
		{r.cfg.Asset1, func(ctx context.Context) (sdkmath.Int, error) {
			return r.cfg.Ledger1.AccountBalance(ctx, r.cfg.UnitAccount)
		}},
		{r.cfg.ShareAsset, r.cfg.Pool.ShareBalance},
	} {
		external, err := probe.read(ctx)
		if err != nil {
			return reports, fmt.Errorf("failed to read external balance for %s: %w", probe.asset, err)
		}

		report := r.compare(probe.asset, external)
		if err := r.cfg.Store.Save(&report); err != nil {
			return reports, fmt.Errorf("failed to persist drift report for %s: %w", probe.asset, err)
		}
		reports = append(reports, report)

		if report.Diverged {
			diverged = append(diverged, probe.asset)
			r.logger.Error().
				Str("asset", report.Asset).
				Str("ledger", report.LedgerAmount.String()).
				Str("external", report.ExternalAmount.String()).
				Str("tolerance", report.Tolerance.String()).
				Msg("Balance drift detected; manual investigation required")
		}
	}

	if len(diverged) > 0 {
		return reports, fmt.Errorf("%w: %v", types.ErrDriftDetected, diverged)
	}
	return reports, nil
}

// compare builds the drift report for one asset. In-flight amounts are
// legitimately visible to only one side of the comparison, so the
// tolerance is both pending directions plus the configured fraction of
// the owned amount.
func (r *Reconciler) compare(asset string, external sdkmath.Int) types.DriftReport {
	balance := r.cfg.Ledger.Get(asset)

	tolerance := balance.PendingOut.
		Add(balance.PendingIn).
		Add(balance.Owned.MulRaw(int64(r.cfg.DriftToleranceBps)).QuoRaw(bpsDenominator))

	gap := balance.Owned.Sub(external).Abs()

	return types.DriftReport{
		ObservedAt:     time.Now().UTC(),
		Asset:          asset,
		LedgerAmount:   balance.Owned,
		ExternalAmount: external,
		Tolerance:      tolerance,
		Diverged:       gap.GT(tolerance),
	}
}

// Reports returns the newest persisted drift reports.
func (r *Reconciler) Reports(limit int) ([]types.DriftReport, error) {
	return r.cfg.Store.Recent(limit)
}
