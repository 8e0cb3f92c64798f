/*

This file contains the deposit protocol planner. A deposit pulls the two
requested amounts from the treasury, commits the ratio-matched portions
into the exchange pool, adds them as liquidity, and returns every unused
remainder to the treasury. The market is checked against the caller's
slippage tolerance twice: before any funds move, and again between the
pulls and the pool commit.

*/

package engine

import (
	"context"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/meridian-fi/pfm/internal/guard"
	"github.com/meridian-fi/pfm/internal/types"
)

func (e *Engine) planDeposit(ctx context.Context, run *opRun) ([]*types.Step, *terminalDecision, error) {
	pulls := run.stepsOfKind(types.StepPull)
	toPools := run.stepsOfKind(types.StepToPool)
	adds := run.stepsOfKind(types.StepAddLiquidity)

	// Nothing journaled: run the pre-flight guard. A rejection here ends
	// the operation before a single transfer has been issued.
	if len(pulls) == 0 {
		reference, err := e.pool.Reserves(ctx)
		if err != nil {
			return nil, nil, err
		}
		if _, err := guard.DepositAmounts(reference, run.op.Amount0, run.op.Amount1); err != nil {
			return nil, failed(err.Error()), nil
		}
		current, err := e.pool.Reserves(ctx)
		if err != nil {
			return nil, nil, err
		}
		if err := guard.CheckSlippage(reference, current, run.op.MaxSlippageBps); err != nil {
			if errors.Is(err, types.ErrSlippageExceeded) || errors.Is(err, types.ErrEmptyPool) {
				return nil, failed(err.Error()), nil
			}
			return nil, nil, err
		}

		return []*types.Step{
			run.newStep(types.StepPull, e.cfg.Asset0, run.op.Amount0, sdkmath.Int{}),
			run.newStep(types.StepPull, e.cfg.Asset1, run.op.Amount1, sdkmath.Int{}),
		}, nil, nil
	}

	// A rejected pull aborts the deposit; whatever the other pull already
	// delivered goes straight back to the treasury.
	if anyRejected(pulls) {
		return e.settlePayouts(run, creditedByAsset(pulls), failed("treasury pull rejected"))
	}

	credited0 := creditedFor(pulls, e.cfg.Asset0)
	credited1 := creditedFor(pulls, e.cfg.Asset1)

	// Pulls delivered, pool commit not yet planned. Re-run the ratio rule
	// against the delivered amounts and re-check the market before the
	// first irreversible call.
	if len(toPools) == 0 && len(run.stepsOfKind(types.StepPayout)) == 0 {
		reference, err := e.pool.Reserves(ctx)
		if err != nil {
			return nil, nil, err
		}
		plan, err := guard.DepositAmounts(reference, credited0, credited1)
		if err != nil {
			return e.settlePayouts(run, creditedByAsset(pulls), failed(err.Error()))
		}
		current, err := e.pool.Reserves(ctx)
		if err != nil {
			return nil, nil, err
		}
		if err := guard.CheckSlippage(reference, current, run.op.MaxSlippageBps); err != nil {
			if errors.Is(err, types.ErrSlippageExceeded) || errors.Is(err, types.ErrEmptyPool) {
				return e.settlePayouts(run, creditedByAsset(pulls), failed(err.Error()))
			}
			return nil, nil, err
		}

		// Both commits are journaled from the same plan so an
		// interrupted pair resumes with identical amounts.
		var batch []*types.Step
		if plan.Taken0.IsPositive() {
			batch = append(batch, run.newStep(types.StepToPool, e.cfg.Asset0, plan.Taken0, sdkmath.Int{}))
		}
		if plan.Taken1.IsPositive() {
			batch = append(batch, run.newStep(types.StepToPool, e.cfg.Asset1, plan.Taken1, sdkmath.Int{}))
		}
		if len(batch) == 0 {
			return e.settlePayouts(run, creditedByAsset(pulls), failed("delivered amounts too small to deposit"))
		}
		return batch, nil, nil
	}

	// Pulls confirmed but the guard already routed everything back.
	if len(toPools) == 0 {
		return e.settlePayouts(run, creditedByAsset(pulls), failed("aborted by market guard after pull"))
	}

	// A rejected pool commit unwinds the confirmed half, then returns
	// everything still held by the unit.
	if anyRejected(toPools) {
		return e.abortAfterPool(run, pulls, toPools, nil, "pool transfer rejected")
	}

	if len(adds) == 0 {
		add := run.newStep(types.StepAddLiquidity, "",
			creditedFor(toPools, e.cfg.Asset0), creditedFor(toPools, e.cfg.Asset1))
		return []*types.Step{add}, nil, nil
	}

	add := adds[0]
	if add.Outcome == types.OutcomeRejected {
		return e.abortAfterPool(run, pulls, toPools, run.stepsOfKind(types.StepReclaim),
			fmt.Sprintf("liquidity add rejected: %s", add.Result.Reason))
	}

	// Liquidity added. Return the remainders the ratio rule left behind.
	residuals := map[string]sdkmath.Int{
		e.cfg.Asset0: credited0.Sub(grossFor(toPools, e.cfg.Asset0)),
		e.cfg.Asset1: credited1.Sub(grossFor(toPools, e.cfg.Asset1)),
	}
	return e.settlePayouts(run, residuals, completed())
}

// abortAfterPool unwinds a deposit whose pool commit could not become a
// position: every confirmed pool transfer is reclaimed, then everything
// the unit holds for this operation is paid back to the treasury.
func (e *Engine) abortAfterPool(run *opRun, pulls, toPools, reclaims []*types.Step, reason string) ([]*types.Step, *terminalDecision, error) {
	var batch []*types.Step
	for _, tp := range toPools {
		if tp.Outcome != types.OutcomeConfirmed {
			continue
		}
		if run.stepFor(types.StepReclaim, tp.Asset) == nil {
			batch = append(batch, run.newStep(types.StepReclaim, tp.Asset, tp.Result.Credited, sdkmath.Int{}))
		}
	}
	if len(batch) > 0 {
		return batch, nil, nil
	}

	// A reclaim the pool refuses leaves funds stranded on the pool
	// account; only an operator can resolve that.
	if anyRejected(reclaims) {
		return nil, partiallyFailed("pool refused to return committed funds"), nil
	}

	holdings := make(map[string]sdkmath.Int)
	for _, asset := range []string{e.cfg.Asset0, e.cfg.Asset1} {
		held := creditedFor(pulls, asset).
			Sub(grossFor(toPools, asset)).
			Add(creditedFor(reclaims, asset))
		holdings[asset] = held
	}
	return e.settlePayouts(run, holdings, failed(reason))
}

// settlePayouts ensures a payout step exists for every positive wanted
// amount, then returns the terminal decision once all of them resolved.
// Payout amounts are pinned when first journaled; re-planning after a
// crash reuses the journaled steps untouched.
func (e *Engine) settlePayouts(run *opRun, wanted map[string]sdkmath.Int, done *terminalDecision) ([]*types.Step, *terminalDecision, error) {
	var batch []*types.Step
	for _, asset := range []string{e.cfg.Asset0, e.cfg.Asset1} {
		amount, ok := wanted[asset]
		if !ok || amount.IsNil() || !amount.IsPositive() {
			continue
		}
		if run.stepFor(types.StepPayout, asset) == nil {
			batch = append(batch, run.newStep(types.StepPayout, asset, amount, sdkmath.Int{}))
		}
	}
	if len(batch) > 0 {
		return batch, nil, nil
	}

	if anyRejected(run.stepsOfKind(types.StepPayout)) {
		return nil, partiallyFailed("treasury payout rejected"), nil
	}
	return nil, done, nil
}

func anyRejected(steps []*types.Step) bool {
	for _, s := range steps {
		if s.Outcome == types.OutcomeRejected {
			return true
		}
	}
	return false
}

// creditedFor sums the delivered amounts of confirmed steps for an asset.
func creditedFor(steps []*types.Step, asset string) sdkmath.Int {
	total := sdkmath.ZeroInt()
	for _, s := range steps {
		if s.Asset == asset && s.Outcome == types.OutcomeConfirmed && !s.Result.Credited.IsNil() {
			total = total.Add(s.Result.Credited)
		}
	}
	return total
}

// grossFor sums the debited input amounts of confirmed steps for an asset.
func grossFor(steps []*types.Step, asset string) sdkmath.Int {
	total := sdkmath.ZeroInt()
	for _, s := range steps {
		if s.Asset == asset && s.Outcome == types.OutcomeConfirmed {
			total = total.Add(s.Amount)
		}
	}
	return total
}

func creditedByAsset(steps []*types.Step) map[string]sdkmath.Int {
	out := make(map[string]sdkmath.Int)
	for _, s := range steps {
		if s.Outcome != types.OutcomeConfirmed || s.Result.Credited.IsNil() {
			continue
		}
		if cur, ok := out[s.Asset]; ok {
			out[s.Asset] = cur.Add(s.Result.Credited)
		} else {
			out[s.Asset] = s.Result.Credited
		}
	}
	return out
}
