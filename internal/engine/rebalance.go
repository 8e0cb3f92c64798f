/*

This file contains the rebalance protocol planner. A rebalance restores
the target deployed fraction of total managed value, expressed in basis
points. Value is measured in asset0 terms at the pool's current ratio.
Over-deployment burns the excess shares and keeps the released assets
owned; under-deployment commits idle owned funds through the same
ratio-matched deposit sequence a deposit uses. When the idle funds are
all on one side, half of that side is swapped first so both sides can be
committed.

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

const bpsDenominator = 10_000

func (e *Engine) planRebalance(ctx context.Context, run *opRun) ([]*types.Step, *terminalDecision, error) {
	// Drain any in-flight sequence before measuring anything fresh.
	if steps, terminal, handled, err := e.continueRebalance(run); handled {
		return steps, terminal, err
	}

	snapshot, err := e.pool.Reserves(ctx)
	if err != nil {
		return nil, nil, err
	}
	if snapshot.Reserve0.IsZero() || snapshot.Reserve1.IsZero() {
		return nil, failed("pool has no reserves to rebalance against"), nil
	}

	owned0 := e.ledger.Get(e.cfg.Asset0).Owned
	owned1 := e.ledger.Get(e.cfg.Asset1).Owned
	shares := e.ledger.Get(e.cfg.ShareAsset).Owned

	deployed0, deployed1 := sdkmath.ZeroInt(), sdkmath.ZeroInt()
	if shares.IsPositive() {
		deployed0, deployed1, err = e.pool.PositionAmounts(ctx, shares)
		if err != nil {
			return nil, nil, err
		}
	}

	deployedValue := valueInAsset0(snapshot, deployed0, deployed1)
	idleValue := valueInAsset0(snapshot, owned0, owned1)
	totalValue := deployedValue.Add(idleValue)
	if totalValue.IsZero() {
		return nil, completed(), nil
	}

	targetValue := totalValue.MulInt64(int64(run.op.TargetBps)).QuoInt64(bpsDenominator)
	threshold := totalValue.MulInt64(int64(e.cfg.RebalanceThresholdBps)).QuoInt64(bpsDenominator)
	diff := deployedValue.Sub(targetValue)

	run.logger.Info().
		Str("deployed_value", deployedValue.String()).
		Str("idle_value", idleValue.String()).
		Str("target_value", targetValue.String()).
		Msg("Rebalance measured")

	if diff.Abs().LTE(threshold) {
		return nil, completed(), nil
	}

	if diff.IsPositive() {
		return e.planUndeploy(run, shares, deployedValue, diff)
	}
	return e.planDeploy(ctx, run, snapshot, owned0, owned1, idleValue, diff.Neg())
}

// continueRebalance resumes a step sequence the previous planning round
// started. handled is false only when no sequence is in flight and the
// planner should measure the market again.
func (e *Engine) continueRebalance(run *opRun) ([]*types.Step, *terminalDecision, bool, error) {
	pulls := run.stepsOfKind(types.StepPull)
	toPools := run.stepsOfKind(types.StepToPool)
	adds := run.stepsOfKind(types.StepAddLiquidity)
	removes := run.stepsOfKind(types.StepRemoveLiquidity)
	swaps := run.stepsOfKind(types.StepSwap)

	if len(adds) > 0 {
		add := adds[0]
		if add.Outcome == types.OutcomeRejected {
			steps, terminal, err := e.abortAfterPool(run, pulls, toPools, run.stepsOfKind(types.StepReclaim),
				fmt.Sprintf("liquidity add rejected: %s", add.Result.Reason))
			return steps, terminal, true, err
		}
		return nil, completed(), true, nil
	}

	if len(toPools) > 0 {
		if anyRejected(toPools) {
			steps, terminal, err := e.abortAfterPool(run, pulls, toPools, run.stepsOfKind(types.StepReclaim),
				"pool transfer rejected")
			return steps, terminal, true, err
		}
		add := run.newStep(types.StepAddLiquidity, "",
			creditedFor(toPools, e.cfg.Asset0), creditedFor(toPools, e.cfg.Asset1))
		return []*types.Step{add}, nil, true, nil
	}

	if len(removes) > 0 {
		remove := removes[0]
		if remove.Outcome == types.OutcomeRejected {
			return nil, failed(fmt.Sprintf("liquidity remove rejected: %s", remove.Result.Reason)), true, nil
		}

		// The released assets come back to the unit and stay owned;
		// undeploying never pays the treasury.
		released := map[string]sdkmath.Int{
			e.cfg.Asset0: remove.Result.Amount0,
			e.cfg.Asset1: remove.Result.Amount1,
		}
		var batch []*types.Step
		for _, asset := range []string{e.cfg.Asset0, e.cfg.Asset1} {
			amount := released[asset]
			if amount.IsNil() || !amount.IsPositive() {
				continue
			}
			if run.stepFor(types.StepReceive, asset) == nil {
				batch = append(batch, run.newStep(types.StepReceive, asset, amount, sdkmath.Int{}))
			}
		}
		if len(batch) > 0 {
			return batch, nil, true, nil
		}
		if anyRejected(run.stepsOfKind(types.StepReceive)) {
			return nil, partiallyFailed("pool refused to release removed funds"), true, nil
		}
		return nil, completed(), true, nil
	}

	if len(swaps) > 0 && swaps[0].Outcome == types.OutcomeRejected {
		return nil, failed(fmt.Sprintf("swap rejected: %s", swaps[0].Result.Reason)), true, nil
	}

	// A confirmed swap falls through so the deploy can be measured with
	// the post-swap balances.
	return nil, nil, false, nil
}

// planUndeploy burns the share fraction covering the excess deployed
// value.
func (e *Engine) planUndeploy(run *opRun, shares sdkmath.Int, deployedValue, excess sdkmath.LegacyDec) ([]*types.Step, *terminalDecision, error) {
	if deployedValue.IsZero() || !shares.IsPositive() {
		return nil, completed(), nil
	}

	burn := excess.MulInt(shares).Quo(deployedValue).TruncateInt()
	if !burn.IsPositive() {
		return nil, completed(), nil
	}
	if burn.GT(shares) {
		burn = shares
	}

	return []*types.Step{
		run.newStep(types.StepRemoveLiquidity, "", burn, sdkmath.Int{}),
	}, nil, nil
}

// planDeploy commits idle owned funds to cover the deployment deficit.
func (e *Engine) planDeploy(ctx context.Context, run *opRun, snapshot types.MarketSnapshot, owned0, owned1 sdkmath.Int, idleValue, deficit sdkmath.LegacyDec) ([]*types.Step, *terminalDecision, error) {
	if idleValue.IsZero() {
		return nil, completed(), nil
	}

	fraction := deficit.Quo(idleValue)
	if fraction.GT(sdkmath.LegacyOneDec()) {
		fraction = sdkmath.LegacyOneDec()
	}
	deploy0 := fraction.MulInt(owned0).TruncateInt()
	deploy1 := fraction.MulInt(owned1).TruncateInt()

	// One-sided idle funds cannot match the pool ratio; trade half of
	// the held side first, then measure again.
	if deploy0.IsPositive() != deploy1.IsPositive() {
		if len(run.stepsOfKind(types.StepSwap)) > 0 {
			// One conversion per operation; whatever ratio the swap
			// produced is what gets deployed.
			return nil, completed(), nil
		}
		return e.planConversionSwap(run, snapshot, deploy0, deploy1)
	}
	if !deploy0.IsPositive() && !deploy1.IsPositive() {
		return nil, completed(), nil
	}

	plan, err := guard.DepositAmounts(snapshot, deploy0, deploy1)
	if err != nil {
		return nil, failed(err.Error()), nil
	}
	current, err := e.pool.Reserves(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := guard.CheckSlippage(snapshot, current, run.op.MaxSlippageBps); err != nil {
		if errors.Is(err, types.ErrSlippageExceeded) || errors.Is(err, types.ErrEmptyPool) {
			return nil, failed(err.Error()), nil
		}
		return nil, nil, err
	}

	var batch []*types.Step
	if plan.Taken0.IsPositive() {
		batch = append(batch, run.newStep(types.StepToPool, e.cfg.Asset0, plan.Taken0, sdkmath.Int{}))
	}
	if plan.Taken1.IsPositive() {
		batch = append(batch, run.newStep(types.StepToPool, e.cfg.Asset1, plan.Taken1, sdkmath.Int{}))
	}
	if len(batch) == 0 {
		return nil, completed(), nil
	}
	return batch, nil, nil
}

func (e *Engine) planConversionSwap(run *opRun, snapshot types.MarketSnapshot, deploy0, deploy1 sdkmath.Int) ([]*types.Step, *terminalDecision, error) {
	assetIn, amountIn := e.cfg.Asset0, deploy0
	sellingAsset0 := true
	if deploy1.IsPositive() {
		assetIn, amountIn = e.cfg.Asset1, deploy1
		sellingAsset0 = false
	}

	half := amountIn.QuoRaw(2)
	if !half.IsPositive() {
		return nil, completed(), nil
	}

	minOut, err := guard.SwapMinOut(snapshot, sellingAsset0, half, run.op.MaxSlippageBps)
	if err != nil {
		return nil, failed(err.Error()), nil
	}

	return []*types.Step{
		run.newStep(types.StepSwap, assetIn, half, minOut),
	}, nil, nil
}

// valueInAsset0 prices an asset pair holding in asset0 terms at the
// snapshot's reserve ratio.
func valueInAsset0(snapshot types.MarketSnapshot, amount0, amount1 sdkmath.Int) sdkmath.LegacyDec {
	value := sdkmath.LegacyNewDecFromInt(amount0)
	if amount1.IsPositive() {
		value = value.Add(sdkmath.LegacyNewDecFromInt(amount1.Mul(snapshot.Reserve0)).QuoInt(snapshot.Reserve1))
	}
	return value
}
