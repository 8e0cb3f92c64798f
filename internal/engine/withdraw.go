/*

This file contains the withdraw protocol planner. A withdraw burns the
requested share amount, moves both released assets from the pool account
to the unit, and pays the delivered amounts out to the treasury. The
release amounts are whatever the pool reports for the burn, so the only
decision to guard is whether to burn at all: the share balance is
re-validated on the writer goroutine and the market must hold still
within the caller's tolerance before any shares are destroyed.

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

func (e *Engine) planWithdraw(ctx context.Context, run *opRun) ([]*types.Step, *terminalDecision, error) {
	removes := run.stepsOfKind(types.StepRemoveLiquidity)
	if len(removes) == 0 {
		// Submission may have raced earlier queued work; the ledger on
		// this goroutine is the authority on what is still owned.
		if run.op.Shares.GT(e.ledger.Get(e.cfg.ShareAsset).Owned) {
			return nil, failed("requested shares exceed the owned balance"), nil
		}

		reference, err := e.pool.Reserves(ctx)
		if err != nil {
			return nil, nil, err
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
			run.newStep(types.StepRemoveLiquidity, "", run.op.Shares, sdkmath.Int{}),
		}, nil, nil
	}

	remove := removes[0]
	if remove.Outcome == types.OutcomeRejected {
		// Nothing moved; the shares are still owned.
		return nil, failed(fmt.Sprintf("liquidity remove rejected: %s", remove.Result.Reason)), nil
	}

	// Shares are burned. From here the released assets sit on the pool
	// account; a refusal to hand them over strands them.
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
		return batch, nil, nil
	}

	receives := run.stepsOfKind(types.StepReceive)
	if anyRejected(receives) {
		return nil, partiallyFailed("pool refused to release removed funds"), nil
	}

	payable := map[string]sdkmath.Int{
		e.cfg.Asset0: creditedFor(receives, e.cfg.Asset0),
		e.cfg.Asset1: creditedFor(receives, e.cfg.Asset1),
	}
	return e.settlePayouts(run, payable, completed())
}
