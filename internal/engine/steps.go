/*

This file contains the step execution machinery shared by all protocols:
write-before-act journaling, the bounded retry loop for indeterminate
outcomes, and the mapping from confirmed step outcomes to balance ledger
events.

*/

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridian-fi/pfm/internal/dex"
	"github.com/meridian-fi/pfm/internal/ledger"
	"github.com/meridian-fi/pfm/internal/tokenledger"
	"github.com/meridian-fi/pfm/internal/types"
)

// opRun is the in-flight context of one driven operation. Everything
// needed to decide the next step is reconstructible from the journaled
// steps; the run only caches them plus the current ledger fees.
type opRun struct {
	op      *types.Operation
	steps   []*types.Step
	nextIdx int
	fees    map[string]sdkmath.Int
	logger  zerolog.Logger
}

// execute drives one operation to a terminal status. It is safe to call
// again after an interruption: the journal replay resolves any step left
// in an Unknown outcome before new steps are planned.
func (e *Engine) execute(ctx context.Context, id uuid.UUID) error {
	op, err := e.journal.GetOperation(id)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return nil
	}

	run := &opRun{
		op:     op,
		fees:   make(map[string]sdkmath.Int),
		logger: e.logger.With().Str("operation_id", id.String()).Str("kind", string(op.Kind)).Logger(),
	}

	if err := e.refreshFees(ctx, run); err != nil {
		return fmt.Errorf("failed to refresh ledger fees: %w", err)
	}

	run.steps, err = e.journal.Steps(id)
	if err != nil {
		return err
	}
	for _, s := range run.steps {
		if s.Index >= run.nextIdx {
			run.nextIdx = s.Index + 1
		}
	}

	if op.Status == types.StatusPending {
		if err := e.journal.SetOperationStatus(id, types.StatusInProgress, ""); err != nil {
			return err
		}
		op.Status = types.StatusInProgress
	}

	run.logger.Info().Int("journaled_steps", len(run.steps)).Msg("Driving operation")

	// Replay: a step journaled with an unresolved outcome is the one the
	// process died on. It must reach a terminal outcome, with its pinned
	// parameters, before anything new is planned. A step journaled
	// Confirmed but not applied died one write later: its outcome is
	// durable but the balance credit is not, so the credit is recovered
	// here instead of being re-earned.
	for _, s := range run.steps {
		switch {
		case s.Outcome == types.OutcomeUnknown:
			if err := e.performStep(ctx, run, s); err != nil {
				return e.stopDrive(err)
			}
		case s.Outcome == types.OutcomeConfirmed && !s.Applied:
			if err := e.applyOutcome(run, s); err != nil {
				return e.stopDrive(err)
			}
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		next, terminal, err := e.planNext(ctx, run)
		if err != nil {
			return err
		}
		if terminal != nil {
			return e.finalize(run, terminal.status, terminal.reason)
		}

		if err := e.journal.AppendSteps(next...); err != nil {
			return fmt.Errorf("failed to journal step intents: %w", err)
		}
		run.steps = append(run.steps, next...)
		for _, step := range next {
			if err := e.performStep(ctx, run, step); err != nil {
				return e.stopDrive(err)
			}
		}
	}
}

// terminalDecision ends an operation's drive loop.
type terminalDecision struct {
	status types.OperationStatus
	reason string
}

func completed() *terminalDecision {
	return &terminalDecision{status: types.StatusCompleted}
}

func failed(reason string) *terminalDecision {
	return &terminalDecision{status: types.StatusFailed, reason: reason}
}

func partiallyFailed(reason string) *terminalDecision {
	return &terminalDecision{status: types.StatusPartiallyFailed, reason: reason}
}

// planNext dispatches to the protocol planner for the operation kind.
// It returns either the next step batch to journal and execute, or a
// terminal decision; never both.
func (e *Engine) planNext(ctx context.Context, run *opRun) ([]*types.Step, *terminalDecision, error) {
	switch run.op.Kind {
	case types.OperationDeposit:
		return e.planDeposit(ctx, run)
	case types.OperationWithdraw:
		return e.planWithdraw(ctx, run)
	case types.OperationRebalance:
		return e.planRebalance(ctx, run)
	default:
		return nil, nil, fmt.Errorf("%w: unknown operation kind %q", ErrInvalidRequest, run.op.Kind)
	}
}

func (e *Engine) finalize(run *opRun, status types.OperationStatus, reason string) error {
	if err := e.journal.SetOperationStatus(run.op.ID, status, reason); err != nil {
		return err
	}
	run.op.Status = status

	evt := run.logger.Info()
	if status != types.StatusCompleted {
		evt = run.logger.Warn()
	}
	evt.Str("status", string(status)).Str("reason", reason).Msg("Operation finalized")
	return nil
}

// stopDrive distinguishes "operation parked, keep serving the queue"
// from errors that must bubble up.
func (e *Engine) stopDrive(err error) error {
	if errors.Is(err, errFrozen) {
		return nil
	}
	return err
}

// freeze parks the operation in PartiallyFailed. Fund positions stay
// exactly as journaled for manual resolution; nothing is guessed at.
func (e *Engine) freeze(run *opRun, reason string) error {
	if err := e.journal.SetOperationStatus(run.op.ID, types.StatusPartiallyFailed, reason); err != nil {
		return err
	}
	run.op.Status = types.StatusPartiallyFailed
	run.logger.Error().Str("reason", reason).Msg("Operation frozen for administrative resolution")
	return errFrozen
}

// performStep runs one step's external call until it resolves or the
// retry budget is exhausted. The attempt counter is persisted before
// every call so a crash mid-attempt still counts it.
func (e *Engine) performStep(ctx context.Context, run *opRun, step *types.Step) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts, err := e.journal.IncrementAttempts(step.OperationID, step.Index)
		if err != nil {
			return err
		}
		step.Attempts = attempts

		outcome, result, callErr := e.callStep(ctx, run, step)
		if callErr != nil {
			if !errors.Is(callErr, types.ErrIndeterminate) {
				return callErr
			}
			run.logger.Warn().
				Err(callErr).
				Int("step", step.Index).
				Str("step_kind", string(step.Kind)).
				Int("attempts", attempts).
				Msg("Step outcome indeterminate")

			if attempts >= e.cfg.MaxStepAttempts {
				return e.freeze(run, fmt.Sprintf(
					"step %d (%s) unresolved after %d attempts", step.Index, step.Kind, attempts))
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.RetryDelay):
			}
			continue
		}

		// Outcome logged before the ledger is mutated.
		if err := e.journal.ResolveStep(step.OperationID, step.Index, outcome, result); err != nil {
			return err
		}
		step.Outcome = outcome
		step.Result = result

		if outcome == types.OutcomeConfirmed {
			if err := e.applyOutcome(run, step); err != nil {
				return err
			}
		}

		run.logger.Info().
			Int("step", step.Index).
			Str("step_kind", string(step.Kind)).
			Str("outcome", string(outcome)).
			Msg("Step resolved")
		return nil
	}
}

// applyOutcome credits a confirmed step's balance events and marks the
// step applied. The balance store persists the events and the applied
// marker in one write, so the journal can always tell a credited outcome
// from one whose credit never landed.
func (e *Engine) applyOutcome(run *opRun, step *types.Step) error {
	ref := ledger.StepRef{OperationID: step.OperationID, Index: step.Index}
	if err := e.ledger.ApplyStep(ref, e.outcomeEvents(step)...); err != nil {
		if errors.Is(err, types.ErrLedgerInvariant) {
			return e.freeze(run, err.Error())
		}
		return err
	}
	if err := e.journal.MarkApplied(step.OperationID, step.Index); err != nil {
		return err
	}
	step.Applied = true
	return nil
}

// callStep issues the external call for a step. A nil error means the
// outcome is terminal; errors wrapping types.ErrIndeterminate mean the
// call may be retried with the same idempotency key.
func (e *Engine) callStep(ctx context.Context, run *opRun, step *types.Step) (types.StepOutcome, types.StepResult, error) {
	switch step.Kind {
	case types.StepPull:
		return e.callTransfer(ctx, run, step, e.cfg.TreasuryAccount, e.cfg.UnitAccount)
	case types.StepToPool:
		return e.callTransfer(ctx, run, step, e.cfg.UnitAccount, e.cfg.PoolAccount)
	case types.StepReclaim, types.StepReceive:
		return e.callTransfer(ctx, run, step, e.cfg.PoolAccount, e.cfg.UnitAccount)
	case types.StepPayout:
		return e.callTransfer(ctx, run, step, e.cfg.UnitAccount, e.cfg.TreasuryAccount)

	case types.StepAddLiquidity:
		reply, err := e.pool.AddLiquidity(ctx, step.Amount, step.Amount1)
		if err != nil {
			return "", types.StepResult{}, err
		}
		if reply.Outcome == dex.CallRejected {
			return types.OutcomeRejected, types.StepResult{Reason: reply.Reason}, nil
		}
		return types.OutcomeConfirmed, types.StepResult{Shares: reply.Shares}, nil

	case types.StepRemoveLiquidity:
		reply, err := e.pool.RemoveLiquidity(ctx, step.Amount)
		if err != nil {
			return "", types.StepResult{}, err
		}
		if reply.Outcome == dex.CallRejected {
			return types.OutcomeRejected, types.StepResult{Reason: reply.Reason}, nil
		}
		return types.OutcomeConfirmed, types.StepResult{Amount0: reply.Amount0, Amount1: reply.Amount1}, nil

	case types.StepSwap:
		reply, err := e.pool.Swap(ctx, step.Asset, step.Amount, step.Amount1)
		if err != nil {
			return "", types.StepResult{}, err
		}
		if reply.Outcome == dex.CallRejected {
			return types.OutcomeRejected, types.StepResult{Reason: reply.Reason}, nil
		}
		return types.OutcomeConfirmed, types.StepResult{Credited: reply.AmountOut}, nil

	default:
		return "", types.StepResult{}, fmt.Errorf("%w: unknown step kind %q", ErrInvalidRequest, step.Kind)
	}
}

func (e *Engine) callTransfer(ctx context.Context, run *opRun, step *types.Step, from, to string) (types.StepOutcome, types.StepResult, error) {
	client, err := e.assetClient(step.Asset)
	if err != nil {
		return "", types.StepResult{}, err
	}

	reply, err := client.Transfer(ctx, tokenledger.TransferRequest{
		From:           from,
		To:             to,
		Amount:         step.Amount,
		IdempotencyKey: step.IdempotencyKey,
	})
	if err != nil {
		return "", types.StepResult{}, err
	}
	if reply.Outcome == tokenledger.TransferRejected {
		return types.OutcomeRejected, types.StepResult{Reason: reply.Reason}, nil
	}

	credited := step.Amount.Sub(run.fee(step.Asset))
	if credited.IsNegative() {
		credited = sdkmath.ZeroInt()
	}
	return types.OutcomeConfirmed, types.StepResult{Credited: credited}, nil
}

// outcomeEvents maps a confirmed step to its balance ledger deltas. This
// is the single place where ownership semantics live; every delta is
// applied on confirmation only.
func (e *Engine) outcomeEvents(step *types.Step) []types.BalanceEvent {
	switch step.Kind {
	case types.StepPull:
		// Treasury -> unit: the delivered amount becomes owned.
		return []types.BalanceEvent{{Asset: step.Asset, OwnedDelta: step.Result.Credited}}

	case types.StepToPool:
		// Unit -> pool: owned leaves, the delivered amount is committed
		// until the liquidity add resolves.
		return []types.BalanceEvent{{
			Asset:           step.Asset,
			OwnedDelta:      step.Amount.Neg(),
			PendingOutDelta: step.Result.Credited,
		}}

	case types.StepAddLiquidity:
		return []types.BalanceEvent{
			{Asset: e.cfg.Asset0, PendingOutDelta: step.Amount.Neg()},
			{Asset: e.cfg.Asset1, PendingOutDelta: step.Amount1.Neg()},
			{Asset: e.cfg.ShareAsset, OwnedDelta: step.Result.Shares},
		}

	case types.StepReclaim:
		// Compensating pool -> unit transfer after a rejected add.
		return []types.BalanceEvent{{
			Asset:           step.Asset,
			OwnedDelta:      step.Result.Credited,
			PendingOutDelta: step.Amount.Neg(),
		}}

	case types.StepRemoveLiquidity:
		return []types.BalanceEvent{
			{Asset: e.cfg.ShareAsset, OwnedDelta: step.Amount.Neg()},
			{Asset: e.cfg.Asset0, PendingInDelta: step.Result.Amount0},
			{Asset: e.cfg.Asset1, PendingInDelta: step.Result.Amount1},
		}

	case types.StepReceive:
		return []types.BalanceEvent{{
			Asset:          step.Asset,
			OwnedDelta:     step.Result.Credited,
			PendingInDelta: step.Amount.Neg(),
		}}

	case types.StepPayout:
		return []types.BalanceEvent{{Asset: step.Asset, OwnedDelta: step.Amount.Neg()}}

	case types.StepSwap:
		out := e.cfg.Asset1
		if step.Asset == e.cfg.Asset1 {
			out = e.cfg.Asset0
		}
		return []types.BalanceEvent{
			{Asset: step.Asset, OwnedDelta: step.Amount.Neg()},
			{Asset: out, OwnedDelta: step.Result.Credited},
		}

	default:
		return nil
	}
}

func (e *Engine) refreshFees(ctx context.Context, run *opRun) error {
	for asset, client := range map[string]tokenledger.Client{
		e.cfg.Asset0: e.ledger0,
		e.cfg.Asset1: e.ledger1,
	} {
		meta, err := client.Metadata(ctx)
		if err != nil {
			return fmt.Errorf("metadata for %s: %w", asset, err)
		}
		run.fees[asset] = meta.Fee
	}
	return nil
}

func (run *opRun) fee(asset string) sdkmath.Int {
	if f, ok := run.fees[asset]; ok && !f.IsNil() {
		return f
	}
	return sdkmath.ZeroInt()
}

// newStep pins a step's parameters and a fresh idempotency key at intent
// time. Retries reuse both.
func (run *opRun) newStep(kind types.StepKind, asset string, amount, amount1 sdkmath.Int) *types.Step {
	s := &types.Step{
		OperationID:    run.op.ID,
		Index:          run.nextIdx,
		Kind:           kind,
		Asset:          asset,
		Amount:         amount,
		Amount1:        amount1,
		IdempotencyKey: uuid.New(),
		Outcome:        types.OutcomeUnknown,
		IntentAt:       time.Now().UTC(),
	}
	run.nextIdx++
	return s
}

func (run *opRun) stepsOfKind(kind types.StepKind) []*types.Step {
	var out []*types.Step
	for _, s := range run.steps {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (run *opRun) stepFor(kind types.StepKind, asset string) *types.Step {
	for _, s := range run.steps {
		if s.Kind == kind && s.Asset == asset {
			return s
		}
	}
	return nil
}
