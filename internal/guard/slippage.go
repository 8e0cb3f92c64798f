/*

This file contains the slippage guard: pure functions over market
snapshots. The engine consults these at the decision point of every
protocol before committing an irreversible external call; a rejection
here means no funds have moved.

*/

package guard

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/meridian-fi/pfm/internal/types"
)

var (
	ErrZeroAmounts    = errors.New("deposit amounts are both zero")
	ErrInvalidAmounts = errors.New("deposit amounts are invalid")
)

const bpsDenominator = 10_000

// DepositPlan is the outcome of the deposit ratio rule: the amounts
// actually taken into the pool and the remainders owed back to the
// caller.
type DepositPlan struct {
	Taken0    sdkmath.Int
	Taken1    sdkmath.Int
	Residual0 sdkmath.Int
	Residual1 sdkmath.Int
}

// DepositAmounts applies the three-way ratio rule to a requested deposit
// against the pool's current reserves. With DR = amount0/amount1 and
// MR = reserve0/reserve1:
//
//   - DR == MR: both amounts are taken as-is.
//   - DR  > MR: all of amount1 is taken, plus amount1*MR of asset0.
//   - DR  < MR: all of amount0 is taken, plus amount0/MR of asset1,
//     rounded up.
//
// Both off-ratio branches round so the taken pair never overshoots the
// market ratio: taken0/taken1 <= reserve0/reserve1. The unused remainder
// is reported as a residual, never silently retained. An empty pool
// accepts both amounts as-is (initial liquidity). Comparisons are done by
// cross-multiplication so no precision is lost.
func DepositAmounts(snapshot types.MarketSnapshot, amount0, amount1 sdkmath.Int) (DepositPlan, error) {
	if amount0.IsNil() || amount1.IsNil() || amount0.IsNegative() || amount1.IsNegative() {
		return DepositPlan{}, ErrInvalidAmounts
	}
	if amount0.IsZero() && amount1.IsZero() {
		return DepositPlan{}, ErrZeroAmounts
	}

	r0, r1 := snapshot.Reserve0, snapshot.Reserve1
	if r0.IsNil() || r1.IsNil() || r0.IsNegative() || r1.IsNegative() {
		return DepositPlan{}, fmt.Errorf("%w: negative or missing reserves", ErrInvalidAmounts)
	}
	if r0.IsZero() != r1.IsZero() {
		return DepositPlan{}, types.ErrEmptyPool
	}

	plan := DepositPlan{
		Taken0:    amount0,
		Taken1:    amount1,
		Residual0: sdkmath.ZeroInt(),
		Residual1: sdkmath.ZeroInt(),
	}

	// Initial liquidity: the pool has no ratio to match yet.
	if r0.IsZero() && r1.IsZero() {
		return plan, nil
	}

	// DR ? MR  <=>  amount0*reserve1 ? reserve0*amount1
	left := amount0.Mul(r1)
	right := r0.Mul(amount1)

	switch {
	case left.Equal(right):
		// Amounts already match the pool ratio.
	case left.GT(right):
		// Asset0 is over-supplied: cap taken0 at amount1 * MR.
		plan.Taken1 = amount1
		plan.Taken0 = amount1.Mul(r0).Quo(r1)
		plan.Residual0 = amount0.Sub(plan.Taken0)
	default:
		// Asset1 is over-supplied: cap taken1 at amount0 / MR, rounded
		// up so the taken ratio stays at or below the market ratio. The
		// ceiling cannot exceed amount1 because DR < MR strictly.
		plan.Taken0 = amount0
		plan.Taken1 = amount0.Mul(r1).Add(r0).SubRaw(1).Quo(r0)
		plan.Residual1 = amount1.Sub(plan.Taken1)
	}

	return plan, nil
}

// PriceDeviationBps returns the absolute deviation between two snapshots'
// market ratios, in basis points of the reference ratio.
func PriceDeviationBps(reference, current types.MarketSnapshot) (sdkmath.LegacyDec, error) {
	refRatio, err := reference.Ratio()
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	curRatio, err := current.Ratio()
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	if refRatio.IsZero() {
		return sdkmath.LegacyDec{}, types.ErrEmptyPool
	}

	deviation := curRatio.Sub(refRatio).Abs().Quo(refRatio)
	return deviation.MulInt64(bpsDenominator), nil
}

// CheckSlippage compares the market ratio of the snapshot used to compute
// a step's amounts against a fresh snapshot taken just before execution.
// Exceeding the caller's tolerance returns types.ErrSlippageExceeded,
// which the engine treats as a fail-closed abort.
func CheckSlippage(reference, current types.MarketSnapshot, maxSlippageBps uint32) error {
	deviationBps, err := PriceDeviationBps(reference, current)
	if err != nil {
		return err
	}
	if deviationBps.GT(sdkmath.LegacyNewDec(int64(maxSlippageBps))) {
		return fmt.Errorf("%w: market moved %s bps (tolerance %d bps)",
			types.ErrSlippageExceeded, deviationBps.String(), maxSlippageBps)
	}
	return nil
}

// SwapMinOut converts a snapshot price into the minimum acceptable output
// for a swap of amountIn, discounted by the slippage tolerance. assetIn
// selects the direction: true means asset0 is sold for asset1.
func SwapMinOut(snapshot types.MarketSnapshot, sellingAsset0 bool, amountIn sdkmath.Int, maxSlippageBps uint32) (sdkmath.Int, error) {
	if snapshot.Reserve0.IsZero() || snapshot.Reserve1.IsZero() {
		return sdkmath.Int{}, types.ErrEmptyPool
	}

	var expectedOut sdkmath.LegacyDec
	if sellingAsset0 {
		expectedOut = sdkmath.LegacyNewDecFromInt(amountIn.Mul(snapshot.Reserve1)).QuoInt(snapshot.Reserve0)
	} else {
		expectedOut = sdkmath.LegacyNewDecFromInt(amountIn.Mul(snapshot.Reserve0)).QuoInt(snapshot.Reserve1)
	}

	discount := sdkmath.LegacyNewDec(bpsDenominator - int64(maxSlippageBps)).
		Quo(sdkmath.LegacyNewDec(bpsDenominator))
	return expectedOut.Mul(discount).TruncateInt(), nil
}
