package guard

import (
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"github.com/meridian-fi/pfm/internal/types"
)

func snapshot(r0, r1 int64) types.MarketSnapshot {
	return types.MarketSnapshot{
		Reserve0:   sdkmath.NewInt(r0),
		Reserve1:   sdkmath.NewInt(r1),
		ObservedAt: time.Now().UTC(),
	}
}

func TestDepositAmountsRatioRule(t *testing.T) {
	cases := []struct {
		name                 string
		r0, r1               int64
		amount0, amount1     int64
		taken0, taken1       int64
		residual0, residual1 int64
	}{
		{
			name: "exact ratio taken as-is",
			r0:   1000, r1: 500,
			amount0: 200, amount1: 100,
			taken0: 200, taken1: 100,
		},
		{
			name: "asset0 over-supplied",
			r0:   1000, r1: 500,
			amount0: 300, amount1: 100,
			taken0: 200, taken1: 100,
			residual0: 100,
		},
		{
			name: "asset1 over-supplied",
			r0:   1000, r1: 500,
			amount0: 200, amount1: 180,
			taken0: 200, taken1: 100,
			residual1: 80,
		},
		{
			// 2*7/3 does not divide evenly; taken1 must round up to 5 so
			// the taken pair (2, 5) stays at or below the 3/7 pool ratio.
			name: "asset1 over-supplied rounds toward the pool ratio",
			r0:   3, r1: 7,
			amount0: 2, amount1: 17,
			taken0: 2, taken1: 5,
			residual1: 12,
		},
		{
			name: "one-sided deposit leaves the other side whole",
			r0:   1000, r1: 500,
			amount0: 0, amount1: 100,
			taken0: 0, taken1: 0,
			residual1: 100,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := DepositAmounts(snapshot(tc.r0, tc.r1), sdkmath.NewInt(tc.amount0), sdkmath.NewInt(tc.amount1))
			require.NoError(t, err)
			require.Equal(t, tc.taken0, plan.Taken0.Int64(), "taken0")
			require.Equal(t, tc.taken1, plan.Taken1.Int64(), "taken1")
			require.Equal(t, tc.residual0, plan.Residual0.Int64(), "residual0")
			require.Equal(t, tc.residual1, plan.Residual1.Int64(), "residual1")
		})
	}
}

func TestDepositAmountsConservation(t *testing.T) {
	// Taken plus residual must always equal the request; the rule may
	// never retain or invent funds.
	reserves := []int64{1, 3, 7, 1000, 999_983}
	amounts := []int64{0, 1, 2, 17, 500, 123_457}

	for _, r0 := range reserves {
		for _, r1 := range reserves {
			for _, a0 := range amounts {
				for _, a1 := range amounts {
					if a0 == 0 && a1 == 0 {
						continue
					}
					plan, err := DepositAmounts(snapshot(r0, r1), sdkmath.NewInt(a0), sdkmath.NewInt(a1))
					require.NoError(t, err)
					require.Equal(t, a0, plan.Taken0.Add(plan.Residual0).Int64())
					require.Equal(t, a1, plan.Taken1.Add(plan.Residual1).Int64())
					require.False(t, plan.Taken0.IsNegative())
					require.False(t, plan.Taken1.IsNegative())

					// Taken amounts must not overshoot the pool ratio in
					// either branch: taken0/taken1 <= r0/r1.
					if plan.Taken1.IsPositive() {
						require.True(t, plan.Taken0.Mul(sdkmath.NewInt(r1)).LTE(sdkmath.NewInt(r0).Mul(plan.Taken1)))
					}
				}
			}
		}
	}
}

func TestDepositAmountsEdgeCases(t *testing.T) {
	bothZero := snapshot(0, 0)
	plan, err := DepositAmounts(bothZero, sdkmath.NewInt(100), sdkmath.NewInt(40))
	require.NoError(t, err, "empty pool accepts initial liquidity")
	require.Equal(t, int64(100), plan.Taken0.Int64())
	require.Equal(t, int64(40), plan.Taken1.Int64())

	_, err = DepositAmounts(snapshot(1000, 0), sdkmath.NewInt(100), sdkmath.NewInt(40))
	require.ErrorIs(t, err, types.ErrEmptyPool, "half-empty pool has no usable ratio")

	_, err = DepositAmounts(snapshot(1000, 500), sdkmath.ZeroInt(), sdkmath.ZeroInt())
	require.ErrorIs(t, err, ErrZeroAmounts)

	_, err = DepositAmounts(snapshot(1000, 500), sdkmath.NewInt(-1), sdkmath.NewInt(40))
	require.ErrorIs(t, err, ErrInvalidAmounts)
}

func TestCheckSlippage(t *testing.T) {
	reference := snapshot(1000, 500)

	require.NoError(t, CheckSlippage(reference, snapshot(1000, 500), 0), "unchanged market passes zero tolerance")

	// 1010/500 vs 1000/500 is a 100 bps move.
	moved := snapshot(1010, 500)
	require.NoError(t, CheckSlippage(reference, moved, 100))

	err := CheckSlippage(reference, moved, 99)
	require.ErrorIs(t, err, types.ErrSlippageExceeded)

	require.True(t, errors.Is(CheckSlippage(reference, snapshot(1000, 0), 100), types.ErrEmptyPool))
}

func TestPriceDeviationBps(t *testing.T) {
	dev, err := PriceDeviationBps(snapshot(1000, 500), snapshot(1100, 500))
	require.NoError(t, err)
	require.Equal(t, "1000.000000000000000000", dev.String())

	// Deviation is symmetric in sign.
	dev, err = PriceDeviationBps(snapshot(1000, 500), snapshot(900, 500))
	require.NoError(t, err)
	require.Equal(t, "1000.000000000000000000", dev.String())
}

func TestSwapMinOut(t *testing.T) {
	snap := snapshot(1000, 500)

	// Selling 100 of asset0 at r1/r0 = 0.5 expects 50 out; 200 bps
	// tolerance floors it at 49.
	minOut, err := SwapMinOut(snap, true, sdkmath.NewInt(100), 200)
	require.NoError(t, err)
	require.Equal(t, int64(49), minOut.Int64())

	// Selling asset1 goes the other direction.
	minOut, err = SwapMinOut(snap, false, sdkmath.NewInt(50), 0)
	require.NoError(t, err)
	require.Equal(t, int64(100), minOut.Int64())

	_, err = SwapMinOut(snapshot(0, 500), true, sdkmath.NewInt(100), 0)
	require.ErrorIs(t, err, types.ErrEmptyPool)
}
