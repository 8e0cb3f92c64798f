package dex

import (
	"context"

	sdkmath "cosmossdk.io/math"

	"github.com/meridian-fi/pfm/internal/types"
)

// CallOutcome is the explicit result of a pool call. Indeterminate
// outcomes are expressed as non-nil errors wrapping types.ErrIndeterminate.
type CallOutcome string

const (
	CallConfirmed CallOutcome = "CONFIRMED"
	CallRejected  CallOutcome = "REJECTED"
)

// AddLiquidityResult reports the shares minted for a liquidity add.
type AddLiquidityResult struct {
	Outcome CallOutcome `json:"outcome"`
	Shares  sdkmath.Int `json:"shares"`
	Reason  string      `json:"reason,omitempty"`
}

// RemoveLiquidityResult reports the amounts released for burned shares.
type RemoveLiquidityResult struct {
	Outcome CallOutcome `json:"outcome"`
	Amount0 sdkmath.Int `json:"amount0"`
	Amount1 sdkmath.Int `json:"amount1"`
	Reason  string      `json:"reason,omitempty"`
}

// SwapResult reports the output amount of an executed swap.
type SwapResult struct {
	Outcome   CallOutcome `json:"outcome"`
	AmountOut sdkmath.Int `json:"amount_out"`
	Reason    string      `json:"reason,omitempty"`
}

// Client is the uniform interface over the external exchange pool. One
// instance speaks for exactly one pool, selected at construction.
type Client interface {
	// Reserves returns a fresh market snapshot of the pool.
	Reserves(ctx context.Context) (types.MarketSnapshot, error)

	// AddLiquidity adds the two amounts as liquidity and mints shares.
	AddLiquidity(ctx context.Context, amount0, amount1 sdkmath.Int) (AddLiquidityResult, error)

	// RemoveLiquidity burns shares and releases both assets to the
	// unit's pool-side balance.
	RemoveLiquidity(ctx context.Context, shares sdkmath.Int) (RemoveLiquidityResult, error)

	// PositionAmounts estimates the amounts a share balance currently
	// represents, without moving funds.
	PositionAmounts(ctx context.Context, shares sdkmath.Int) (amount0, amount1 sdkmath.Int, err error)

	// ShareBalance returns the unit's current share balance as the pool
	// sees it.
	ShareBalance(ctx context.Context) (sdkmath.Int, error)

	// Swap trades amountIn of the given asset for the other, rejecting
	// the trade if the output would fall below minOut.
	Swap(ctx context.Context, assetIn string, amountIn, minOut sdkmath.Int) (SwapResult, error)
}
