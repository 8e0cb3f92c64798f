/*

This file implements the exchange pool client over the pool service's
JSON/HTTP API. Reads (reserves, position estimates) fail plainly; fund-
moving calls distinguish explicit rejection from indeterminate transport
failure, because only the former is safe to act on without a retry.

*/

package dex

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/go-resty/resty/v2"

	"github.com/meridian-fi/pfm/internal/logger"
	"github.com/meridian-fi/pfm/internal/types"
)

var (
	ErrInvalidBaseURL  = errors.New("pool base URL is invalid")
	ErrInvalidResponse = errors.New("pool response is invalid")
)

var dexLogger = logger.GetForComponent("dex_client")

// HTTPClient talks to the external exchange pool service.
type HTTPClient struct {
	rest *resty.Client
}

type reservesResponse struct {
	Reserve0 sdkmath.Int `json:"reserve0"`
	Reserve1 sdkmath.Int `json:"reserve1"`
}

type liquidityResponse struct {
	Status  string      `json:"status"`
	Shares  sdkmath.Int `json:"shares"`
	Amount0 sdkmath.Int `json:"amount0"`
	Amount1 sdkmath.Int `json:"amount1"`
	Reason  string      `json:"reason,omitempty"`
}

type swapResponse struct {
	Status    string      `json:"status"`
	AmountOut sdkmath.Int `json:"amount_out"`
	Reason    string      `json:"reason,omitempty"`
}

// NewHTTPClient returns a client for the pool service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, ErrInvalidBaseURL
	}

	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	dexLogger.Info().Str("baseURL", baseURL).Msg("DEX client initialized")

	return &HTTPClient{rest: rest}, nil
}

func (c *HTTPClient) Reserves(ctx context.Context) (types.MarketSnapshot, error) {
	var reply reservesResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&reply).
		Get("/v1/reserves")
	if err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("reserves request failed: %w", err)
	}
	if resp.IsError() {
		return types.MarketSnapshot{}, fmt.Errorf("%w: reserves returned HTTP %d", ErrInvalidResponse, resp.StatusCode())
	}
	if reply.Reserve0.IsNil() || reply.Reserve1.IsNil() {
		return types.MarketSnapshot{}, fmt.Errorf("%w: missing reserves", ErrInvalidResponse)
	}
	return types.MarketSnapshot{
		Reserve0:   reply.Reserve0,
		Reserve1:   reply.Reserve1,
		ObservedAt: time.Now().UTC(),
	}, nil
}

func (c *HTTPClient) AddLiquidity(ctx context.Context, amount0, amount1 sdkmath.Int) (AddLiquidityResult, error) {
	body := map[string]sdkmath.Int{"amount0": amount0, "amount1": amount1}

	var reply liquidityResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&reply).
		Post("/v1/liquidity/add")
	if err != nil {
		return AddLiquidityResult{}, fmt.Errorf("%w: %v", types.ErrIndeterminate, err)
	}

	switch {
	case resp.IsSuccess() && reply.Status == "confirmed":
		if reply.Shares.IsNil() || !reply.Shares.IsPositive() {
			return AddLiquidityResult{}, fmt.Errorf("%w: confirmed add_liquidity without shares", ErrInvalidResponse)
		}
		return AddLiquidityResult{Outcome: CallConfirmed, Shares: reply.Shares}, nil
	case reply.Status == "rejected":
		return AddLiquidityResult{Outcome: CallRejected, Reason: reply.Reason}, nil
	default:
		return AddLiquidityResult{}, fmt.Errorf("%w: add_liquidity returned HTTP %d status %q",
			types.ErrIndeterminate, resp.StatusCode(), reply.Status)
	}
}

func (c *HTTPClient) RemoveLiquidity(ctx context.Context, shares sdkmath.Int) (RemoveLiquidityResult, error) {
	body := map[string]sdkmath.Int{"shares": shares}

	var reply liquidityResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&reply).
		Post("/v1/liquidity/remove")
	if err != nil {
		return RemoveLiquidityResult{}, fmt.Errorf("%w: %v", types.ErrIndeterminate, err)
	}

	switch {
	case resp.IsSuccess() && reply.Status == "confirmed":
		if reply.Amount0.IsNil() || reply.Amount1.IsNil() {
			return RemoveLiquidityResult{}, fmt.Errorf("%w: confirmed remove_liquidity without amounts", ErrInvalidResponse)
		}
		return RemoveLiquidityResult{Outcome: CallConfirmed, Amount0: reply.Amount0, Amount1: reply.Amount1}, nil
	case reply.Status == "rejected":
		return RemoveLiquidityResult{Outcome: CallRejected, Reason: reply.Reason}, nil
	default:
		return RemoveLiquidityResult{}, fmt.Errorf("%w: remove_liquidity returned HTTP %d status %q",
			types.ErrIndeterminate, resp.StatusCode(), reply.Status)
	}
}

func (c *HTTPClient) PositionAmounts(ctx context.Context, shares sdkmath.Int) (sdkmath.Int, sdkmath.Int, error) {
	var reply liquidityResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("shares", shares.String()).
		SetResult(&reply).
		Get("/v1/positions/amounts")
	if err != nil {
		return sdkmath.Int{}, sdkmath.Int{}, fmt.Errorf("position amounts request failed: %w", err)
	}
	if resp.IsError() {
		return sdkmath.Int{}, sdkmath.Int{}, fmt.Errorf("%w: position amounts returned HTTP %d", ErrInvalidResponse, resp.StatusCode())
	}
	if reply.Amount0.IsNil() || reply.Amount1.IsNil() {
		return sdkmath.Int{}, sdkmath.Int{}, fmt.Errorf("%w: missing position amounts", ErrInvalidResponse)
	}
	return reply.Amount0, reply.Amount1, nil
}

func (c *HTTPClient) ShareBalance(ctx context.Context) (sdkmath.Int, error) {
	var reply liquidityResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&reply).
		Get("/v1/positions/shares")
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("share balance request failed: %w", err)
	}
	if resp.IsError() {
		return sdkmath.Int{}, fmt.Errorf("%w: share balance returned HTTP %d", ErrInvalidResponse, resp.StatusCode())
	}
	if reply.Shares.IsNil() || reply.Shares.IsNegative() {
		return sdkmath.Int{}, fmt.Errorf("%w: missing or negative share balance", ErrInvalidResponse)
	}
	return reply.Shares, nil
}

func (c *HTTPClient) Swap(ctx context.Context, assetIn string, amountIn, minOut sdkmath.Int) (SwapResult, error) {
	body := map[string]interface{}{
		"asset_in":  assetIn,
		"amount_in": amountIn,
		"min_out":   minOut,
	}

	var reply swapResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&reply).
		Post("/v1/swap")
	if err != nil {
		return SwapResult{}, fmt.Errorf("%w: %v", types.ErrIndeterminate, err)
	}

	switch {
	case resp.IsSuccess() && reply.Status == "confirmed":
		if reply.AmountOut.IsNil() || reply.AmountOut.IsNegative() {
			return SwapResult{}, fmt.Errorf("%w: confirmed swap without amount_out", ErrInvalidResponse)
		}
		return SwapResult{Outcome: CallConfirmed, AmountOut: reply.AmountOut}, nil
	case reply.Status == "rejected":
		return SwapResult{Outcome: CallRejected, Reason: reply.Reason}, nil
	default:
		return SwapResult{}, fmt.Errorf("%w: swap returned HTTP %d status %q",
			types.ErrIndeterminate, resp.StatusCode(), reply.Status)
	}
}

var _ Client = (*HTTPClient)(nil)
