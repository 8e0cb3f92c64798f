/*

This file implements the token-ledger client over the ledger service's
JSON/HTTP API. Transport failures and timeouts surface as indeterminate
outcomes; only an explicit response from the service resolves a transfer.

*/

package tokenledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/go-resty/resty/v2"

	"github.com/meridian-fi/pfm/internal/logger"
	"github.com/meridian-fi/pfm/internal/types"
)

var (
	ErrInvalidBaseURL  = errors.New("ledger base URL is invalid")
	ErrInvalidResponse = errors.New("ledger response is invalid")
)

// HTTPClient talks to one token ledger service.
type HTTPClient struct {
	rest  *resty.Client
	asset string
}

type transferResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type metadataResponse struct {
	Symbol   string      `json:"symbol"`
	Fee      sdkmath.Int `json:"fee"`
	Decimals int         `json:"decimals"`
}

type balanceResponse struct {
	Balance sdkmath.Int `json:"balance"`
}

// NewHTTPClient returns a client for the ledger service at baseURL.
// The asset symbol is only used for log attribution.
func NewHTTPClient(baseURL, asset string, timeout time.Duration) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, ErrInvalidBaseURL
	}

	ledgerLogger := logger.GetForComponent("token_ledger_" + asset)

	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	ledgerLogger.Info().Str("baseURL", baseURL).Msg("Token ledger client initialized")

	return &HTTPClient{rest: rest, asset: asset}, nil
}

func (c *HTTPClient) Metadata(ctx context.Context) (Metadata, error) {
	var reply metadataResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&reply).
		Get("/v1/metadata")
	if err != nil {
		return Metadata{}, fmt.Errorf("ledger metadata request failed: %w", err)
	}
	if resp.IsError() {
		return Metadata{}, fmt.Errorf("%w: metadata returned HTTP %d", ErrInvalidResponse, resp.StatusCode())
	}
	if reply.Symbol == "" || reply.Fee.IsNil() || reply.Fee.IsNegative() {
		return Metadata{}, fmt.Errorf("%w: missing symbol or fee", ErrInvalidResponse)
	}
	return Metadata(reply), nil
}

func (c *HTTPClient) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	var reply transferResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&reply).
		Post("/v1/transfers")
	if err != nil {
		// Transport failure: the ledger may or may not have executed the
		// transfer. The idempotency key makes the retry safe.
		return TransferResult{}, fmt.Errorf("%w: %v", types.ErrIndeterminate, err)
	}

	switch {
	case resp.IsSuccess() && reply.Status == "confirmed":
		return TransferResult{Outcome: TransferConfirmed}, nil
	case resp.StatusCode() == http.StatusUnprocessableEntity || reply.Status == "rejected":
		return TransferResult{Outcome: TransferRejected, Reason: reply.Reason}, nil
	default:
		// The service answered but not with a terminal status; treat the
		// outcome as unknown rather than guessing.
		return TransferResult{}, fmt.Errorf("%w: transfer returned HTTP %d status %q",
			types.ErrIndeterminate, resp.StatusCode(), reply.Status)
	}
}

func (c *HTTPClient) AccountBalance(ctx context.Context, account string) (sdkmath.Int, error) {
	var reply balanceResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&reply).
		Get("/v1/accounts/" + account + "/balance")
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("ledger balance request failed: %w", err)
	}
	if resp.IsError() {
		return sdkmath.Int{}, fmt.Errorf("%w: balance returned HTTP %d", ErrInvalidResponse, resp.StatusCode())
	}
	if reply.Balance.IsNil() || reply.Balance.IsNegative() {
		return sdkmath.Int{}, fmt.Errorf("%w: missing or negative balance", ErrInvalidResponse)
	}
	return reply.Balance, nil
}

var _ Client = (*HTTPClient)(nil)
