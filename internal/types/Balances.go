/*

This file contains the balance ledger and market data types. The balance
ledger view is the authoritative record of what the unit owns per asset;
the market snapshot is a transient read of the pool's reserves used only
to compute amounts for a single step.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// AssetBalance is the per-asset view of the balance ledger.
// Invariant: all three fields are non-negative.
type AssetBalance struct {
	Asset      string      `json:"asset"`
	Owned      sdkmath.Int `json:"owned"`       // settled, under the unit's control
	PendingOut sdkmath.Int `json:"pending_out"` // committed to leave, awaiting confirmation
	PendingIn  sdkmath.Int `json:"pending_in"`  // expected to arrive, awaiting confirmation
	UpdatedAt  time.Time   `json:"updated_at"`
}

// NewAssetBalance returns a zeroed balance entry for the given asset.
func NewAssetBalance(asset string) AssetBalance {
	return AssetBalance{
		Asset:      asset,
		Owned:      sdkmath.ZeroInt(),
		PendingOut: sdkmath.ZeroInt(),
		PendingIn:  sdkmath.ZeroInt(),
	}
}

// BalanceEvent is one delta against a single asset's ledger entry. Events
// are produced by the engine on step confirmation and applied atomically
// by the ledger; they are the ledger's only mutator.
type BalanceEvent struct {
	Asset           string
	OwnedDelta      sdkmath.Int
	PendingOutDelta sdkmath.Int
	PendingInDelta  sdkmath.Int
}

// MarketSnapshot holds the pool reserves observed at a single moment.
// Never persisted as authoritative state; never cached across suspension
// points.
type MarketSnapshot struct {
	Reserve0   sdkmath.Int `json:"reserve0"`
	Reserve1   sdkmath.Int `json:"reserve1"`
	ObservedAt time.Time   `json:"observed_at"`
}

// Ratio returns reserve0/reserve1, the pool's local exchange rate.
func (s MarketSnapshot) Ratio() (sdkmath.LegacyDec, error) {
	if s.Reserve1.IsNil() || s.Reserve1.IsZero() {
		return sdkmath.LegacyDec{}, ErrEmptyPool
	}
	return sdkmath.LegacyNewDecFromInt(s.Reserve0).QuoInt(s.Reserve1), nil
}

// DriftReport is the reconciliation guard's finding for one asset.
type DriftReport struct {
	ReportID       int64       `json:"report_id,omitempty"`
	ObservedAt     time.Time   `json:"observed_at"`
	Asset          string      `json:"asset"`
	LedgerAmount   sdkmath.Int `json:"ledger_amount"`   // owned per the balance ledger
	ExternalAmount sdkmath.Int `json:"external_amount"` // actually held per the external system
	Tolerance      sdkmath.Int `json:"tolerance"`       // in-flight allowance applied
	Diverged       bool        `json:"diverged"`
}
