/*

This file contains the balance ledger, the authoritative record of what
the unit owns per asset. The ledger is mutated exclusively by the engine
on step confirmation, via Apply; any transition that would drive a field
negative indicates the orchestration logic is inconsistent with the
operation journal and is rejected as a ledger invariant violation.

*/

package ledger

import (
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridian-fi/pfm/internal/logger"
	"github.com/meridian-fi/pfm/internal/types"
)

// StepRef identifies the journaled step whose confirmed outcome produced
// a batch of balance writes.
type StepRef struct {
	OperationID uuid.UUID
	Index       int
}

// BalanceStore persists ledger entries. Implemented by state.BalanceStore
// (PostgreSQL) and MemoryBalanceStore.
type BalanceStore interface {
	// LoadAll returns every persisted balance entry.
	LoadAll() ([]types.AssetBalance, error)
	// Save upserts a batch of balance entries atomically. A non-nil ref
	// asks the store to record, in the same write, that the step which
	// produced the batch has been applied to the ledger.
	Save(balances []types.AssetBalance, ref *StepRef) error
}

// Ledger answers "what do we own right now" with no ambiguity. All
// amounts are in base units of the respective asset; pool shares are
// tracked under their own synthetic asset symbol.
type Ledger struct {
	mu       sync.Mutex
	store    BalanceStore
	balances map[string]types.AssetBalance
	logger   zerolog.Logger
}

// New loads the persisted balance snapshot and returns a ready ledger.
// Assets lists every symbol the ledger must track, including the share
// symbol; missing entries start at zero.
func New(store BalanceStore, assets []string) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("balance store cannot be nil")
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("at least one asset is required")
	}

	persisted, err := store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load balance snapshot: %w", err)
	}

	l := &Ledger{
		store:    store,
		balances: make(map[string]types.AssetBalance),
		logger:   logger.GetForComponent("balance_ledger"),
	}
	for _, b := range persisted {
		l.balances[b.Asset] = b
	}
	var seed []types.AssetBalance
	for _, asset := range assets {
		if _, ok := l.balances[asset]; !ok {
			seed = append(seed, types.NewAssetBalance(asset))
		}
	}
	if len(seed) > 0 {
		if err := store.Save(seed, nil); err != nil {
			return nil, fmt.Errorf("failed to persist initial balances: %w", err)
		}
		for _, entry := range seed {
			l.balances[entry.Asset] = entry
		}
	}

	l.logger.Info().Int("assets", len(l.balances)).Msg("Balance ledger loaded")
	return l, nil
}

// Get returns the current balance view for an asset. Unknown assets read
// as zero.
func (l *Ledger) Get(asset string) types.AssetBalance {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.balances[asset]; ok {
		return b
	}
	return types.NewAssetBalance(asset)
}

// All returns every tracked balance entry.
func (l *Ledger) All() []types.AssetBalance {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.AssetBalance, 0, len(l.balances))
	for _, b := range l.balances {
		out = append(out, b)
	}
	return out
}

// Apply commits a set of balance events atomically: either every event
// passes the non-negativity invariant and all are persisted, or none are.
// A violation returns types.ErrLedgerInvariant; the caller must treat it
// as fatal for the operation that produced it, not as a retryable error.
func (l *Ledger) Apply(events ...types.BalanceEvent) error {
	return l.apply(nil, events)
}

// ApplyStep is Apply for a confirmed journal step: the balance writes and
// the step's applied marker reach the store in one atomic write, so a
// crash can never leave a journaled outcome whose credit was applied
// without a durable record of it.
func (l *Ledger) ApplyStep(ref StepRef, events ...types.BalanceEvent) error {
	return l.apply(&ref, events)
}

func (l *Ledger) apply(ref *StepRef, events []types.BalanceEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	staged := make(map[string]types.AssetBalance, len(events))
	order := make([]string, 0, len(events))
	for _, ev := range events {
		current, ok := staged[ev.Asset]
		if !ok {
			if current, ok = l.balances[ev.Asset]; !ok {
				current = types.NewAssetBalance(ev.Asset)
			}
			order = append(order, ev.Asset)
		}
		next := current
		next.Owned = addDelta(current.Owned, ev.OwnedDelta)
		next.PendingOut = addDelta(current.PendingOut, ev.PendingOutDelta)
		next.PendingIn = addDelta(current.PendingIn, ev.PendingInDelta)
		next.UpdatedAt = now

		if next.Owned.IsNegative() || next.PendingOut.IsNegative() || next.PendingIn.IsNegative() {
			l.logger.Error().
				Str("asset", ev.Asset).
				Str("owned", next.Owned.String()).
				Str("pending_out", next.PendingOut.String()).
				Str("pending_in", next.PendingIn.String()).
				Msg("Rejected balance transition that violates non-negativity")
			return fmt.Errorf("%w: asset %s", types.ErrLedgerInvariant, ev.Asset)
		}
		staged[ev.Asset] = next
	}

	batch := make([]types.AssetBalance, 0, len(order))
	for _, asset := range order {
		batch = append(batch, staged[asset])
	}
	if err := l.store.Save(batch, ref); err != nil {
		return fmt.Errorf("failed to persist balance batch: %w", err)
	}
	for _, next := range batch {
		l.balances[next.Asset] = next
		l.logger.Debug().
			Str("asset", next.Asset).
			Str("owned", next.Owned.String()).
			Str("pending_out", next.PendingOut.String()).
			Str("pending_in", next.PendingIn.String()).
			Msg("Balance updated")
	}
	return nil
}

func addDelta(current, delta sdkmath.Int) sdkmath.Int {
	if delta.IsNil() {
		return current
	}
	return current.Add(delta)
}
