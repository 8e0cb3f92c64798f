package ledger

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"github.com/meridian-fi/pfm/internal/types"
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryBalanceStore) {
	t.Helper()
	store := NewMemoryBalanceStore()
	l, err := New(store, []string{"TOKA", "TOKB", "POOLSHARE"})
	require.NoError(t, err)
	return l, store
}

func TestNewSeedsZeroBalances(t *testing.T) {
	l, _ := newTestLedger(t)

	b := l.Get("TOKA")
	require.True(t, b.Owned.IsZero())
	require.True(t, b.PendingOut.IsZero())
	require.True(t, b.PendingIn.IsZero())
	require.Len(t, l.All(), 3)
}

func TestApplyMovesBetweenFields(t *testing.T) {
	l, _ := newTestLedger(t)

	require.NoError(t, l.Apply(types.BalanceEvent{Asset: "TOKA", OwnedDelta: sdkmath.NewInt(1000)}))
	require.NoError(t, l.Apply(types.BalanceEvent{
		Asset:           "TOKA",
		OwnedDelta:      sdkmath.NewInt(-400),
		PendingOutDelta: sdkmath.NewInt(398),
	}))

	b := l.Get("TOKA")
	require.Equal(t, int64(600), b.Owned.Int64())
	require.Equal(t, int64(398), b.PendingOut.Int64())
}

func TestApplyRejectsNegativeTransition(t *testing.T) {
	l, _ := newTestLedger(t)

	require.NoError(t, l.Apply(types.BalanceEvent{Asset: "TOKA", OwnedDelta: sdkmath.NewInt(100)}))

	err := l.Apply(types.BalanceEvent{Asset: "TOKA", OwnedDelta: sdkmath.NewInt(-101)})
	require.ErrorIs(t, err, types.ErrLedgerInvariant)

	// The rejected transition must not leave partial effects behind.
	b := l.Get("TOKA")
	require.Equal(t, int64(100), b.Owned.Int64())
}

func TestApplyIsAtomicAcrossEvents(t *testing.T) {
	l, _ := newTestLedger(t)

	require.NoError(t, l.Apply(types.BalanceEvent{Asset: "TOKA", OwnedDelta: sdkmath.NewInt(50)}))

	// First event alone would be fine; the second violates the invariant,
	// so neither may land.
	err := l.Apply(
		types.BalanceEvent{Asset: "TOKA", OwnedDelta: sdkmath.NewInt(10)},
		types.BalanceEvent{Asset: "TOKB", OwnedDelta: sdkmath.NewInt(-1)},
	)
	require.ErrorIs(t, err, types.ErrLedgerInvariant)
	require.Equal(t, int64(50), l.Get("TOKA").Owned.Int64())
	require.True(t, l.Get("TOKB").Owned.IsZero())
}

func TestApplyCompoundsEventsOnOneAsset(t *testing.T) {
	l, _ := newTestLedger(t)

	// Two events on the same asset in one batch stack; the second sees
	// the first's effect.
	require.NoError(t, l.Apply(
		types.BalanceEvent{Asset: "TOKA", OwnedDelta: sdkmath.NewInt(100)},
		types.BalanceEvent{Asset: "TOKA", OwnedDelta: sdkmath.NewInt(-40)},
	))
	require.Equal(t, int64(60), l.Get("TOKA").Owned.Int64())
}

func TestApplyAdversarialOrderings(t *testing.T) {
	l, _ := newTestLedger(t)

	// Receiving before the matching expectation was recorded must fail
	// rather than silently create a negative pending_in.
	err := l.Apply(types.BalanceEvent{
		Asset:          "TOKB",
		OwnedDelta:     sdkmath.NewInt(30),
		PendingInDelta: sdkmath.NewInt(-30),
	})
	require.ErrorIs(t, err, types.ErrLedgerInvariant)

	// The legal ordering: expectation first, then settlement.
	require.NoError(t, l.Apply(types.BalanceEvent{Asset: "TOKB", PendingInDelta: sdkmath.NewInt(30)}))
	require.NoError(t, l.Apply(types.BalanceEvent{
		Asset:          "TOKB",
		OwnedDelta:     sdkmath.NewInt(30),
		PendingInDelta: sdkmath.NewInt(-30),
	}))
	require.Equal(t, int64(30), l.Get("TOKB").Owned.Int64())
	require.True(t, l.Get("TOKB").PendingIn.IsZero())
}

func TestLedgerReloadsPersistedState(t *testing.T) {
	store := NewMemoryBalanceStore()
	l, err := New(store, []string{"TOKA", "TOKB"})
	require.NoError(t, err)
	require.NoError(t, l.Apply(types.BalanceEvent{Asset: "TOKA", OwnedDelta: sdkmath.NewInt(777)}))

	// A second ledger over the same store sees the committed state.
	reloaded, err := New(store, []string{"TOKA", "TOKB"})
	require.NoError(t, err)
	require.Equal(t, int64(777), reloaded.Get("TOKA").Owned.Int64())
}
