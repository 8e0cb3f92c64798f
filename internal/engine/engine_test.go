package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-fi/pfm/internal/dex"
	"github.com/meridian-fi/pfm/internal/journal"
	"github.com/meridian-fi/pfm/internal/ledger"
	"github.com/meridian-fi/pfm/internal/tokenledger"
	"github.com/meridian-fi/pfm/internal/types"
)

const (
	asset0 = "TOKA"
	asset1 = "TOKB"
	shares = "POOLSHARE"
)

// fakeLedgerClient is a scripted tokenledger.Client. Every transfer is
// recorded; transferFn and metadataFn override the default always-succeed
// behavior.
type fakeLedgerClient struct {
	asset string
	fee   int64

	mu            sync.Mutex
	calls         []tokenledger.TransferRequest
	transferFn    func(call int, req tokenledger.TransferRequest) (tokenledger.TransferResult, error)
	metadataFn    func(call int) (tokenledger.Metadata, error)
	metadataCalls int
	balance       sdkmath.Int
}

func (f *fakeLedgerClient) Metadata(ctx context.Context) (tokenledger.Metadata, error) {
	f.mu.Lock()
	call := f.metadataCalls
	f.metadataCalls++
	fn := f.metadataFn
	f.mu.Unlock()

	if fn != nil {
		return fn(call)
	}
	return tokenledger.Metadata{Symbol: f.asset, Fee: sdkmath.NewInt(f.fee), Decimals: 6}, nil
}

func (f *fakeLedgerClient) Transfer(ctx context.Context, req tokenledger.TransferRequest) (tokenledger.TransferResult, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, req)
	fn := f.transferFn
	f.mu.Unlock()

	if fn != nil {
		return fn(call, req)
	}
	return tokenledger.TransferResult{Outcome: tokenledger.TransferConfirmed}, nil
}

func (f *fakeLedgerClient) AccountBalance(ctx context.Context, account string) (sdkmath.Int, error) {
	if f.balance.IsNil() {
		return sdkmath.ZeroInt(), nil
	}
	return f.balance, nil
}

func (f *fakeLedgerClient) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type swapCall struct {
	assetIn        string
	amountIn, minOut sdkmath.Int
}

// fakePool is a scripted dex.Client. Reserves are consumed from the
// snapshot list in order, with the last snapshot repeating.
type fakePool struct {
	mu        sync.Mutex
	snapshots []types.MarketSnapshot
	snapIdx   int

	mintShares int64
	addFn      func(amount0, amount1 sdkmath.Int) (dex.AddLiquidityResult, error)
	removeFn   func(shares sdkmath.Int) (dex.RemoveLiquidityResult, error)
	positionFn func(shares sdkmath.Int) (sdkmath.Int, sdkmath.Int, error)
	swapFn     func(assetIn string, amountIn, minOut sdkmath.Int) (dex.SwapResult, error)

	addCalls  [][2]sdkmath.Int
	swapCalls []swapCall
	shareBal  sdkmath.Int
}

func (f *fakePool) addCallAt(i int) [2]sdkmath.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addCalls[i]
}

func snap(r0, r1 int64) types.MarketSnapshot {
	return types.MarketSnapshot{
		Reserve0:   sdkmath.NewInt(r0),
		Reserve1:   sdkmath.NewInt(r1),
		ObservedAt: time.Now().UTC(),
	}
}

func (f *fakePool) Reserves(ctx context.Context) (types.MarketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.snapshots[f.snapIdx]
	if f.snapIdx < len(f.snapshots)-1 {
		f.snapIdx++
	}
	return s, nil
}

func (f *fakePool) AddLiquidity(ctx context.Context, amount0, amount1 sdkmath.Int) (dex.AddLiquidityResult, error) {
	f.mu.Lock()
	f.addCalls = append(f.addCalls, [2]sdkmath.Int{amount0, amount1})
	fn := f.addFn
	f.mu.Unlock()

	if fn != nil {
		return fn(amount0, amount1)
	}
	return dex.AddLiquidityResult{Outcome: dex.CallConfirmed, Shares: sdkmath.NewInt(f.mintShares)}, nil
}

func (f *fakePool) RemoveLiquidity(ctx context.Context, burned sdkmath.Int) (dex.RemoveLiquidityResult, error) {
	if f.removeFn != nil {
		return f.removeFn(burned)
	}
	return dex.RemoveLiquidityResult{Outcome: dex.CallRejected, Reason: "no remove scripted"}, nil
}

func (f *fakePool) PositionAmounts(ctx context.Context, held sdkmath.Int) (sdkmath.Int, sdkmath.Int, error) {
	if f.positionFn != nil {
		return f.positionFn(held)
	}
	return sdkmath.ZeroInt(), sdkmath.ZeroInt(), nil
}

func (f *fakePool) ShareBalance(ctx context.Context) (sdkmath.Int, error) {
	if f.shareBal.IsNil() {
		return sdkmath.ZeroInt(), nil
	}
	return f.shareBal, nil
}

func (f *fakePool) Swap(ctx context.Context, assetIn string, amountIn, minOut sdkmath.Int) (dex.SwapResult, error) {
	f.mu.Lock()
	f.swapCalls = append(f.swapCalls, swapCall{assetIn: assetIn, amountIn: amountIn, minOut: minOut})
	fn := f.swapFn
	f.mu.Unlock()

	if fn != nil {
		return fn(assetIn, amountIn, minOut)
	}
	return dex.SwapResult{Outcome: dex.CallRejected, Reason: "no swap scripted"}, nil
}

type harness struct {
	t       *testing.T
	journal *journal.MemoryJournal
	ledger  *ledger.Ledger
	l0, l1  *fakeLedgerClient
	pool    *fakePool
	eng     *Engine
}

func newHarness(t *testing.T, fee int64, pool *fakePool, maxAttempts int) *harness {
	t.Helper()

	jnl := journal.NewMemoryJournal()
	led, err := ledger.New(ledger.NewMemoryBalanceStore(), []string{asset0, asset1, shares})
	require.NoError(t, err)

	l0 := &fakeLedgerClient{asset: asset0, fee: fee}
	l1 := &fakeLedgerClient{asset: asset1, fee: fee}

	eng, err := New(Config{
		Journal: jnl,
		Ledger:  led,
		Ledger0: l0,
		Ledger1: l1,
		Pool:    pool,

		Asset0:     asset0,
		Asset1:     asset1,
		ShareAsset: shares,

		UnitAccount:     "unit-1",
		TreasuryAccount: "treasury-1",
		PoolAccount:     "pool-1",

		MaxStepAttempts: maxAttempts,
		RetryDelay:      time.Millisecond,
	})
	require.NoError(t, err)

	return &harness{t: t, journal: jnl, ledger: led, l0: l0, l1: l1, pool: pool, eng: eng}
}

func (h *harness) drive(id uuid.UUID) *types.Operation {
	h.t.Helper()
	require.NoError(h.t, h.eng.execute(context.Background(), id))
	op, err := h.journal.GetOperation(id)
	require.NoError(h.t, err)
	return op
}

func (h *harness) owned(asset string) int64 {
	return h.ledger.Get(asset).Owned.Int64()
}

func (h *harness) seedOwned(asset string, amount int64) {
	require.NoError(h.t, h.ledger.Apply(types.BalanceEvent{Asset: asset, OwnedDelta: sdkmath.NewInt(amount)}))
}

func stepKinds(steps []*types.Step) []types.StepKind {
	out := make([]types.StepKind, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Kind)
	}
	return out
}

func TestDepositHappyPathWithFees(t *testing.T) {
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500)}, mintShares: 700}
	h := newHarness(t, 2, pool, 3)

	id, err := h.eng.SubmitDeposit(sdkmath.NewInt(1000), sdkmath.NewInt(500), 100)
	require.NoError(t, err)

	op := h.drive(id)
	require.Equal(t, types.StatusCompleted, op.Status)

	steps, err := h.journal.Steps(id)
	require.NoError(t, err)
	require.Equal(t, []types.StepKind{
		types.StepPull, types.StepPull,
		types.StepToPool, types.StepToPool,
		types.StepAddLiquidity,
		types.StepPayout,
	}, stepKinds(steps))

	// Pulls delivered 998/498 after the flat fee of 2; the ratio rule at
	// 1000/500 commits 996/498 and leaves a residual of 2 asset0, which
	// goes back to the treasury.
	require.Equal(t, int64(996), steps[2].Amount.Int64())
	require.Equal(t, int64(498), steps[3].Amount.Int64())
	require.Equal(t, int64(2), steps[5].Amount.Int64())

	// The liquidity add uses what actually arrived on the pool account.
	require.Len(t, pool.addCalls, 1)
	require.Equal(t, int64(994), pool.addCalls[0][0].Int64())
	require.Equal(t, int64(496), pool.addCalls[0][1].Int64())

	// Nothing stays behind on the unit: everything is in the pool or
	// returned.
	require.Zero(t, h.owned(asset0))
	require.Zero(t, h.owned(asset1))
	require.Equal(t, int64(700), h.owned(shares))
	require.True(t, h.ledger.Get(asset0).PendingOut.IsZero())
	require.True(t, h.ledger.Get(asset1).PendingOut.IsZero())
}

func TestDepositSlippageAbortsBeforeAnyTransfer(t *testing.T) {
	// The market moves 3000 bps between the planning snapshot and the
	// execution snapshot.
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500), snap(1300, 500)}}
	h := newHarness(t, 0, pool, 3)

	id, err := h.eng.SubmitDeposit(sdkmath.NewInt(200), sdkmath.NewInt(100), 100)
	require.NoError(t, err)

	op := h.drive(id)
	require.Equal(t, types.StatusFailed, op.Status)
	require.Contains(t, op.FailReason, "market moved")

	steps, err := h.journal.Steps(id)
	require.NoError(t, err)
	require.Empty(t, steps, "a pre-flight abort journals no steps")
	require.Zero(t, h.l0.transferCount(), "no asset0 transfer was issued")
	require.Zero(t, h.l1.transferCount(), "no asset1 transfer was issued")
}

func TestDepositAddRejectedReclaimsAndReturns(t *testing.T) {
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500)}}
	pool.addFn = func(a0, a1 sdkmath.Int) (dex.AddLiquidityResult, error) {
		return dex.AddLiquidityResult{Outcome: dex.CallRejected, Reason: "pool migrating"}, nil
	}
	h := newHarness(t, 0, pool, 3)

	id, err := h.eng.SubmitDeposit(sdkmath.NewInt(200), sdkmath.NewInt(100), 100)
	require.NoError(t, err)

	op := h.drive(id)
	require.Equal(t, types.StatusFailed, op.Status)
	require.Contains(t, op.FailReason, "pool migrating")

	steps, err := h.journal.Steps(id)
	require.NoError(t, err)
	require.Equal(t, []types.StepKind{
		types.StepPull, types.StepPull,
		types.StepToPool, types.StepToPool,
		types.StepAddLiquidity,
		types.StepReclaim, types.StepReclaim,
		types.StepPayout, types.StepPayout,
	}, stepKinds(steps))

	// Every reclaimed amount went back to the treasury; the ledger holds
	// nothing for this operation.
	require.Zero(t, h.owned(asset0))
	require.Zero(t, h.owned(asset1))
	require.Zero(t, h.owned(shares))
	require.True(t, h.ledger.Get(asset0).PendingOut.IsZero())
	require.True(t, h.ledger.Get(asset1).PendingOut.IsZero())
}

func TestIndeterminateTransferRetriesWithSameKey(t *testing.T) {
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500)}, mintShares: 10}
	h := newHarness(t, 0, pool, 3)

	h.l0.transferFn = func(call int, req tokenledger.TransferRequest) (tokenledger.TransferResult, error) {
		if call == 0 {
			return tokenledger.TransferResult{}, fmt.Errorf("%w: connection reset", types.ErrIndeterminate)
		}
		return tokenledger.TransferResult{Outcome: tokenledger.TransferConfirmed}, nil
	}

	id, err := h.eng.SubmitDeposit(sdkmath.NewInt(200), sdkmath.NewInt(100), 100)
	require.NoError(t, err)

	op := h.drive(id)
	require.Equal(t, types.StatusCompleted, op.Status)

	// The retry re-sent the identical request under the identical key.
	require.GreaterOrEqual(t, h.l0.transferCount(), 2)
	require.Equal(t, h.l0.calls[0].IdempotencyKey, h.l0.calls[1].IdempotencyKey)
	require.Equal(t, h.l0.calls[0].Amount, h.l0.calls[1].Amount)

	steps, err := h.journal.Steps(id)
	require.NoError(t, err)
	require.Equal(t, 2, steps[0].Attempts)
}

func TestRetryExhaustionFreezesOperation(t *testing.T) {
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500)}}
	h := newHarness(t, 0, pool, 2)

	h.l0.transferFn = func(call int, req tokenledger.TransferRequest) (tokenledger.TransferResult, error) {
		return tokenledger.TransferResult{}, fmt.Errorf("%w: timeout", types.ErrIndeterminate)
	}

	id, err := h.eng.SubmitDeposit(sdkmath.NewInt(200), sdkmath.NewInt(100), 100)
	require.NoError(t, err)

	op := h.drive(id)
	require.Equal(t, types.StatusPartiallyFailed, op.Status)
	require.Contains(t, op.FailReason, "unresolved after 2 attempts")

	// Both attempts reused the journaled key; the ledger was never
	// touched because nothing confirmed.
	require.Equal(t, 2, h.l0.transferCount())
	require.Equal(t, h.l0.calls[0].IdempotencyKey, h.l0.calls[1].IdempotencyKey)
	require.Zero(t, h.owned(asset0))
}

func TestResumeReplaysJournaledStepVerbatim(t *testing.T) {
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500)}, mintShares: 50}
	h := newHarness(t, 0, pool, 3)

	// Reconstruct the journal as a crash would leave it: an in-progress
	// deposit whose pull pair is journaled but unresolved.
	now := time.Now().UTC()
	op := &types.Operation{
		ID:             uuid.New(),
		Kind:           types.OperationDeposit,
		Status:         types.StatusInProgress,
		Amount0:        sdkmath.NewInt(200),
		Amount1:        sdkmath.NewInt(100),
		Shares:         sdkmath.ZeroInt(),
		MaxSlippageBps: 100,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, h.journal.CreateOperation(op))

	pinnedKey := uuid.New()
	require.NoError(t, h.journal.AppendSteps(
		&types.Step{
			OperationID: op.ID, Index: 0, Kind: types.StepPull, Asset: asset0,
			Amount: sdkmath.NewInt(200), IdempotencyKey: pinnedKey,
			Outcome: types.OutcomeUnknown, IntentAt: now,
		},
		&types.Step{
			OperationID: op.ID, Index: 1, Kind: types.StepPull, Asset: asset1,
			Amount: sdkmath.NewInt(100), IdempotencyKey: uuid.New(),
			Outcome: types.OutcomeUnknown, IntentAt: now,
		},
	))

	driven := h.drive(op.ID)
	require.Equal(t, types.StatusCompleted, driven.Status)

	// The replayed call used the journaled parameters, not fresh ones.
	require.Equal(t, pinnedKey, h.l0.calls[0].IdempotencyKey)
	require.Equal(t, int64(200), h.l0.calls[0].Amount.Int64())

	require.Equal(t, int64(50), h.owned(shares))
	require.Zero(t, h.owned(asset0))
	require.Zero(t, h.owned(asset1))
}

func TestResumeAppliesConfirmedOutcomeToLedger(t *testing.T) {
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500)}, mintShares: 50}
	h := newHarness(t, 0, pool, 3)

	// Reconstruct the journal as a crash between the outcome write and
	// the balance write would leave it: both pulls journaled Confirmed
	// with their credits, but nothing applied to the ledger yet.
	now := time.Now().UTC()
	op := &types.Operation{
		ID:             uuid.New(),
		Kind:           types.OperationDeposit,
		Status:         types.StatusInProgress,
		Amount0:        sdkmath.NewInt(200),
		Amount1:        sdkmath.NewInt(100),
		Shares:         sdkmath.ZeroInt(),
		MaxSlippageBps: 100,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, h.journal.CreateOperation(op))
	require.NoError(t, h.journal.AppendSteps(
		&types.Step{
			OperationID: op.ID, Index: 0, Kind: types.StepPull, Asset: asset0,
			Amount: sdkmath.NewInt(200), IdempotencyKey: uuid.New(),
			Outcome: types.OutcomeUnknown, IntentAt: now,
		},
		&types.Step{
			OperationID: op.ID, Index: 1, Kind: types.StepPull, Asset: asset1,
			Amount: sdkmath.NewInt(100), IdempotencyKey: uuid.New(),
			Outcome: types.OutcomeUnknown, IntentAt: now,
		},
	))
	require.NoError(t, h.journal.ResolveStep(op.ID, 0, types.OutcomeConfirmed,
		types.StepResult{Credited: sdkmath.NewInt(200)}))
	require.NoError(t, h.journal.ResolveStep(op.ID, 1, types.OutcomeConfirmed,
		types.StepResult{Credited: sdkmath.NewInt(100)}))

	driven := h.drive(op.ID)
	require.Equal(t, types.StatusCompleted, driven.Status)

	// The lost credits were recovered from the journal, not re-pulled:
	// the only transfer each ledger saw is the pool commit.
	require.Equal(t, 1, h.l0.transferCount())
	require.Equal(t, 1, h.l1.transferCount())

	require.Equal(t, int64(50), h.owned(shares))
	require.Zero(t, h.owned(asset0))
	require.Zero(t, h.owned(asset1))

	steps, err := h.journal.Steps(op.ID)
	require.NoError(t, err)
	for _, s := range steps {
		require.True(t, s.Applied, "step %d not applied", s.Index)
	}
}

func TestRunFinishesInterruptedOperationBeforeNewWork(t *testing.T) {
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500)}, mintShares: 10}
	h := newHarness(t, 0, pool, 3)

	// The first fee refresh fails as if the ledger service blipped; every
	// later call succeeds.
	h.l0.metadataFn = func(call int) (tokenledger.Metadata, error) {
		if call == 0 {
			return tokenledger.Metadata{}, fmt.Errorf("ledger service unavailable")
		}
		return tokenledger.Metadata{Symbol: asset0, Fee: sdkmath.ZeroInt(), Decimals: 6}, nil
	}

	first, err := h.eng.SubmitDeposit(sdkmath.NewInt(200), sdkmath.NewInt(100), 100)
	require.NoError(t, err)
	second, err := h.eng.SubmitDeposit(sdkmath.NewInt(400), sdkmath.NewInt(200), 100)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.eng.Run(ctx)

	require.Eventually(t, func() bool {
		a, err := h.journal.GetOperation(first)
		if err != nil {
			return false
		}
		b, err := h.journal.GetOperation(second)
		if err != nil {
			return false
		}
		return a.Status.Terminal() && b.Status.Terminal()
	}, 5*time.Second, time.Millisecond)

	a, err := h.journal.GetOperation(first)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, a.Status, a.FailReason)
	b, err := h.journal.GetOperation(second)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, b.Status, b.FailReason)

	// The interrupted operation landed its liquidity before the newer
	// one started.
	require.Equal(t, int64(200), pool.addCallAt(0)[0].Int64())
	require.Equal(t, int64(400), pool.addCallAt(1)[0].Int64())
}

func TestWithdrawDeliversNetOfFees(t *testing.T) {
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500)}}
	pool.removeFn = func(burned sdkmath.Int) (dex.RemoveLiquidityResult, error) {
		return dex.RemoveLiquidityResult{
			Outcome: dex.CallConfirmed,
			Amount0: sdkmath.NewInt(100),
			Amount1: sdkmath.NewInt(50),
		}, nil
	}
	h := newHarness(t, 2, pool, 3)
	h.seedOwned(shares, 1000)

	id, err := h.eng.SubmitWithdraw(sdkmath.NewInt(100), 100)
	require.NoError(t, err)

	op := h.drive(id)
	require.Equal(t, types.StatusCompleted, op.Status)

	steps, err := h.journal.Steps(id)
	require.NoError(t, err)
	require.Equal(t, []types.StepKind{
		types.StepRemoveLiquidity,
		types.StepReceive, types.StepReceive,
		types.StepPayout, types.StepPayout,
	}, stepKinds(steps))

	// The pool released 100/50; each hop costs the flat fee of 2, so the
	// unit received 98/48 and paid exactly that out.
	require.Equal(t, int64(98), steps[1].Result.Credited.Int64())
	require.Equal(t, int64(48), steps[2].Result.Credited.Int64())
	require.Equal(t, int64(98), steps[3].Amount.Int64())
	require.Equal(t, int64(48), steps[4].Amount.Int64())

	require.Equal(t, int64(900), h.owned(shares))
	require.Zero(t, h.owned(asset0))
	require.Zero(t, h.owned(asset1))
	require.True(t, h.ledger.Get(asset0).PendingIn.IsZero())
	require.True(t, h.ledger.Get(asset1).PendingIn.IsZero())
}

func TestWithdrawRemoveRejectedLeavesSharesOwned(t *testing.T) {
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500)}}
	pool.removeFn = func(burned sdkmath.Int) (dex.RemoveLiquidityResult, error) {
		return dex.RemoveLiquidityResult{Outcome: dex.CallRejected, Reason: "position locked"}, nil
	}
	h := newHarness(t, 0, pool, 3)
	h.seedOwned(shares, 1000)

	id, err := h.eng.SubmitWithdraw(sdkmath.NewInt(100), 100)
	require.NoError(t, err)

	op := h.drive(id)
	require.Equal(t, types.StatusFailed, op.Status)
	require.Contains(t, op.FailReason, "position locked")
	require.Equal(t, int64(1000), h.owned(shares))
}

func TestWithdrawRejectsMoreThanOwnedShares(t *testing.T) {
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500)}}
	h := newHarness(t, 0, pool, 3)
	h.seedOwned(shares, 50)

	_, err := h.eng.SubmitWithdraw(sdkmath.NewInt(100), 100)
	require.ErrorIs(t, err, ErrInsufficientOwn)
}

func TestWithdrawSlippageAbortsBeforeRemove(t *testing.T) {
	// The market moves 3000 bps between the two pre-flight reads.
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500), snap(1300, 500)}}
	h := newHarness(t, 0, pool, 3)
	h.seedOwned(shares, 1000)

	id, err := h.eng.SubmitWithdraw(sdkmath.NewInt(100), 100)
	require.NoError(t, err)

	op := h.drive(id)
	require.Equal(t, types.StatusFailed, op.Status)
	require.Contains(t, op.FailReason, "market moved")

	steps, err := h.journal.Steps(id)
	require.NoError(t, err)
	require.Empty(t, steps, "a pre-flight abort journals no steps")
	require.Equal(t, int64(1000), h.owned(shares), "no shares were burned")
}

func TestWithdrawRevalidatesOwnedSharesOnDrive(t *testing.T) {
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500)}}
	h := newHarness(t, 0, pool, 3)
	h.seedOwned(shares, 100)

	id, err := h.eng.SubmitWithdraw(sdkmath.NewInt(100), 100)
	require.NoError(t, err)

	// The owned balance shrinks between submission and drive, as when an
	// earlier queued operation burns shares first.
	require.NoError(t, h.ledger.Apply(types.BalanceEvent{Asset: shares, OwnedDelta: sdkmath.NewInt(-60)}))

	op := h.drive(id)
	require.Equal(t, types.StatusFailed, op.Status)
	require.Contains(t, op.FailReason, "exceed the owned balance")

	steps, err := h.journal.Steps(id)
	require.NoError(t, err)
	require.Empty(t, steps)
	require.Equal(t, int64(40), h.owned(shares))
}

func TestRebalanceWithinThresholdDoesNothing(t *testing.T) {
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500)}}
	pool.positionFn = func(held sdkmath.Int) (sdkmath.Int, sdkmath.Int, error) {
		return sdkmath.NewInt(1000), sdkmath.NewInt(500), nil
	}
	h := newHarness(t, 0, pool, 3)
	h.seedOwned(shares, 1000)

	// Everything is deployed and the target is full deployment.
	id, err := h.eng.SubmitRebalance(10_000, 100)
	require.NoError(t, err)

	op := h.drive(id)
	require.Equal(t, types.StatusCompleted, op.Status)

	steps, err := h.journal.Steps(id)
	require.NoError(t, err)
	require.Empty(t, steps)
}

func TestRebalanceDeploysIdleFunds(t *testing.T) {
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500)}, mintShares: 250}
	h := newHarness(t, 0, pool, 3)
	h.seedOwned(asset0, 1000)
	h.seedOwned(asset1, 500)

	// Idle value is 2000 in asset0 terms; a 50% target deploys half.
	id, err := h.eng.SubmitRebalance(5_000, 100)
	require.NoError(t, err)

	op := h.drive(id)
	require.Equal(t, types.StatusCompleted, op.Status)

	steps, err := h.journal.Steps(id)
	require.NoError(t, err)
	require.Equal(t, []types.StepKind{
		types.StepToPool, types.StepToPool,
		types.StepAddLiquidity,
	}, stepKinds(steps))
	require.Equal(t, int64(500), steps[0].Amount.Int64())
	require.Equal(t, int64(250), steps[1].Amount.Int64())

	require.Equal(t, int64(500), h.owned(asset0))
	require.Equal(t, int64(250), h.owned(asset1))
	require.Equal(t, int64(250), h.owned(shares))
}

func TestRebalanceBurnsExcessShares(t *testing.T) {
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500)}}
	pool.positionFn = func(held sdkmath.Int) (sdkmath.Int, sdkmath.Int, error) {
		return sdkmath.NewInt(1000), sdkmath.NewInt(500), nil
	}
	pool.removeFn = func(burned sdkmath.Int) (dex.RemoveLiquidityResult, error) {
		// Burning half the shares releases half the position.
		return dex.RemoveLiquidityResult{
			Outcome: dex.CallConfirmed,
			Amount0: sdkmath.NewInt(500),
			Amount1: sdkmath.NewInt(250),
		}, nil
	}
	h := newHarness(t, 0, pool, 3)
	h.seedOwned(shares, 1000)

	id, err := h.eng.SubmitRebalance(5_000, 100)
	require.NoError(t, err)

	op := h.drive(id)
	require.Equal(t, types.StatusCompleted, op.Status)

	steps, err := h.journal.Steps(id)
	require.NoError(t, err)
	require.Equal(t, []types.StepKind{
		types.StepRemoveLiquidity,
		types.StepReceive, types.StepReceive,
	}, stepKinds(steps))
	require.Equal(t, int64(500), steps[0].Amount.Int64())

	// Released funds stay owned; undeploying never pays the treasury.
	require.Equal(t, int64(500), h.owned(shares))
	require.Equal(t, int64(500), h.owned(asset0))
	require.Equal(t, int64(250), h.owned(asset1))
}

func TestRebalanceSwapsOneSidedIdleThenDeploys(t *testing.T) {
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500)}, mintShares: 400}
	pool.swapFn = func(assetIn string, amountIn, minOut sdkmath.Int) (dex.SwapResult, error) {
		return dex.SwapResult{Outcome: dex.CallConfirmed, AmountOut: sdkmath.NewInt(498)}, nil
	}
	h := newHarness(t, 0, pool, 3)
	h.seedOwned(asset0, 2000)

	id, err := h.eng.SubmitRebalance(10_000, 100)
	require.NoError(t, err)

	op := h.drive(id)
	require.Equal(t, types.StatusCompleted, op.Status)

	// Half of the one-sided holding is traded at the guarded minimum.
	require.Len(t, pool.swapCalls, 1)
	require.Equal(t, asset0, pool.swapCalls[0].assetIn)
	require.Equal(t, int64(1000), pool.swapCalls[0].amountIn.Int64())
	require.Equal(t, int64(495), pool.swapCalls[0].minOut.Int64())

	steps, err := h.journal.Steps(id)
	require.NoError(t, err)
	require.Equal(t, []types.StepKind{
		types.StepSwap,
		types.StepToPool, types.StepToPool,
		types.StepAddLiquidity,
	}, stepKinds(steps))

	// After the swap the unit held 1000/498; the ratio rule commits
	// 996/498 and the remainder stays owned.
	require.Equal(t, int64(4), h.owned(asset0))
	require.Zero(t, h.owned(asset1))
	require.Equal(t, int64(400), h.owned(shares))
}

func TestSubmitValidation(t *testing.T) {
	pool := &fakePool{snapshots: []types.MarketSnapshot{snap(1000, 500)}}
	h := newHarness(t, 0, pool, 3)

	_, err := h.eng.SubmitDeposit(sdkmath.NewInt(0), sdkmath.NewInt(10), 100)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.eng.SubmitDeposit(sdkmath.NewInt(-5), sdkmath.NewInt(10), 100)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.eng.SubmitWithdraw(sdkmath.NewInt(0), 100)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.eng.SubmitRebalance(10_001, 100)
	require.ErrorIs(t, err, ErrInvalidRequest)
}
