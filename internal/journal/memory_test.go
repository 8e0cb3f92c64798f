package journal

import (
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-fi/pfm/internal/types"
)

func newOp(kind types.OperationKind) *types.Operation {
	now := time.Now().UTC()
	return &types.Operation{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    types.StatusPending,
		Amount0:   sdkmath.NewInt(100),
		Amount1:   sdkmath.NewInt(50),
		Shares:    sdkmath.ZeroInt(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newPullStep(opID uuid.UUID, index int) *types.Step {
	return &types.Step{
		OperationID:    opID,
		Index:          index,
		Kind:           types.StepPull,
		Asset:          "TOKA",
		Amount:         sdkmath.NewInt(100),
		IdempotencyKey: uuid.New(),
		Outcome:        types.OutcomeUnknown,
		IntentAt:       time.Now().UTC(),
	}
}

func TestCreateAndGetOperation(t *testing.T) {
	j := NewMemoryJournal()
	op := newOp(types.OperationDeposit)
	require.NoError(t, j.CreateOperation(op))

	got, err := j.GetOperation(op.ID)
	require.NoError(t, err)
	require.Equal(t, op.ID, got.ID)
	require.Equal(t, types.StatusPending, got.Status)

	_, err = j.GetOperation(uuid.New())
	require.ErrorIs(t, err, ErrOperationNotFound)
}

func TestStepIntentPrecedesOutcome(t *testing.T) {
	j := NewMemoryJournal()
	op := newOp(types.OperationDeposit)
	require.NoError(t, j.CreateOperation(op))

	step := newPullStep(op.ID, 0)
	require.NoError(t, j.AppendSteps(step))

	// The intent is durable before any outcome: a reader sees the step
	// with an unresolved outcome and its pinned parameters.
	steps, err := j.Steps(op.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, types.OutcomeUnknown, steps[0].Outcome)
	require.Equal(t, step.IdempotencyKey, steps[0].IdempotencyKey)
	require.Nil(t, steps[0].ResolvedAt)

	require.NoError(t, j.ResolveStep(op.ID, 0, types.OutcomeConfirmed, types.StepResult{
		Credited: sdkmath.NewInt(98),
	}))

	steps, err = j.Steps(op.ID)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeConfirmed, steps[0].Outcome)
	require.Equal(t, int64(98), steps[0].Result.Credited.Int64())
	require.NotNil(t, steps[0].ResolvedAt)
}

func TestAppendStepRejectsDuplicateIndex(t *testing.T) {
	j := NewMemoryJournal()
	op := newOp(types.OperationDeposit)
	require.NoError(t, j.CreateOperation(op))

	require.NoError(t, j.AppendSteps(newPullStep(op.ID, 0)))
	require.ErrorIs(t, j.AppendSteps(newPullStep(op.ID, 0)), ErrDuplicateStep)

	got, err := j.GetOperation(op.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.StepIndex, "step index advances past the journaled step")
}

func TestAppendStepsBatchIsAtomic(t *testing.T) {
	j := NewMemoryJournal()
	op := newOp(types.OperationDeposit)
	require.NoError(t, j.CreateOperation(op))
	require.NoError(t, j.AppendSteps(newPullStep(op.ID, 0)))

	// Batch with one fresh and one duplicate index: nothing may land.
	err := j.AppendSteps(newPullStep(op.ID, 1), newPullStep(op.ID, 0))
	require.ErrorIs(t, err, ErrDuplicateStep)

	steps, err := j.Steps(op.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
}

func TestResolveStepIsFinal(t *testing.T) {
	j := NewMemoryJournal()
	op := newOp(types.OperationDeposit)
	require.NoError(t, j.CreateOperation(op))
	require.NoError(t, j.AppendSteps(newPullStep(op.ID, 0)))

	require.NoError(t, j.ResolveStep(op.ID, 0, types.OutcomeRejected, types.StepResult{Reason: "no funds"}))
	err := j.ResolveStep(op.ID, 0, types.OutcomeConfirmed, types.StepResult{})
	require.ErrorIs(t, err, ErrAlreadyResolved)

	steps, err := j.Steps(op.ID)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeRejected, steps[0].Outcome)
}

func TestMarkApplied(t *testing.T) {
	j := NewMemoryJournal()
	op := newOp(types.OperationDeposit)
	require.NoError(t, j.CreateOperation(op))
	require.NoError(t, j.AppendSteps(newPullStep(op.ID, 0)))
	require.NoError(t, j.ResolveStep(op.ID, 0, types.OutcomeConfirmed, types.StepResult{
		Credited: sdkmath.NewInt(98),
	}))

	// Resolution alone does not imply the ledger write happened.
	steps, err := j.Steps(op.ID)
	require.NoError(t, err)
	require.False(t, steps[0].Applied)

	require.NoError(t, j.MarkApplied(op.ID, 0))
	steps, err = j.Steps(op.ID)
	require.NoError(t, err)
	require.True(t, steps[0].Applied)

	require.ErrorIs(t, j.MarkApplied(op.ID, 9), ErrStepNotFound)
}

func TestIncrementAttempts(t *testing.T) {
	j := NewMemoryJournal()
	op := newOp(types.OperationDeposit)
	require.NoError(t, j.CreateOperation(op))
	require.NoError(t, j.AppendSteps(newPullStep(op.ID, 0)))

	for want := 1; want <= 3; want++ {
		got, err := j.IncrementAttempts(op.ID, 0)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := j.IncrementAttempts(op.ID, 9)
	require.ErrorIs(t, err, ErrStepNotFound)
}

func TestListUnresolvedOldestFirst(t *testing.T) {
	j := NewMemoryJournal()

	first := newOp(types.OperationDeposit)
	first.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	second := newOp(types.OperationWithdraw)
	second.CreatedAt = time.Now().UTC().Add(-1 * time.Hour)
	done := newOp(types.OperationRebalance)

	require.NoError(t, j.CreateOperation(second))
	require.NoError(t, j.CreateOperation(first))
	require.NoError(t, j.CreateOperation(done))
	require.NoError(t, j.SetOperationStatus(done.ID, types.StatusCompleted, ""))

	unresolved, err := j.ListUnresolved()
	require.NoError(t, err)
	require.Len(t, unresolved, 2)
	require.Equal(t, first.ID, unresolved[0].ID)
	require.Equal(t, second.ID, unresolved[1].ID)
}

func TestJournalCopiesOnBoundaries(t *testing.T) {
	j := NewMemoryJournal()
	op := newOp(types.OperationDeposit)
	require.NoError(t, j.CreateOperation(op))

	// Mutating the caller's struct after journaling must not leak in.
	op.Status = types.StatusCompleted
	got, err := j.GetOperation(op.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, got.Status)

	// Mutating a returned copy must not leak back.
	got.FailReason = "scribble"
	again, err := j.GetOperation(op.ID)
	require.NoError(t, err)
	require.Empty(t, again.FailReason)
}
