package journal

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-fi/pfm/internal/types"
)

// MemoryJournal is an in-process Journal used in sim mode and tests. It
// copies on every boundary so callers can never alias journaled state,
// which keeps its semantics interchangeable with the PostgreSQL journal.
type MemoryJournal struct {
	mu         sync.Mutex
	operations map[uuid.UUID]*types.Operation
	steps      map[uuid.UUID][]*types.Step
	order      []uuid.UUID
}

// NewMemoryJournal returns an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		operations: make(map[uuid.UUID]*types.Operation),
		steps:      make(map[uuid.UUID][]*types.Step),
	}
}

func copyOperation(op *types.Operation) *types.Operation {
	cp := *op
	return &cp
}

func copyStep(s *types.Step) *types.Step {
	cp := *s
	if s.ResolvedAt != nil {
		t := *s.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func (j *MemoryJournal) CreateOperation(op *types.Operation) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.operations[op.ID] = copyOperation(op)
	j.order = append(j.order, op.ID)
	return nil
}

func (j *MemoryJournal) GetOperation(id uuid.UUID) (*types.Operation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	op, ok := j.operations[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return copyOperation(op), nil
}

func (j *MemoryJournal) ListOperations(limit int) ([]*types.Operation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]*types.Operation, 0, limit)
	for i := len(j.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyOperation(j.operations[j.order[i]]))
	}
	return out, nil
}

func (j *MemoryJournal) ListUnresolved() ([]*types.Operation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []*types.Operation
	for _, id := range j.order {
		if op := j.operations[id]; !op.Status.Terminal() {
			out = append(out, copyOperation(op))
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (j *MemoryJournal) SetOperationStatus(id uuid.UUID, status types.OperationStatus, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	op, ok := j.operations[id]
	if !ok {
		return ErrOperationNotFound
	}
	op.Status = status
	op.FailReason = reason
	op.UpdatedAt = time.Now().UTC()
	return nil
}

func (j *MemoryJournal) AppendSteps(steps ...*types.Step) error {
	if len(steps) == 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	// Validate the whole batch before touching state so the append is
	// all-or-nothing.
	seen := make(map[uuid.UUID]map[int]bool)
	for _, step := range steps {
		if _, ok := j.operations[step.OperationID]; !ok {
			return ErrOperationNotFound
		}
		for _, existing := range j.steps[step.OperationID] {
			if existing.Index == step.Index {
				return ErrDuplicateStep
			}
		}
		if seen[step.OperationID] == nil {
			seen[step.OperationID] = make(map[int]bool)
		}
		if seen[step.OperationID][step.Index] {
			return ErrDuplicateStep
		}
		seen[step.OperationID][step.Index] = true
	}

	now := time.Now().UTC()
	for _, step := range steps {
		op := j.operations[step.OperationID]
		j.steps[step.OperationID] = append(j.steps[step.OperationID], copyStep(step))
		if step.Index+1 > op.StepIndex {
			op.StepIndex = step.Index + 1
		}
		op.UpdatedAt = now
	}
	return nil
}

func (j *MemoryJournal) IncrementAttempts(opID uuid.UUID, index int) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	s, err := j.findStep(opID, index)
	if err != nil {
		return 0, err
	}
	s.Attempts++
	return s.Attempts, nil
}

func (j *MemoryJournal) ResolveStep(opID uuid.UUID, index int, outcome types.StepOutcome, result types.StepResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	s, err := j.findStep(opID, index)
	if err != nil {
		return err
	}
	if s.Outcome != types.OutcomeUnknown {
		return ErrAlreadyResolved
	}
	now := time.Now().UTC()
	s.Outcome = outcome
	s.Result = result
	s.ResolvedAt = &now
	return nil
}

func (j *MemoryJournal) MarkApplied(opID uuid.UUID, index int) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	s, err := j.findStep(opID, index)
	if err != nil {
		return err
	}
	s.Applied = true
	return nil
}

func (j *MemoryJournal) Steps(opID uuid.UUID) ([]*types.Step, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	steps := j.steps[opID]
	out := make([]*types.Step, 0, len(steps))
	for _, s := range steps {
		out = append(out, copyStep(s))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out, nil
}

// findStep must be called with the mutex held.
func (j *MemoryJournal) findStep(opID uuid.UUID, index int) (*types.Step, error) {
	for _, s := range j.steps[opID] {
		if s.Index == index {
			return s, nil
		}
	}
	return nil, ErrStepNotFound
}
