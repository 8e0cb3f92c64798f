package ledger

import (
	"sync"

	"github.com/meridian-fi/pfm/internal/types"
)

// MemoryBalanceStore is an in-process BalanceStore used in sim mode and
// tests.
type MemoryBalanceStore struct {
	mu       sync.Mutex
	balances map[string]types.AssetBalance
}

// NewMemoryBalanceStore returns an empty in-memory balance store.
func NewMemoryBalanceStore() *MemoryBalanceStore {
	return &MemoryBalanceStore{balances: make(map[string]types.AssetBalance)}
}

func (s *MemoryBalanceStore) LoadAll() ([]types.AssetBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.AssetBalance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	return out, nil
}

// Save ignores the step ref: the memory store has no transaction to fold
// the applied marker into, so the engine records it through the journal.
func (s *MemoryBalanceStore) Save(balances []types.AssetBalance, _ *StepRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, balance := range balances {
		s.balances[balance.Asset] = balance
	}
	return nil
}
