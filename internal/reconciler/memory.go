package reconciler

import (
	"sync"

	"github.com/meridian-fi/pfm/internal/types"
)

// MemoryReportStore is the in-memory ReportStore used in simulation mode
// and tests.
type MemoryReportStore struct {
	mu      sync.Mutex
	nextID  int64
	reports []types.DriftReport
}

func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{nextID: 1}
}

func (m *MemoryReportStore) Save(report *types.DriftReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	report.ReportID = m.nextID
	m.nextID++
	m.reports = append(m.reports, *report)
	return nil
}

func (m *MemoryReportStore) Recent(limit int) ([]types.DriftReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.DriftReport, 0, limit)
	for i := len(m.reports) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.reports[i])
	}
	return out, nil
}

var _ ReportStore = (*MemoryReportStore)(nil)
