package store

import (
	"context"
	"sync"

	"github.com/tororo-hospice/datawash/internal/entity"
)

// Memory is the in-process store used for tests and single-shot runs
// without a database.
type Memory struct {
	mu      sync.Mutex
	graph   *entity.Graph
	reports map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{
		graph:   entity.NewGraph(),
		reports: make(map[string][]byte),
	}
}

func (m *Memory) LoadPool(_ context.Context) (*entity.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.Clone(), nil
}

func (m *Memory) CommitBatch(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.graph = snap.Graph.Clone()
	if snap.BatchID != "" {
		m.reports[snap.BatchID] = append([]byte(nil), snap.Report...)
	}
	return nil
}

func (m *Memory) Report(_ context.Context, batchID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[batchID]
	if !ok {
		return nil, ErrReportNotFound
	}
	return append([]byte(nil), r...), nil
}
