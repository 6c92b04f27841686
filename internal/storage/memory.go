package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"scrutiny-go/internal/model"
)

// MemoryStore keeps acquisitions in process memory. Values are stored
// encoded so callers never share slices with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	sums map[string]model.AcquisitionSummary
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		sums: make(map[string]model.AcquisitionSummary),
	}
}

func (m *MemoryStore) Save(_ context.Context, acq *model.Acquisition) error {
	blob, err := msgpack.Marshal(acq)
	if err != nil {
		return fmt.Errorf("encode acquisition: %w", err)
	}
	m.mu.Lock()
	m.data[acq.ReferenceID] = blob
	m.sums[acq.ReferenceID] = acq.Summary()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, referenceID string) (*model.Acquisition, error) {
	m.mu.RLock()
	blob, ok := m.data[referenceID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, referenceID)
	}
	var acq model.Acquisition
	if err := msgpack.Unmarshal(blob, &acq); err != nil {
		return nil, fmt.Errorf("decode acquisition %s: %w", referenceID, err)
	}
	return &acq, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]model.AcquisitionSummary, error) {
	m.mu.RLock()
	out := make([]model.AcquisitionSummary, 0, len(m.sums))
	for _, s := range m.sums {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].AcquiredAt.After(out[j].AcquiredAt)
		}
		return out[i].ReferenceID < out[j].ReferenceID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, referenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[referenceID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, referenceID)
	}
	delete(m.data, referenceID)
	delete(m.sums, referenceID)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
