package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryLedger keeps records in process memory. It is meant for tests and
// single-shot local runs where durability across restarts is not needed.
type MemoryLedger struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{jobs: make(map[string]*Job)}
}

func (m *MemoryLedger) Create(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, j.ID)
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *MemoryLedger) Update(_ context.Context, id string, f Fields) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.Clone()
	if err := Apply(next, f); err != nil {
		return nil, err
	}
	m.jobs[id] = next
	return next.Clone(), nil
}

func (m *MemoryLedger) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j.Clone(), nil
}

func (m *MemoryLedger) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemoryLedger) ListByStatus(_ context.Context, status Status) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Job, 0)
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SubmittedAt.Before(out[b].SubmittedAt) })
	return out, nil
}

func (m *MemoryLedger) Ping(context.Context) error { return nil }
func (m *MemoryLedger) Close() error               { return nil }
