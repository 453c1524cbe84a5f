package execution

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "reev-harness/internal/errors"
)

// MemoryStore keeps executions in memory. It backs tests and the run command.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	now        func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: make(map[string]*Execution), now: time.Now}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, exec *Execution) error {
	if exec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution is nil")
	}
	if strings.TrimSpace(exec.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return ErrConflict
	}
	now := m.now().Unix()
	if exec.CreatedAt == 0 {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneExecution(exec), nil
}

// Claim implements Store.
func (m *MemoryStore) Claim(_ context.Context, id string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch exec.Status {
	case StatusSucceeded:
		return cloneExecution(exec), ErrCompleted
	case StatusRunning:
		return cloneExecution(exec), ErrConflict
	}
	if exec.Attempts >= exec.MaxRetries {
		return cloneExecution(exec), ErrExhausted
	}
	exec.Status = StatusRunning
	exec.Attempts++
	exec.LastError = ""
	exec.ErrorCode = ""
	exec.UpdatedAt = m.now().Unix()
	return cloneExecution(exec), nil
}

// MarkSucceeded implements Store.
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, summary Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	exec.Status = StatusSucceeded
	exec.Result = &summary
	exec.ConsolidatedID = summary.ConsolidatedID
	exec.LastError = ""
	exec.ErrorCode = ""
	exec.UpdatedAt = m.now().Unix()
	return nil
}

// MarkFailed implements Store.
func (m *MemoryStore) MarkFailed(_ context.Context, id string, failure Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	exec.Status = StatusFailed
	exec.LastError = failure.Message
	exec.ErrorCode = string(failure.Code)
	if failure.Summary != nil {
		summary := *failure.Summary
		exec.Result = &summary
		exec.ConsolidatedID = summary.ConsolidatedID
	}
	if failure.Terminal {
		exec.MaxRetries = exec.Attempts
	}
	exec.UpdatedAt = m.now().Unix()
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts = opts.normalized()

	results := make([]*Execution, 0, len(m.executions))
	for _, exec := range m.executions {
		if opts.Matches(exec) {
			results = append(results, cloneExecution(exec))
		}
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			if a.UpdatedAt == b.UpdatedAt {
				if a.CreatedAt == b.CreatedAt {
					return a.ID < b.ID
				}
				return a.CreatedAt < b.CreatedAt
			}
			return a.UpdatedAt < b.UpdatedAt
		}
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID > b.ID
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Execution{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats implements Store.
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts = opts.normalized()

	stats := Stats{}
	for _, exec := range m.executions {
		if !opts.Matches(exec) {
			continue
		}
		stats.Total++
		switch exec.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if exec.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = exec.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (exec.UpdatedAt != 0 && exec.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = exec.UpdatedAt
		}
	}
	return stats, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
