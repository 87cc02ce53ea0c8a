package run

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/pipeline"
)

// MemoryStore 以内存方式保存运行状态。
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, run *Run) error {
	if run == nil {
		return xerrors.Validation("run 不能为空")
	}
	if strings.TrimSpace(run.ID) == "" {
		return xerrors.Validation("运行 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return ErrRunConflict
	}
	now := time.Now().Unix()
	if run.CreatedAt == 0 {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	m.runs[run.ID] = run.Clone()
	return nil
}

// Get 返回运行。
func (m *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.Clone(), nil
}

// Claim 将运行状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	switch run.Status {
	case StatusSucceeded, StatusFailed:
		return run.Clone(), ErrRunCompleted
	case StatusRunning:
		return run.Clone(), ErrRunConflict
	}
	run.Status = StatusRunning
	run.UpdatedAt = time.Now().Unix()
	return run.Clone(), nil
}

// Complete 记录流水线执行结果。
func (m *MemoryStore) Complete(_ context.Context, id string, result *pipeline.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.Result = cloneResult(result)
	run.Status = StatusOf(result)
	run.LastError = ""
	run.ErrorCode = ""
	if result != nil && run.Status == StatusFailed {
		run.LastError = result.Error
		run.ErrorCode = string(result.ErrorCode)
	}
	run.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记运行失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = StatusFailed
	run.LastError = lastError
	run.ErrorCode = string(code)
	run.UpdatedAt = time.Now().Unix()
	return nil
}

// RequestStop 实现 Store 接口。
func (m *MemoryStore) RequestStop(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	switch run.Status {
	case StatusSucceeded, StatusFailed:
		return run.Clone(), ErrRunCompleted
	case StatusPending:
		run.Status = StatusFailed
		run.LastError = pipeline.StoppedMessage
		run.ErrorCode = string(CodeRunStopped)
	}
	run.StopRequested = true
	run.UpdatedAt = time.Now().Unix()
	return run.Clone(), nil
}

// List 返回符合过滤条件的运行。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.ApplyDefaults()

	results := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		if !opts.Matches(run) {
			continue
		}
		results = append(results, run.Clone())
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
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
		return []*Run{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的运行数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.ApplyDefaults()

	stats := Stats{}
	for _, run := range m.runs {
		if !opts.Matches(run) {
			continue
		}
		stats.Total++
		switch run.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if run.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = run.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (run.UpdatedAt != 0 && run.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = run.UpdatedAt
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
