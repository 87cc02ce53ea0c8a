package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "Chorus-Network/internal/errors"
)

// MemoryStore 以内存方式保存 Agent 目录，用于测试与单机部署。
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*AgentRecord)}
}

// Upsert 实现 Store 接口。
func (m *MemoryStore) Upsert(_ context.Context, rec *AgentRecord) (*AgentRecord, bool, error) {
	if rec == nil || rec.AgentID == "" {
		return nil, false, xerrors.New(xerrors.CodeValidation, "agent id 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.agents[rec.AgentID]
	if !ok {
		m.agents[rec.AgentID] = rec.Clone()
		return rec.Clone(), true, nil
	}
	updated := rec.Clone()
	updated.ReputationScore = existing.ReputationScore
	updated.JobsCompleted = existing.JobsCompleted
	updated.JobsFailed = existing.JobsFailed
	updated.RegisteredAt = existing.RegisteredAt
	m.agents[rec.AgentID] = updated
	return updated.Clone(), false, nil
}

// Get 返回指定 Agent。
func (m *MemoryStore) Get(_ context.Context, id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return rec.Clone(), nil
}

// List 按注册时间返回全部记录。
func (m *MemoryStore) List(_ context.Context) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AgentRecord, 0, len(m.agents))
	for _, rec := range m.agents {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out, nil
}

// Touch 更新在线状态与心跳时间。
func (m *MemoryStore) Touch(_ context.Context, id string, status Status, at time.Time) (*AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	rec.Status = status
	if status == StatusOnline {
		rec.LastHeartbeat = at
	}
	return rec.Clone(), nil
}

// Mutate 在写锁内执行修改函数。
func (m *MemoryStore) Mutate(_ context.Context, id string, fn MutateFunc) (*AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	working := rec.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	m.agents[id] = working
	return working.Clone(), nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
