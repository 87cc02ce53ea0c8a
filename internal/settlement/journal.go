package settlement

import (
	"context"
	"sync"
	"time"

	"Chorus-Network/internal/ledger"
	"Chorus-Network/internal/reputation"
)

// Record 记录一次结算中已完成的步骤，用于重试时跳过。
type Record struct {
	JobID         string             `json:"job_id"`
	AgentID       string             `json:"agent_id"`
	Requester     string             `json:"requester_id"`
	Payee         string             `json:"payee_id"`
	Success       bool               `json:"success"`
	ContractorRep float64            `json:"contractor_reputation"`
	TransferDone  bool               `json:"transfer_done"`
	Transfer      *ledger.Entry      `json:"transfer,omitempty"`
	TransferError string             `json:"transfer_error,omitempty"`
	ReputationSet bool               `json:"reputation_done"`
	Reputation    *reputation.Update `json:"reputation,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Complete 表示结算的所有步骤均已落地。
func (r Record) Complete() bool { return r.TransferDone && r.ReputationSet }

// Journal 保存结算进度。
type Journal interface {
	Load(ctx context.Context, jobID string) (Record, bool, error)
	Save(ctx context.Context, rec Record) error
}

// MemoryJournal 是进程内的 Journal 实现。
type MemoryJournal struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryJournal 创建内存日志。
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{records: make(map[string]Record)}
}

// Load 读取指定任务的结算记录。
func (j *MemoryJournal) Load(_ context.Context, jobID string) (Record, bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	rec, ok := j.records[jobID]
	return rec, ok, nil
}

// Save 覆盖写入结算记录。
func (j *MemoryJournal) Save(_ context.Context, rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[rec.JobID] = rec
	return nil
}

// keyedMutex 为每个 key 提供一把互斥锁，空闲后回收。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
