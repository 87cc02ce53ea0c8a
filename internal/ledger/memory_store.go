package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"Chorus-Network/internal/credits"
	xerrors "Chorus-Network/internal/errors"
)

// MemoryStore 以内存方式保存账户与账本，所有写操作由同一把锁串行化。
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	entries  []Entry
	byJob    map[string]int
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byJob:    make(map[string]int),
	}
}

// OpenAccount 实现 Store 接口，已存在的账户保持不变。
func (m *MemoryStore) OpenAccount(_ context.Context, owner string, initial credits.Amount, at time.Time) (Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[owner]; ok {
		return *acct, false, nil
	}
	acct := &Account{OwnerID: owner, Balance: initial, CreatedAt: at}
	m.accounts[owner] = acct
	return *acct, true, nil
}

// Account 返回账户信息。
func (m *MemoryStore) Account(_ context.Context, owner string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[owner]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *acct, nil
}

// Apply 在锁内完成余额校验与双边记账。
func (m *MemoryStore) Apply(_ context.Context, entry Entry) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.JobID != "" {
		if idx, ok := m.byJob[entry.JobID]; ok {
			existing := m.entries[idx]
			if err := existing.CheckReplay(entry); err != nil {
				return Entry{}, false, err
			}
			return existing, true, nil
		}
	}

	var balance credits.Amount
	sender, ok := m.accounts[entry.From]
	if ok {
		balance = sender.Balance
	}
	if !ok || balance < entry.Amount {
		return Entry{}, false, xerrors.Wrap(xerrors.CodeInsufficientCredits,
			fmt.Errorf("balance %s < amount %s", balance, entry.Amount),
			fmt.Sprintf("owner %s cannot pay %s", entry.From, entry.Amount))
	}

	prev := ""
	entry.Seq = 1
	if n := len(m.entries); n > 0 {
		prev = m.entries[n-1].Digest
		entry.Seq = m.entries[n-1].Seq + 1
	}
	if err := entry.Seal(prev); err != nil {
		return Entry{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "账本摘要计算失败")
	}

	receiver, ok := m.accounts[entry.To]
	if !ok {
		receiver = &Account{OwnerID: entry.To, CreatedAt: entry.Timestamp}
		m.accounts[entry.To] = receiver
	}
	sender.Balance -= entry.Amount
	receiver.Balance += entry.Amount

	m.entries = append(m.entries, entry)
	if entry.JobID != "" {
		m.byJob[entry.JobID] = len(m.entries) - 1
	}
	return entry, false, nil
}

// History 按时间倒序返回记录。
func (m *MemoryStore) History(_ context.Context, q HistoryQuery) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.applyDefaults()
	out := make([]Entry, 0, q.Limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < q.Limit; i-- {
		if q.Matches(m.entries[i]) {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

// Entries 返回全部记录的副本。
func (m *MemoryStore) Entries(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

// Stats 统计账户数、交易数与流通量。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{Accounts: len(m.accounts), Transactions: len(m.entries)}
	for _, e := range m.entries {
		stats.Volume += e.Amount
	}
	for _, a := range m.accounts {
		stats.TotalSupply += a.Balance
	}
	return stats, nil
}

// Balances 返回所有账户余额快照，按所有者排序。
func (m *MemoryStore) Balances() []Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
