package ledger

import (
	"context"
	"time"

	"Chorus-Network/internal/credits"
)

// Store 抽象了账本的持久化接口。
//
// Apply 必须原子地完成：同一任务的幂等检查、余额校验、扣款、入账、
// 追加记录。同一付款方的并发调用必须串行化，余额永远不能为负。
type Store interface {
	OpenAccount(ctx context.Context, owner string, initial credits.Amount, at time.Time) (acct Account, created bool, err error)
	Account(ctx context.Context, owner string) (Account, error)
	// Apply 执行转账。若 JobID 已存在转账记录，则返回已有记录且 replayed 为 true。
	Apply(ctx context.Context, entry Entry) (stored Entry, replayed bool, err error)
	History(ctx context.Context, q HistoryQuery) ([]Entry, error)
	// Entries 按序号升序返回全部记录，用于摘要链校验。
	Entries(ctx context.Context) ([]Entry, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
