package registry

import (
	"context"
	"time"
)

// MutateFunc 在存储事务内修改一条记录。返回错误时修改被丢弃。
type MutateFunc func(rec *AgentRecord) error

// Store 抽象了 Agent 目录的持久化接口。
type Store interface {
	// Upsert 插入新记录或覆盖已有记录的元数据，信誉与统计保持不变。
	Upsert(ctx context.Context, rec *AgentRecord) (stored *AgentRecord, created bool, err error)
	Get(ctx context.Context, id string) (*AgentRecord, error)
	List(ctx context.Context) ([]*AgentRecord, error)
	Touch(ctx context.Context, id string, status Status, at time.Time) (*AgentRecord, error)
	// Mutate 以原子的读-改-写方式更新一条记录。
	Mutate(ctx context.Context, id string, fn MutateFunc) (*AgentRecord, error)
	Close() error
}
