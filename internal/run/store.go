package run

import (
	"context"

	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/pipeline"
)

// Store 抽象了运行状态的持久化接口。
type Store interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// Claim 将 pending 的运行切换为 running。
	Claim(ctx context.Context, id string) (*Run, error)
	Complete(ctx context.Context, id string, result *pipeline.RunResult) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error
	// RequestStop 直接结束 pending 的运行，或为 running 的运行设置停止标记。
	RequestStop(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context, opts ListOptions) ([]*Run, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
