package run

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/observability/alerting"
	"Chorus-Network/internal/pipeline"
	"Chorus-Network/pkg/logger"
)

// Executor 定义了处理器所需的流水线执行能力，*pipeline.Executor 满足该接口。
type Executor interface {
	Run(ctx context.Context, g *pipeline.Graph, req pipeline.RunRequest) (*pipeline.RunResult, error)
}

// Processor 负责从队列消费运行并交给流水线执行器。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	workerCount int
	nodeTimeout time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithNodeTimeout 设置每个节点的派发超时。
func WithNodeTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.nodeTimeout = d
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动运行处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, t Ticket) error {
	runID := t.RunID
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	run, err := p.store.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrRunNotFound) || stdErrors.Is(err, ErrRunCompleted) || stdErrors.Is(err, ErrRunConflict) {
			p.logDebug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取运行失败", slog.Any("error", err), slog.String("run_id", runID), slog.Int("attempt", t.Attempt))
		p.emitAlert(ctx, runID, xerrors.CodeStorageFailure, err, "claim")
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	result, execErr := p.executor.Run(runCtx, run.Graph, pipeline.RunRequest{
		RunID:       run.ID,
		RequesterID: run.RequesterID,
		Input:       run.Input,
		Budget:      run.Budget,
		NodeTimeout: p.nodeTimeout,
		Observer:    p.stopWatcher(run.ID, cancel),
	})

	// 运行已经产生了转账，结果必须写回，即使 worker 正在退出。
	writeCtx := context.WithoutCancel(ctx)
	if execErr != nil {
		code := xerrors.CodeOf(execErr)
		if storeErr := p.store.MarkFailed(writeCtx, run.ID, code, execErr.Error()); storeErr != nil {
			logger.L().Error("标记运行失败状态出错", slog.Any("error", storeErr), slog.String("run_id", run.ID))
			return storeErr
		}
		logger.Audit().Warn("运行被拒绝",
			slog.String("run_id", run.ID),
			slog.String("pipeline_id", run.PipelineID),
			slog.String("error_code", string(code)),
			slog.String("error", execErr.Error()),
		)
		return nil
	}

	if err := p.store.Complete(writeCtx, run.ID, result); err != nil {
		// 不重投：重新执行会再次付款。
		logger.L().Error("记录运行结果失败", slog.Any("error", err), slog.String("run_id", run.ID))
		p.emitAlert(writeCtx, run.ID, xerrors.CodeStorageFailure, err, "complete")
		return nil
	}
	level := slog.LevelInfo
	if result.Status != pipeline.RunSucceeded {
		level = slog.LevelWarn
	}
	logger.Audit().Log(writeCtx, level, "运行结束",
		slog.String("run_id", run.ID),
		slog.String("pipeline_id", run.PipelineID),
		slog.String("requester_id", run.RequesterID),
		slog.String("status", string(result.Status)),
		slog.String("total_cost", result.TotalCost.String()),
		slog.String("failed_node", result.FailedNode),
	)
	return nil
}

// stopWatcher 在每个节点结束后检查停止标记。执行器在下一个节点开始前检查
// ctx，因此停止请求只会阻止后续节点，不会中断正在执行的节点。
func (p *Processor) stopWatcher(runID string, cancel context.CancelFunc) pipeline.Observer {
	return pipeline.ObserverFunc(func(ctx context.Context, e pipeline.Event) error {
		if e.Kind != pipeline.EventNode || e.Status == string(pipeline.NodeRunning) {
			return nil
		}
		current, err := p.store.Get(ctx, runID)
		if err != nil {
			return err
		}
		if current.StopRequested {
			cancel()
		}
		return nil
	})
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, runID string, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil {
		return
	}
	event := alerting.NewEvent(code, runID, stage, cause)
	event.Metadata["run_id"] = runID
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", runID),
			slog.String("stage", stage),
		)
	}
}
