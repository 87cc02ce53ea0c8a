package run

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"Chorus-Network/internal/credits"
	"Chorus-Network/internal/dispatch"
	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/pipeline"
	"Chorus-Network/pkg/logger"
)

// GraphSource 按 ID 查找流水线定义，*pipeline.Catalog 满足该接口。
type GraphSource interface {
	Get(id string) (*pipeline.Graph, error)
}

// SubmitRequest 描述一次运行提交。Graph 优先于 PipelineID。
type SubmitRequest struct {
	RunID       string           `json:"run_id,omitempty"`
	PipelineID  string           `json:"pipeline_id,omitempty"`
	Graph       *pipeline.Graph  `json:"graph,omitempty"`
	RequesterID string           `json:"requester_id"`
	Input       dispatch.Payload `json:"input_data,omitempty"`
	Budget      credits.Amount   `json:"budget,omitempty"`
}

// Service 负责运行的创建、查询与停止。
type Service struct {
	store    Store
	producer Producer
	graphs   GraphSource
}

// NewService 构造运行服务。graphs 为 nil 时只接受内联的流水线定义。
func NewService(store Store, producer Producer, graphs GraphSource) *Service {
	return &Service{store: store, producer: producer, graphs: graphs}
}

// Submit 校验流水线并将运行推送到队列。图不合法时在入队前返回 GraphError。
// 带有已存在 RunID 的重复提交返回已有运行。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Run, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}
	requester := strings.TrimSpace(req.RequesterID)
	if requester == "" {
		return nil, xerrors.Validation("requester_id 不能为空")
	}
	if req.Budget < 0 {
		return nil, xerrors.Validation("budget 不能为负数")
	}

	runID := strings.TrimSpace(req.RunID)
	if runID != "" {
		existing, err := s.store.Get(ctx, runID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrRunNotFound) {
			return nil, err
		}
	} else {
		runID = uuid.NewString()
	}

	graph, err := s.resolveGraph(req)
	if err != nil {
		return nil, err
	}
	if _, err := graph.Validate(); err != nil {
		return nil, err
	}

	run := &Run{
		ID:          runID,
		PipelineID:  graph.ID,
		RequesterID: requester,
		Graph:       graph,
		Input:       req.Input.Clone(),
		Budget:      req.Budget,
		Status:      StatusPending,
	}
	return s.enqueue(ctx, run)
}

// Rerun 以原运行的图快照、输入与预算创建一个新的运行。
func (s *Service) Rerun(ctx context.Context, id string) (*Run, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}
	prev, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !prev.Terminal() {
		return nil, xerrors.Wrap(CodeRunConflict, ErrRunConflict, "运行尚未结束，不能重新执行")
	}
	run := &Run{
		ID:          uuid.NewString(),
		PipelineID:  prev.PipelineID,
		RequesterID: prev.RequesterID,
		Graph:       prev.Graph,
		Input:       prev.Input,
		Budget:      prev.Budget,
		RerunOf:     prev.ID,
		Status:      StatusPending,
	}
	return s.enqueue(ctx, run)
}

// Stop 请求停止运行。正在执行的节点会完成并结算，后续节点不再开始。
func (s *Service) Stop(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	run, err := s.store.RequestStop(ctx, id)
	if err != nil {
		return run, err
	}
	logger.Audit().Info("运行停止请求",
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
	)
	return run, nil
}

// Get 返回指定运行的状态。
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的运行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的运行统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// WaitUntilCompleted 轮询运行状态直到结束或 ctx 取消。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func (s *Service) resolveGraph(req SubmitRequest) (*pipeline.Graph, error) {
	if req.Graph != nil {
		g := req.Graph.Clone()
		if strings.TrimSpace(g.ID) == "" {
			g.ID = strings.TrimSpace(req.PipelineID)
		}
		return g, nil
	}
	id := strings.TrimSpace(req.PipelineID)
	if id == "" {
		return nil, xerrors.Validation("pipeline_id 或 graph 必须提供一个")
	}
	if s.graphs == nil {
		return nil, xerrors.NotFound("pipeline %s not found", id)
	}
	return s.graphs.Get(id)
}

func (s *Service) enqueue(ctx context.Context, run *Run) (*Run, error) {
	if err := s.store.Create(ctx, run); err != nil {
		if stdErrors.Is(err, ErrRunConflict) {
			if existing, getErr := s.store.Get(ctx, run.ID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, run.ID); err != nil {
		logger.L().Error("运行入队失败", slog.Any("error", err), slog.String("run_id", run.ID))
		wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布运行到队列失败")
		_ = s.store.MarkFailed(ctx, run.ID, xerrors.CodeQueueFailure, wrapped.Error())
		return nil, wrapped
	}
	logger.Audit().Info("运行入队成功",
		slog.String("run_id", run.ID),
		slog.String("pipeline_id", run.PipelineID),
		slog.String("requester_id", run.RequesterID),
		slog.String("rerun_of", run.RerunOf),
	)
	return s.store.Get(ctx, run.ID)
}
