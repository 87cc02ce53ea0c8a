package pipeline

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"Chorus-Network/internal/credits"
	"Chorus-Network/internal/dispatch"
	"Chorus-Network/internal/market"
	"Chorus-Network/internal/observability/metrics"
	"Chorus-Network/pkg/logger"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunIdle      RunStatus = "IDLE"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
)

// NodeStatus is the lifecycle state of a node within a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
	NodeSucceeded NodeStatus = "SUCCEEDED"
	NodeFailed    NodeStatus = "FAILED"
)

// StoppedMessage is the run error recorded when a stop request prevented the
// next node from starting.
const StoppedMessage = "stopped"

// Resolver binds a node to an agent. *market.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, b market.Binding) (market.Assignment, error)
}

// JobRunner dispatches and settles one job. *market.Market satisfies it.
type JobRunner interface {
	Execute(ctx context.Context, a market.Assignment, skill string, job market.Job) market.Receipt
}

// RunRequest starts a run.
type RunRequest struct {
	RunID       string
	RequesterID string
	Input       dispatch.Payload
	// Budget overrides the graph budget when positive.
	Budget credits.Amount
	// NodeTimeout bounds each dispatch; zero uses the runner default.
	NodeTimeout time.Duration
	// Observer receives this run's events after the executor's own observer.
	Observer Observer
}

// NodeResult is the state of one node after a run.
type NodeResult struct {
	NodeID          string             `json:"node_id"`
	Label           string             `json:"label,omitempty"`
	Skill           string             `json:"skill,omitempty"`
	Status          NodeStatus         `json:"status"`
	AgentID         string             `json:"agent_id,omitempty"`
	AgentName       string             `json:"agent_name,omitempty"`
	JobID           string             `json:"job_id,omitempty"`
	Output          dispatch.Payload   `json:"output,omitempty"`
	Cost            credits.Amount     `json:"cost"`
	ExecutionTimeMs int64              `json:"execution_time_ms,omitempty"`
	ErrorCode       dispatch.ErrorCode `json:"error_code,omitempty"`
	Error           string             `json:"error,omitempty"`
	SettlementCode  dispatch.ErrorCode `json:"settlement_error_code,omitempty"`
	SettlementError string             `json:"settlement_error,omitempty"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`
}

// RunResult is the outcome of executing a pipeline.
type RunResult struct {
	RunID      string             `json:"run_id"`
	PipelineID string             `json:"pipeline_id"`
	Status     RunStatus          `json:"status"`
	Output     dispatch.Payload   `json:"output,omitempty"`
	Nodes      []NodeResult       `json:"nodes"`
	TotalCost  credits.Amount     `json:"total_cost"`
	FailedNode string             `json:"failed_node,omitempty"`
	ErrorCode  dispatch.ErrorCode `json:"error_code,omitempty"`
	Error      string             `json:"error,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// Executor walks validated chains one node at a time.
type Executor struct {
	resolver Resolver
	runner   JobRunner
	observer Observer
	now      func() time.Time
	logger   *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithObserver sets the event sink.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithExecutorClock replaces the time source.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor builds an Executor.
func NewExecutor(resolver Resolver, runner JobRunner, opts ...ExecutorOption) *Executor {
	e := &Executor{
		resolver: resolver,
		runner:   runner,
		observer: LogObserver{},
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.Named("pipeline"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Run validates g and executes it. The returned error is only set when the
// graph is rejected before anything was dispatched; execution failures are
// reported through RunResult.
//
// Cancelling ctx stops the run before the next node starts. A node that is
// already running finishes and is settled.
func (e *Executor) Run(ctx context.Context, g *Graph, req RunRequest) (*RunResult, error) {
	order, err := g.Validate()
	if err != nil {
		return nil, err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	budget := g.Budget
	if req.Budget > 0 {
		budget = req.Budget
	}

	res := &RunResult{
		RunID:      req.RunID,
		PipelineID: g.ID,
		Status:     RunRunning,
		Nodes:      make([]NodeResult, len(order)),
		StartedAt:  e.now(),
	}
	for i, n := range order {
		res.Nodes[i] = NodeResult{NodeID: n.ID, Label: n.Label, Skill: n.Skill, Status: NodePending}
	}
	obs := e.observer
	if req.Observer != nil {
		obs = Observers{e.observer, req.Observer}
	}
	e.emit(ctx, obs, Event{Kind: EventRun, RunID: res.RunID, PipelineID: g.ID, Status: string(RunRunning)})

	// Events and settlement keep working after a stop request.
	detached := context.WithoutCancel(ctx)
	current := req.Input.Clone()
	for i, n := range order {
		if ctx.Err() != nil {
			e.finish(detached, obs, res, RunFailed, n.ID, "", StoppedMessage)
			return res, nil
		}
		node := &res.Nodes[i]
		e.runNode(detached, obs, res, node, n, req, budget, current)
		if node.Status != NodeSucceeded {
			e.finish(detached, obs, res, RunFailed, n.ID, node.ErrorCode, fmt.Sprintf("node %s failed: %s", n.ID, node.Error))
			return res, nil
		}
		current = node.Output
	}
	res.Output = current
	e.finish(detached, obs, res, RunSucceeded, "", "", "")
	return res, nil
}

func (e *Executor) runNode(ctx context.Context, obs Observer, res *RunResult, node *NodeResult, n Node, req RunRequest, budget credits.Amount, input dispatch.Payload) {
	started := e.now()
	node.Status = NodeRunning
	node.StartedAt = &started
	metrics.ObservePipelineNode(string(NodeRunning))
	e.emit(ctx, obs, Event{Kind: EventNode, RunID: res.RunID, PipelineID: res.PipelineID, NodeID: n.ID, Status: string(NodeRunning)})

	binding := market.Binding{
		AgentID:       n.AgentID,
		AgentName:     n.Label,
		Skill:         n.Skill,
		MinReputation: n.MinReputation,
	}
	var maxCost *credits.Amount
	if n.Budget > 0 {
		v := n.Budget
		maxCost = &v
	}
	if budget > 0 {
		remaining := budget - res.TotalCost
		if remaining < 0 {
			remaining = 0
		}
		if maxCost == nil || remaining < *maxCost {
			maxCost = &remaining
		}
	}
	binding.MaxCost = maxCost

	jobID := uuid.NewString()
	node.JobID = jobID
	assignment, err := e.resolver.Resolve(ctx, binding)
	if err != nil {
		var refusal *market.Refusal
		if stdErrors.As(err, &refusal) {
			e.failNode(ctx, obs, res, node, refusal.Code, refusal.Message)
		} else {
			e.failNode(ctx, obs, res, node, dispatch.ErrExecution, "resolve agent: "+err.Error())
		}
		return
	}
	node.AgentID = assignment.Agent.AgentID
	node.AgentName = assignment.Agent.Name

	job := market.Job{
		JobID:       jobID,
		RequesterID: req.RequesterID,
		Input:       input,
		Timeout:     req.NodeTimeout,
	}
	if maxCost != nil {
		job.Budget = *maxCost
	}
	receipt := e.runner.Execute(ctx, assignment, n.Skill, job)
	result := receipt.Result
	node.ExecutionTimeMs = result.ExecutionTimeMs
	node.SettlementCode = receipt.SettlementCode
	node.SettlementError = receipt.SettlementError

	if !result.Succeeded() {
		e.failNode(ctx, obs, res, node, result.ErrorCode, result.ErrorMessage)
		return
	}
	finished := e.now()
	node.Status = NodeSucceeded
	node.FinishedAt = &finished
	node.Output = result.OutputData
	node.Cost = result.ExecutionCost
	res.TotalCost += result.ExecutionCost
	metrics.ObservePipelineNode(string(NodeSucceeded))

	msg := ""
	if receipt.SettlementError != "" {
		msg = "settlement: " + receipt.SettlementError
	}
	e.emit(ctx, obs, Event{
		Kind: EventNode, RunID: res.RunID, PipelineID: res.PipelineID, NodeID: n.ID,
		Status: string(NodeSucceeded), AgentID: node.AgentID, JobID: jobID, Cost: node.Cost, Message: msg,
	})
}

func (e *Executor) failNode(ctx context.Context, obs Observer, res *RunResult, node *NodeResult, code dispatch.ErrorCode, message string) {
	finished := e.now()
	if code == "" {
		code = dispatch.ErrExecution
	}
	if message == "" {
		message = "job failed"
	}
	node.Status = NodeFailed
	node.FinishedAt = &finished
	node.ErrorCode = code
	node.Error = message
	metrics.ObservePipelineNode(string(NodeFailed))
	e.emit(ctx, obs, Event{
		Kind: EventNode, RunID: res.RunID, PipelineID: res.PipelineID, NodeID: node.NodeID,
		Status: string(NodeFailed), AgentID: node.AgentID, JobID: node.JobID, Message: string(code) + ": " + message,
	})
}

func (e *Executor) finish(ctx context.Context, obs Observer, res *RunResult, status RunStatus, failedNode string, code dispatch.ErrorCode, message string) {
	res.Status = status
	res.FailedNode = failedNode
	res.ErrorCode = code
	res.Error = message
	res.FinishedAt = e.now()
	metrics.ObservePipelineRun(string(status))

	level := slog.LevelInfo
	if status != RunSucceeded {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "pipeline run finished",
		slog.String("run_id", res.RunID),
		slog.String("pipeline_id", res.PipelineID),
		slog.String("status", string(status)),
		slog.String("total_cost", res.TotalCost.String()),
		slog.String("failed_node", failedNode),
		slog.String("error", message),
	)
	e.emit(ctx, obs, Event{Kind: EventRun, RunID: res.RunID, PipelineID: res.PipelineID, Status: string(status), Cost: res.TotalCost, Message: message})
}

func (e *Executor) emit(ctx context.Context, obs Observer, ev Event) {
	if obs == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	if err := obs.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish pipeline event failed",
			slog.String("run_id", ev.RunID),
			slog.String("status", ev.Status),
			slog.Any("error", err),
		)
	}
}
