package market

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
	"Chorus-Network/internal/settlement"
	"Chorus-Network/pkg/logger"
)

// Dispatcher sends one job. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, target dispatch.Target, req dispatch.JobRequest, timeout time.Duration) dispatch.JobResult
}

// Settler settles one finished job. *settlement.Coordinator satisfies it.
type Settler interface {
	Settle(ctx context.Context, requesterID, payeeID string, result dispatch.JobResult) (settlement.Outcome, error)
}

// Job is a unit of work for an already resolved agent.
type Job struct {
	JobID       string
	RequesterID string
	Input       dispatch.Payload
	// Budget defaults to the skill's cost_per_call when zero.
	Budget  credits.Amount
	Timeout time.Duration
}

// Receipt is what came out of one job: the agent's result and, when the job
// was settled, the settlement outcome. A settlement failure never changes
// Result.
type Receipt struct {
	AgentID         string              `json:"agent_id"`
	AgentName       string              `json:"agent_name"`
	OwnerID         string              `json:"owner_id"`
	Result          dispatch.JobResult  `json:"result"`
	Settlement      *settlement.Outcome `json:"settlement,omitempty"`
	SettlementCode  dispatch.ErrorCode  `json:"settlement_error_code,omitempty"`
	SettlementError string              `json:"settlement_error,omitempty"`
	Dispatched      bool                `json:"dispatched"`
}

// Settled reports whether settlement finished without error.
func (r Receipt) Settled() bool { return r.Dispatched && r.SettlementError == "" }

// Market runs single jobs end to end.
type Market struct {
	resolver *Resolver
	dispatch Dispatcher
	settler  Settler
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a Market.
type Option func(*Market)

// WithTimeout sets the per-job timeout used when a job does not carry one.
func WithTimeout(d time.Duration) Option {
	return func(m *Market) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// New builds a Market.
func New(dir Directory, d Dispatcher, s Settler, opts ...Option) *Market {
	m := &Market{
		resolver: NewResolver(dir),
		dispatch: d,
		settler:  s,
		timeout:  dispatch.DefaultTimeout,
		logger:   logger.Named("market"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Resolver exposes the binding resolver.
func (m *Market) Resolver() *Resolver { return m.resolver }

// Execute dispatches job to the assigned agent and settles the result. Jobs
// the agent never saw are not settled.
func (m *Market) Execute(ctx context.Context, a Assignment, skill string, job Job) Receipt {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if skill == "" {
		skill = a.Skill.Name
	}
	budget := job.Budget
	if budget <= 0 {
		budget = a.Skill.CostPerCall
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}

	receipt := Receipt{AgentID: a.Agent.AgentID, AgentName: a.Agent.Name, OwnerID: a.Agent.OwnerID}
	receipt.Result = m.dispatch.Dispatch(ctx,
		dispatch.Target{AgentID: a.Agent.AgentID, Endpoint: a.Agent.Endpoint, MaxCost: a.Skill.CostPerCall},
		dispatch.JobRequest{
			JobID:          job.JobID,
			OrchestratorID: job.RequesterID,
			SkillName:      skill,
			InputData:      job.Input,
			Budget:         budget,
		},
		timeout,
	)
	receipt.Dispatched = true

	if m.settler == nil {
		return receipt
	}
	// Settlement must not be skipped because the caller gave up waiting.
	out, err := m.settler.Settle(context.WithoutCancel(ctx), job.RequesterID, a.Agent.OwnerID, receipt.Result)
	if err != nil {
		receipt.SettlementError = err.Error()
		receipt.SettlementCode = dispatch.ErrExecution
		var settleErr *settlement.Error
		if stdErrors.As(err, &settleErr) {
			receipt.SettlementCode = settleErr.JobErrorCode()
		}
		m.logger.Warn("settlement failed",
			slog.String("job_id", job.JobID),
			slog.String("agent_id", a.Agent.AgentID),
			slog.String("error", err.Error()),
		)
	}
	if err == nil || out.JobID != "" {
		receipt.Settlement = &out
	}
	return receipt
}

// HireRequest asks the market to run one job.
type HireRequest struct {
	RequesterID   string           `json:"requester_id"`
	Skill         string           `json:"skill_name"`
	AgentID       string           `json:"agent_id,omitempty"`
	InputData     dispatch.Payload `json:"input_data"`
	Budget        credits.Amount   `json:"budget"`
	MinReputation float64          `json:"min_reputation,omitempty"`
	TimeoutMs     int64            `json:"timeout_ms,omitempty"`
}

// Validate checks the request shape.
func (r HireRequest) Validate() error {
	if strings.TrimSpace(r.RequesterID) == "" {
		return xerrors.Validation("requester_id is required")
	}
	if strings.TrimSpace(r.Skill) == "" && strings.TrimSpace(r.AgentID) == "" {
		return xerrors.Validation("skill_name or agent_id is required")
	}
	if r.Budget < 0 {
		return xerrors.Validation("budget must not be negative")
	}
	if r.MinReputation < 0 || r.MinReputation > 100 {
		return xerrors.Validation("min_reputation must be within [0, 100]")
	}
	return nil
}

// Hire resolves the best agent for the request, runs the job and settles it.
// Refusals decided before dispatch come back as a FAILURE result with
// Dispatched=false; only malformed requests and infrastructure faults are
// returned as errors.
func (m *Market) Hire(ctx context.Context, req HireRequest) (Receipt, error) {
	if err := req.Validate(); err != nil {
		return Receipt{}, err
	}
	binding := Binding{
		AgentID:       req.AgentID,
		Skill:         req.Skill,
		MinReputation: req.MinReputation,
	}
	if req.Budget > 0 {
		budget := req.Budget
		binding.MaxCost = &budget
	}
	jobID := uuid.NewString()

	assignment, err := m.resolver.Resolve(ctx, binding)
	if err != nil {
		var refusal *Refusal
		if stdErrors.As(err, &refusal) {
			m.logger.Info("hire refused",
				slog.String("requester_id", req.RequesterID),
				slog.String("skill", req.Skill),
				slog.String("error_code", string(refusal.Code)),
				slog.String("reason", refusal.Message),
			)
			return Receipt{AgentID: req.AgentID, Result: refusal.Result(jobID, req.AgentID)}, nil
		}
		return Receipt{}, err
	}

	return m.Execute(ctx, assignment, req.Skill, Job{
		JobID:       jobID,
		RequesterID: req.RequesterID,
		Input:       req.InputData,
		Budget:      req.Budget,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
	}), nil
}
