// Package settlement 把任务结果落实为资金与信誉变化：先转账，再更新信誉。
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Chorus-Network/internal/dispatch"
	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/ledger"
	"Chorus-Network/internal/observability/alerting"
	"Chorus-Network/internal/observability/metrics"
	"Chorus-Network/internal/reputation"
	"Chorus-Network/pkg/logger"
)

// Payer 执行付款。*ledger.Ledger 满足该接口。
type Payer interface {
	Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.Entry, error)
}

// ReputationBook 查询委托方信誉并更新 Agent 信誉。*registry.Directory 满足该接口。
type ReputationBook interface {
	ReputationOf(ctx context.Context, partyID string) float64
	ApplyOutcome(ctx context.Context, agentID, jobID string, outcome reputation.Outcome, contractorRep float64) (reputation.Update, error)
}

// Stage 标识结算中的步骤。
type Stage string

const (
	StageTransfer   Stage = "transfer"
	StageReputation Stage = "reputation"
)

// Error 是结算失败时返回的错误。任务本身的执行结果不受影响。
type Error struct {
	JobID string
	Stage Stage
	err   *xerrors.Error
}

func (e *Error) Error() string {
	return fmt.Sprintf("settlement of job %s failed at %s: %v", e.JobID, e.Stage, e.err)
}

// Unwrap 返回带 SETTLEMENT_ERROR 错误码的底层错误。
func (e *Error) Unwrap() error { return e.err }

// JobErrorCode 返回协议边界上使用的错误码。
func (e *Error) JobErrorCode() dispatch.ErrorCode {
	if e.Stage == StageTransfer {
		return dispatch.ErrTransferFailed
	}
	return dispatch.ErrExecution
}

// Retryable 表示重新调用 Settle 可能完成剩余步骤。
func (e *Error) Retryable() bool { return e.err.Retryable() }

// Outcome 是一次结算的结果。
type Outcome struct {
	JobID      string             `json:"job_id"`
	AgentID    string             `json:"agent_id"`
	Requester  string             `json:"requester_id"`
	Payee      string             `json:"payee_id"`
	Paid       bool               `json:"paid"`
	Transfer   *ledger.Entry      `json:"transfer,omitempty"`
	Reputation *reputation.Update `json:"reputation,omitempty"`
	Replayed   bool               `json:"replayed,omitempty"`
}

// Coordinator 负责任务结算。
type Coordinator struct {
	payer   Payer
	book    ReputationBook
	journal Journal
	alerts  alerting.Dispatcher
	locks   keyedMutex
	now     func() time.Time
	logger  *slog.Logger
}

// Option 定义 Coordinator 的可选配置。
type Option func(*Coordinator)

// WithJournal 替换结算日志，默认使用内存实现。
func WithJournal(j Journal) Option {
	return func(c *Coordinator) {
		if j != nil {
			c.journal = j
		}
	}
}

// WithAlertDispatcher 配置结算失败时的告警。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(c *Coordinator) {
		c.alerts = d
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator 构造结算协调器。
func NewCoordinator(payer Payer, book ReputationBook, opts ...Option) *Coordinator {
	c := &Coordinator{
		payer:   payer,
		book:    book,
		journal: NewMemoryJournal(),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.Named("settlement"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Settle 结算一个已结束的任务。
//
// 成功且费用为正时先从 requesterID 向 payeeID 转账，再按成功更新 Agent 信誉；
// 失败或零费用时不转账，只更新信誉。转账失败时信誉仍按成功更新，返回 TRANSFER_FAILED。
// 同一任务重复调用只会补齐尚未完成的步骤。
func (c *Coordinator) Settle(ctx context.Context, requesterID, payeeID string, result dispatch.JobResult) (Outcome, error) {
	if c.payer == nil || c.book == nil {
		return Outcome{}, xerrors.New(xerrors.CodeInitializationFailure, "结算组件未初始化")
	}
	jobID := strings.TrimSpace(result.JobID)
	if jobID == "" {
		return Outcome{}, xerrors.Validation("job_id is required for settlement")
	}
	if strings.TrimSpace(result.AgentID) == "" {
		return Outcome{}, xerrors.Validation("agent_id is required for settlement")
	}
	if result.Status != dispatch.StatusSuccess && result.Status != dispatch.StatusFailure {
		return Outcome{}, xerrors.Validation("job %s is not finished (status %q)", jobID, result.Status)
	}

	unlock := c.locks.lock(jobID)
	defer unlock()

	rec, found, err := c.journal.Load(ctx, jobID)
	if err != nil {
		return Outcome{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取结算日志失败")
	}
	if found && rec.Complete() {
		metrics.ObserveSettlement("replayed")
		out := outcomeOf(rec)
		out.Replayed = true
		return out, nil
	}
	if !found {
		rec = Record{
			JobID:         jobID,
			AgentID:       result.AgentID,
			Requester:     requesterID,
			Payee:         payeeID,
			Success:       result.Succeeded(),
			ContractorRep: c.book.ReputationOf(ctx, requesterID),
		}
	}

	// 自己雇佣自己的 Agent 时没有资金流动。
	payable := result.Succeeded() && result.ExecutionCost.IsPositive() && requesterID != payeeID
	if !payable {
		rec.TransferDone = true
	}

	var transferErr error
	if !rec.TransferDone {
		entry, err := c.payer.Transfer(ctx, ledger.TransferRequest{
			From:   requesterID,
			To:     payeeID,
			Amount: result.ExecutionCost,
			JobID:  jobID,
		})
		if err != nil {
			transferErr = err
			rec.TransferError = err.Error()
		} else {
			rec.TransferDone = true
			rec.Transfer = &entry
			rec.TransferError = ""
		}
	}

	if !rec.ReputationSet {
		outcome := reputation.Outcome(rec.Success)
		update, err := c.book.ApplyOutcome(ctx, rec.AgentID, jobID, outcome, rec.ContractorRep)
		if err != nil {
			c.save(ctx, rec)
			metrics.ObserveSettlement("error")
			return outcomeOf(rec), c.fail(ctx, rec, StageReputation, err, true)
		}
		rec.ReputationSet = true
		rec.Reputation = &update
	}
	c.save(ctx, rec)

	if transferErr != nil {
		metrics.ObserveSettlement("transfer_failed")
		return outcomeOf(rec), c.fail(ctx, rec, StageTransfer, transferErr, xerrors.RetryableError(transferErr))
	}

	if payable {
		metrics.ObserveSettlement("paid")
	} else {
		metrics.ObserveSettlement("unpaid")
	}
	out := outcomeOf(rec)
	logger.Audit().Info("任务结算完成",
		slog.String("job_id", jobID),
		slog.String("agent_id", rec.AgentID),
		slog.String("requester_id", requesterID),
		slog.String("payee_id", payeeID),
		slog.Bool("paid", out.Paid),
		slog.String("amount", result.ExecutionCost.String()),
		slog.Float64("reputation", rec.Reputation.NewScore),
	)
	return out, nil
}

func (c *Coordinator) save(ctx context.Context, rec Record) {
	rec.UpdatedAt = c.now()
	if err := c.journal.Save(ctx, rec); err != nil {
		c.logger.Error("保存结算日志失败", slog.String("job_id", rec.JobID), slog.Any("error", err))
	}
}

func (c *Coordinator) fail(ctx context.Context, rec Record, stage Stage, cause error, retryable bool) error {
	wrapped := xerrors.Wrap(xerrors.CodeSettlementFailure, cause, fmt.Sprintf("%s step failed", stage),
		xerrors.WithRetryable(retryable),
		xerrors.WithMetadata("job_id", rec.JobID),
		xerrors.WithMetadata("stage", string(stage)),
	)
	settleErr := &Error{JobID: rec.JobID, Stage: stage, err: wrapped}

	logger.Audit().Error("任务结算失败",
		slog.String("job_id", rec.JobID),
		slog.String("agent_id", rec.AgentID),
		slog.String("stage", string(stage)),
		slog.Bool("retryable", retryable),
		slog.String("error", cause.Error()),
	)
	if c.alerts != nil && wrapped.ShouldAlert() {
		event := alerting.NewEvent(xerrors.CodeSettlementFailure, rec.JobID, string(stage), cause)
		event.Metadata["agent_id"] = rec.AgentID
		event.Metadata["requester_id"] = rec.Requester
		if err := c.alerts.Notify(ctx, event); err != nil {
			c.logger.Warn("发送结算告警失败", slog.String("job_id", rec.JobID), slog.Any("error", err))
		}
	}
	return settleErr
}

// Lookup 返回指定任务的结算进度。
func (c *Coordinator) Lookup(ctx context.Context, jobID string) (Record, bool, error) {
	return c.journal.Load(ctx, jobID)
}

func outcomeOf(rec Record) Outcome {
	return Outcome{
		JobID:      rec.JobID,
		AgentID:    rec.AgentID,
		Requester:  rec.Requester,
		Payee:      rec.Payee,
		Paid:       rec.Transfer != nil,
		Transfer:   rec.Transfer,
		Reputation: rec.Reputation,
	}
}
