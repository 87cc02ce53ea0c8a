package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"Chorus-Network/internal/credits"
	"Chorus-Network/internal/observability/metrics"
	"Chorus-Network/pkg/logger"
)

// DefaultTimeout bounds a dispatch when the caller passes no timeout.
const DefaultTimeout = 30 * time.Second

// Dispatcher sends jobs and normalizes whatever comes back.
type Dispatcher struct {
	transport      Transport
	callbacks      *CallbackHub
	callbackBase   string
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCallbacks enables asynchronous results: agents that answer 202 deliver
// the result later to callbackBase + "/" + job_id.
func WithCallbacks(hub *CallbackHub, callbackBase string) Option {
	return func(d *Dispatcher) {
		d.callbacks = hub
		d.callbackBase = strings.TrimRight(callbackBase, "/")
	}
}

// WithDefaultTimeout sets the timeout used when Dispatch receives zero.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.defaultTimeout = timeout
		}
	}
}

// WithLogger overrides the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New builds a Dispatcher on top of transport.
func New(transport Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{transport: transport, defaultTimeout: DefaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.logger == nil {
		d.logger = logger.Named("dispatch")
	}
	return d
}

// Dispatch sends req to target and waits at most timeout for the result.
//
// It never returns an error: unreachable agents yield AGENT_OFFLINE, timeouts
// and protocol violations yield EXECUTION_ERROR. Cancelling ctx does not abort
// a job that is already in flight; only the timeout does.
func (d *Dispatcher) Dispatch(ctx context.Context, target Target, req JobRequest, timeout time.Duration) JobResult {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	if req.Currency == "" {
		req.Currency = DefaultCurrency
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	if d.callbacks != nil && req.CallbackURL == "" && d.callbackBase != "" {
		req.CallbackURL = d.callbackBase + "/" + req.JobID
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var waitCh <-chan JobResult
	if d.callbacks != nil {
		waitCh = d.callbacks.Expect(req.JobID)
		defer d.callbacks.Forget(req.JobID)
	}

	start := time.Now()
	res, err := d.send(callCtx, target, req)
	if err == nil && res.Status == StatusPending {
		res, err = d.await(callCtx, waitCh)
	}
	elapsed := time.Since(start)

	if err != nil {
		res = d.failureFor(callCtx, target, req, err, timeout)
	}
	res = Normalize(res, req, target, elapsed)

	metrics.ObserveDispatch(string(res.Status), string(res.ErrorCode), elapsed)
	level := slog.LevelInfo
	if !res.Succeeded() {
		level = slog.LevelWarn
	}
	d.logger.Log(ctx, level, "job dispatched",
		slog.String("job_id", res.JobID),
		slog.String("agent_id", res.AgentID),
		slog.String("skill", req.SkillName),
		slog.String("status", string(res.Status)),
		slog.String("error_code", string(res.ErrorCode)),
		slog.String("cost", res.ExecutionCost.String()),
		slog.Duration("elapsed", elapsed),
	)
	return res
}

func (d *Dispatcher) send(ctx context.Context, target Target, req JobRequest) (JobResult, error) {
	if d.transport == nil {
		return JobResult{}, errors.New("no transport configured")
	}
	return d.transport.Send(ctx, target.Endpoint, req)
}

func (d *Dispatcher) await(ctx context.Context, waitCh <-chan JobResult) (JobResult, error) {
	if waitCh == nil {
		return JobResult{}, &MalformedError{Reason: "agent deferred the result but callbacks are disabled"}
	}
	select {
	case res := <-waitCh:
		return res, nil
	case <-ctx.Done():
		return JobResult{}, ctx.Err()
	}
}

func (d *Dispatcher) failureFor(ctx context.Context, target Target, req JobRequest, err error, timeout time.Duration) JobResult {
	var statusErr *StatusError
	var malformed *MalformedError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return Failed(req.JobID, target.AgentID, ErrExecution, fmt.Sprintf("job timed out after %s", timeout))
	case errors.As(err, &statusErr):
		return Failed(req.JobID, target.AgentID, ErrExecution, statusErr.Error())
	case errors.As(err, &malformed):
		return Failed(req.JobID, target.AgentID, ErrExecution, malformed.Error())
	default:
		return Failed(req.JobID, target.AgentID, ErrAgentOffline, fmt.Sprintf("agent unreachable at %s: %v", target.Endpoint, err))
	}
}

// Normalize enforces the result invariants the rest of the system relies on:
// a known job id and agent id, a terminal status, a message on failure, and a
// cost within [0, min(cost_per_call, budget)].
func Normalize(res JobResult, req JobRequest, target Target, elapsed time.Duration) JobResult {
	if res.JobID == "" {
		res.JobID = req.JobID
	}
	if res.JobID != req.JobID {
		return Failed(req.JobID, target.AgentID, ErrExecution,
			fmt.Sprintf("agent answered for job %s instead of %s", res.JobID, req.JobID))
	}
	if target.AgentID != "" {
		res.AgentID = target.AgentID
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now().UTC()
	}
	if res.ExecutionTimeMs <= 0 {
		res.ExecutionTimeMs = elapsed.Milliseconds()
	}

	switch res.Status {
	case StatusSuccess:
		res.ErrorMessage = ""
		res.ErrorCode = ""
	case StatusFailure:
		if res.ErrorCode == "" {
			res.ErrorCode = ErrExecution
		}
		if res.ErrorMessage == "" {
			res.ErrorMessage = "agent reported failure"
		}
		res.ExecutionCost = 0
		return res
	default:
		return Failed(req.JobID, res.AgentID, ErrExecution, fmt.Sprintf("agent returned unknown status %q", res.Status))
	}

	if res.ExecutionCost < 0 {
		res.ExecutionCost = 0
	}
	if target.MaxCost >= 0 {
		res.ExecutionCost = credits.Min(res.ExecutionCost, target.MaxCost)
	}
	if req.Budget > 0 {
		res.ExecutionCost = credits.Min(res.ExecutionCost, req.Budget)
	}
	return res
}
