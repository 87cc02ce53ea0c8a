// Package dispatch sends a single job to an agent endpoint and turns every
// possible outcome, including transport faults and timeouts, into a JobResult.
// It never touches credits or reputation.
package dispatch

import (
	"time"

	"Chorus-Network/internal/credits"
)

// Status is the terminal state reported for a job.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	// StatusPending is only seen on the wire when an agent accepts a job and
	// promises to deliver the result through the callback URL.
	StatusPending Status = "PENDING"
)

// ErrorCode classifies failed jobs at the protocol boundary.
type ErrorCode string

const (
	ErrSkillMismatch      ErrorCode = "SKILL_MISMATCH"
	ErrBudgetInsufficient ErrorCode = "BUDGET_INSUFFICIENT"
	ErrAgentOffline       ErrorCode = "AGENT_OFFLINE"
	ErrExecution          ErrorCode = "EXECUTION_ERROR"
	ErrTransferFailed     ErrorCode = "TRANSFER_FAILED"
)

// DefaultCurrency tags every request with the internal credit unit.
const DefaultCurrency = "chorus_credits_v1"

// Payload is opaque job input or output. The marketplace never inspects it.
type Payload map[string]any

// Clone returns a shallow copy.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// JobRequest is the body of POST {endpoint}/jobs.
type JobRequest struct {
	JobID          string         `json:"job_id"`
	OrchestratorID string         `json:"orchestrator_id"`
	SkillName      string         `json:"skill_name"`
	InputData      Payload        `json:"input_data"`
	Budget         credits.Amount `json:"budget"`
	Currency       string         `json:"currency"`
	CallbackURL    string         `json:"callback_url,omitempty"`
	Timestamp      time.Time      `json:"timestamp_utc"`
}

// JobResult is the response of an agent, or the dispatcher's synthesized
// failure when the agent could not be reached.
type JobResult struct {
	JobID           string         `json:"job_id"`
	AgentID         string         `json:"agent_id"`
	Status          Status         `json:"status"`
	OutputData      Payload        `json:"output_data,omitempty"`
	ExecutionCost   credits.Amount `json:"execution_cost"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ErrorCode       ErrorCode      `json:"error_code,omitempty"`
	Timestamp       time.Time      `json:"timestamp_utc"`
}

// Succeeded reports whether the job finished with SUCCESS.
func (r JobResult) Succeeded() bool { return r.Status == StatusSuccess }

// Failed builds a FAILURE result.
func Failed(jobID, agentID string, code ErrorCode, message string) JobResult {
	return JobResult{
		JobID:        jobID,
		AgentID:      agentID,
		Status:       StatusFailure,
		ErrorCode:    code,
		ErrorMessage: message,
		Timestamp:    time.Now().UTC(),
	}
}

// Target identifies the agent a job is sent to.
type Target struct {
	AgentID  string
	Endpoint string
	// MaxCost is the advertised cost_per_call of the skill; reported costs are
	// capped to it. A negative value disables the cap.
	MaxCost credits.Amount
}
