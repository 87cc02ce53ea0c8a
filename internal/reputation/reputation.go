// Package reputation holds the scoring rule applied to an agent after each
// settled job. The rule is a pure function of the previous score, the job
// outcome and the reputation of the party that hired the agent.
package reputation

import "time"

const (
	// Initial is the score given to newly registered agents and to parties
	// without a directory record.
	Initial = 50.0
	// Min and Max bound every score.
	Min = 0.0
	Max = 100.0
	// SuccessWeight scales the gain of a successful job by the contractor's
	// normalised reputation.
	SuccessWeight = 2.0
	// FailurePenalty is the base loss of a failed job.
	FailurePenalty = 3.0
	// FailureMultiplier makes failures cost more than successes earn.
	FailureMultiplier = 1.5
)

// Outcome is the result of a job as seen by the scoring rule.
type Outcome bool

const (
	Success Outcome = true
	Failure Outcome = false
)

func (o Outcome) String() string {
	if o {
		return "success"
	}
	return "failure"
}

// Next computes the score after one job.
//
// A successful job adds SuccessWeight * contractorRep/100, a failure subtracts
// FailurePenalty * FailureMultiplier. The result is clamped to [Min, Max].
func Next(old float64, outcome Outcome, contractorRep float64) float64 {
	old = Clamp(old)
	if outcome == Success {
		return Clamp(old + SuccessWeight*(Clamp(contractorRep)/100))
	}
	return Clamp(old - FailurePenalty*FailureMultiplier)
}

// Clamp bounds v to [Min, Max].
func Clamp(v float64) float64 {
	if v < Min {
		return Min
	}
	if v > Max {
		return Max
	}
	return v
}

// Update records a single application of the rule for auditing.
type Update struct {
	AgentID       string    `json:"agent_id"`
	JobID         string    `json:"job_id"`
	OldScore      float64   `json:"old_score"`
	NewScore      float64   `json:"new_score"`
	Success       bool      `json:"success"`
	ContractorRep float64   `json:"contractor_reputation"`
	Timestamp     time.Time `json:"timestamp_utc"`
}

// Delta returns the change applied by the update.
func (u Update) Delta() float64 { return u.NewScore - u.OldScore }
