// Package market connects the directory, the dispatcher and the settlement
// coordinator into the hire flow: pick an agent, send it one job, settle the
// outcome. Pipelines reuse the same pieces node by node.
package market

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"

	"Chorus-Network/internal/credits"
	"Chorus-Network/internal/dispatch"
	"Chorus-Network/internal/registry"
)

// Directory is the part of the agent directory the market reads.
type Directory interface {
	Get(ctx context.Context, id string) (*registry.AgentRecord, error)
	List(ctx context.Context) ([]*registry.AgentRecord, error)
	Discover(ctx context.Context, q registry.Query) ([]registry.Match, error)
}

// Binding says which agent should take a job. AgentID wins over AgentName,
// which wins over Skill. MinReputation applies to every kind of binding.
type Binding struct {
	AgentID       string
	AgentName     string
	Skill         string
	MinReputation float64
	// MaxCost excludes agents whose cost_per_call is above it. Nil means no cap.
	MaxCost *credits.Amount
}

// Assignment is a resolved binding.
type Assignment struct {
	Agent *registry.AgentRecord
	Skill registry.Skill
}

// Refusal is a job failure decided before anything was sent.
type Refusal struct {
	Code    dispatch.ErrorCode
	Message string
}

func (r *Refusal) Error() string { return fmt.Sprintf("%s: %s", r.Code, r.Message) }

// Result converts the refusal into a FAILURE result for jobID.
func (r *Refusal) Result(jobID, agentID string) dispatch.JobResult {
	return dispatch.Failed(jobID, agentID, r.Code, r.Message)
}

func refuse(code dispatch.ErrorCode, format string, args ...any) *Refusal {
	return &Refusal{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Resolver turns bindings into assignments against the live directory.
type Resolver struct {
	dir Directory
}

// NewResolver builds a Resolver.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve picks the agent for b. Locally decided failures come back as
// *Refusal; anything else is an infrastructure error.
func (r *Resolver) Resolve(ctx context.Context, b Binding) (Assignment, error) {
	if id := strings.TrimSpace(b.AgentID); id != "" {
		return r.pinned(ctx, id, b)
	}
	if name := strings.TrimSpace(b.AgentName); name != "" {
		a, ok, err := r.byName(ctx, name, b)
		if err != nil || ok {
			return a, err
		}
	}
	if strings.TrimSpace(b.Skill) == "" {
		return Assignment{}, refuse(dispatch.ErrSkillMismatch, "binding names neither an agent nor a skill")
	}
	return r.best(ctx, b)
}

func (r *Resolver) pinned(ctx context.Context, id string, b Binding) (Assignment, error) {
	rec, err := r.dir.Get(ctx, id)
	if err != nil {
		if stdErrors.Is(err, registry.ErrAgentNotFound) {
			return Assignment{}, refuse(dispatch.ErrAgentOffline, "agent %s is not registered", id)
		}
		return Assignment{}, err
	}
	skill, err := pickSkill(rec, b.Skill)
	if err != nil {
		return Assignment{}, err
	}
	if rec.Status != registry.StatusOnline {
		return Assignment{}, refuse(dispatch.ErrAgentOffline, "agent %s is offline", id)
	}
	if rec.ReputationScore < b.MinReputation {
		return Assignment{}, refuse(dispatch.ErrSkillMismatch,
			"agent %s has reputation %.1f, below the required %.1f", id, rec.ReputationScore, b.MinReputation)
	}
	if b.MaxCost != nil && skill.CostPerCall > *b.MaxCost {
		return Assignment{}, refuse(dispatch.ErrBudgetInsufficient,
			"budget %s is below cost %s of agent %s", *b.MaxCost, skill.CostPerCall, id)
	}
	return Assignment{Agent: rec, Skill: skill}, nil
}

func (r *Resolver) byName(ctx context.Context, name string, b Binding) (Assignment, bool, error) {
	all, err := r.dir.List(ctx)
	if err != nil {
		return Assignment{}, false, err
	}
	var offline, untrusted *registry.AgentRecord
	for _, rec := range all {
		if !strings.EqualFold(rec.Name, name) {
			continue
		}
		skill, err := pickSkill(rec, b.Skill)
		if err != nil {
			continue
		}
		if rec.Status != registry.StatusOnline {
			offline = rec
			continue
		}
		if rec.ReputationScore < b.MinReputation {
			untrusted = rec
			continue
		}
		if b.MaxCost != nil && skill.CostPerCall > *b.MaxCost {
			return Assignment{}, true, refuse(dispatch.ErrBudgetInsufficient,
				"budget %s is below cost %s of agent %s", *b.MaxCost, skill.CostPerCall, rec.AgentID)
		}
		return Assignment{Agent: rec, Skill: skill}, true, nil
	}
	if strings.TrimSpace(b.Skill) == "" {
		if untrusted != nil {
			return Assignment{}, true, refuse(dispatch.ErrSkillMismatch,
				"agent %q has reputation %.1f, below the required %.1f", name, untrusted.ReputationScore, b.MinReputation)
		}
		if offline != nil {
			return Assignment{}, true, refuse(dispatch.ErrAgentOffline, "agent %q is offline", name)
		}
	}
	return Assignment{}, false, nil
}

func (r *Resolver) best(ctx context.Context, b Binding) (Assignment, error) {
	skill := strings.TrimSpace(b.Skill)
	matches, err := r.dir.Discover(ctx, registry.Query{Skill: skill, MinReputation: b.MinReputation})
	if err != nil {
		return Assignment{}, err
	}
	if len(matches) == 0 {
		return Assignment{}, refuse(dispatch.ErrSkillMismatch, "no agent with reputation >= %.1f offers skill %q", b.MinReputation, skill)
	}
	var online int
	for _, m := range matches {
		if m.Agent.Status != registry.StatusOnline {
			continue
		}
		online++
		if b.MaxCost != nil && m.Skill.CostPerCall > *b.MaxCost {
			continue
		}
		// Discover sorts by reputation, so the first hit is the best one.
		return Assignment{Agent: m.Agent, Skill: m.Skill}, nil
	}
	if online == 0 {
		return Assignment{}, refuse(dispatch.ErrAgentOffline, "every agent offering %q is offline", skill)
	}
	return Assignment{}, refuse(dispatch.ErrBudgetInsufficient, "no online agent offers %q within budget %s", skill, *b.MaxCost)
}

func pickSkill(rec *registry.AgentRecord, name string) (registry.Skill, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		if len(rec.Skills) == 1 {
			return rec.Skills[0], nil
		}
		return registry.Skill{}, refuse(dispatch.ErrSkillMismatch, "agent %s offers %d skills, the binding must name one", rec.AgentID, len(rec.Skills))
	}
	if s, ok := rec.Skill(name); ok {
		return s, nil
	}
	return registry.Skill{}, refuse(dispatch.ErrSkillMismatch, "agent %s does not offer skill %q", rec.AgentID, name)
}
