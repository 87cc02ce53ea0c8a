package registry

import (
	"net/url"
	"strings"
	"time"

	"Chorus-Network/internal/credits"
	xerrors "Chorus-Network/internal/errors"
)

// Status 表示 Agent 当前是否在线，仅供展示与筛选使用。
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// DefaultVersion 是未声明版本时使用的协议版本。
const DefaultVersion = "0.1"

// Skill 描述 Agent 对外提供的一项能力及其单次调用价格。
type Skill struct {
	Name         string         `json:"skill_name" yaml:"skill_name"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	CostPerCall  credits.Amount `json:"cost_per_call" yaml:"cost_per_call"`
	InputSchema  map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
}

// AgentRecord 是目录中一条 Agent 记录。
type AgentRecord struct {
	AgentID         string    `json:"agent_id"`
	OwnerID         string    `json:"owner_id"`
	Name            string    `json:"agent_name"`
	Endpoint        string    `json:"api_endpoint"`
	Version         string    `json:"version"`
	Skills          []Skill   `json:"skills"`
	ReputationScore float64   `json:"reputation_score"`
	Status          Status    `json:"status"`
	JobsCompleted   int       `json:"jobs_completed"`
	JobsFailed      int       `json:"jobs_failed"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
}

// Skill 返回指定名称的技能。
func (a *AgentRecord) Skill(name string) (Skill, bool) {
	for _, s := range a.Skills {
		if s.Name == name {
			return s, true
		}
	}
	return Skill{}, false
}

// Clone 返回深拷贝，避免调用方修改存储中的记录。
func (a *AgentRecord) Clone() *AgentRecord {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Skills = make([]Skill, len(a.Skills))
	for i, s := range a.Skills {
		s.InputSchema = cloneMap(s.InputSchema)
		s.OutputSchema = cloneMap(s.OutputSchema)
		clone.Skills[i] = s
	}
	return &clone
}

// Registration 是注册或重新注册 Agent 时提交的信息。
type Registration struct {
	AgentID  string  `json:"agent_id,omitempty"`
	OwnerID  string  `json:"owner_id"`
	Name     string  `json:"agent_name"`
	Endpoint string  `json:"api_endpoint"`
	Version  string  `json:"version,omitempty"`
	Skills   []Skill `json:"skills"`
}

// Validate 校验注册信息。
func (r Registration) Validate() error {
	if len(r.Skills) == 0 {
		return xerrors.Validation("at least one skill is required")
	}
	seen := make(map[string]struct{}, len(r.Skills))
	for _, s := range r.Skills {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return xerrors.Validation("skill name must not be empty")
		}
		if s.CostPerCall < 0 {
			return xerrors.Validation("cost_per_call for skill %q must not be negative", name)
		}
		if _, dup := seen[name]; dup {
			return xerrors.Validation("skill %q declared twice", name)
		}
		seen[name] = struct{}{}
	}
	endpoint := strings.TrimSpace(r.Endpoint)
	if endpoint == "" {
		return xerrors.Validation("api_endpoint must not be empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return xerrors.Validation("api_endpoint %q is not a valid url", endpoint)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return xerrors.Validation("api_endpoint %q has no host", endpoint)
		}
	case "local":
	default:
		return xerrors.Validation("api_endpoint scheme %q is not supported", u.Scheme)
	}
	return nil
}

// Query 描述 discover 的过滤条件。
type Query struct {
	Skill         string
	MinReputation float64
	MaxCost       *credits.Amount
	OnlineOnly    bool
}

// Match 是 discover 返回的一条（Agent, Skill）组合。
type Match struct {
	Agent *AgentRecord
	Skill Skill
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

const (
	CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"
)

// ErrAgentNotFound 表示目录中不存在该 Agent。
var ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:    "agent not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
}
