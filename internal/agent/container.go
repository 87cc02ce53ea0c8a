package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"Chorus-Network/internal/credits"
	"Chorus-Network/internal/dispatch"
	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/registry"
	"Chorus-Network/pkg/logger"
)

// Container 把若干技能函数包装成一个可接单的 Agent。
type Container struct {
	id       string
	name     string
	ownerID  string
	endpoint string

	mu     sync.RWMutex
	skills map[string]hostedSkill
	order  []string
	stats  Stats

	logger *slog.Logger
}

type hostedSkill struct {
	def registry.Skill
	fn  SkillFunc
}

// Stats 是容器自身统计的接单情况。
type Stats struct {
	AgentID        string         `json:"agent_id"`
	Name           string         `json:"name"`
	Skills         []string       `json:"skills"`
	JobsCompleted  int            `json:"jobs_completed"`
	JobsFailed     int            `json:"jobs_failed"`
	SuccessRate    float64        `json:"success_rate"`
	TotalEarnings  credits.Amount `json:"total_earnings"`
	LastJobAt      time.Time      `json:"last_job_at,omitempty"`
	LastFailureMsg string         `json:"last_failure,omitempty"`
}

// Option 定义容器的可选配置。
type Option func(*Container)

// WithAgentID 固定 Agent 标识，默认随机生成。
func WithAgentID(id string) Option {
	return func(c *Container) {
		if strings.TrimSpace(id) != "" {
			c.id = strings.TrimSpace(id)
		}
	}
}

// WithEndpoint 设置注册时上报的访问地址。
func WithEndpoint(endpoint string) Option {
	return func(c *Container) {
		c.endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	}
}

// WithLogger 替换容器日志。
func WithLogger(l *slog.Logger) Option {
	return func(c *Container) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewContainer 创建一个容器。未设置 endpoint 时使用 local://<name>。
func NewContainer(name, ownerID string, opts ...Option) *Container {
	c := &Container{
		id:      uuid.NewString(),
		name:    strings.TrimSpace(name),
		ownerID: strings.TrimSpace(ownerID),
		skills:  make(map[string]hostedSkill),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.name == "" {
		c.name = c.id
	}
	if c.endpoint == "" {
		c.endpoint = "local://" + c.name
	}
	if c.logger == nil {
		c.logger = logger.Named("agent").With(slog.String("agent_id", c.id))
	}
	return c
}

// AddSkill 挂载一项技能，同名技能会被替换。fn 为空时使用 Echo。
func (c *Container) AddSkill(def registry.Skill, fn SkillFunc) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return xerrors.Validation("skill name must not be empty")
	}
	if def.CostPerCall < 0 {
		return xerrors.Validation("cost_per_call for skill %q must not be negative", def.Name)
	}
	if fn == nil {
		fn = Echo
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.skills[def.Name]; !exists {
		c.order = append(c.order, def.Name)
	}
	c.skills[def.Name] = hostedSkill{def: def, fn: fn}
	return nil
}

// ID 返回 Agent 标识。
func (c *Container) ID() string { return c.id }

// Name 返回 Agent 名称。
func (c *Container) Name() string { return c.name }

// Endpoint 返回注册使用的地址。
func (c *Container) Endpoint() string { return c.endpoint }

// Registration 生成向目录注册所需的信息。
func (c *Container) Registration() registry.Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	skills := make([]registry.Skill, 0, len(c.order))
	for _, name := range c.order {
		skills = append(skills, c.skills[name].def)
	}
	return registry.Registration{
		AgentID:  c.id,
		OwnerID:  c.ownerID,
		Name:     c.name,
		Endpoint: c.endpoint,
		Skills:   skills,
	}
}

// HandleJob 依次校验技能、预算，然后执行技能函数。任何情况下都返回结果而不是错误。
func (c *Container) HandleJob(ctx context.Context, req dispatch.JobRequest) dispatch.JobResult {
	start := time.Now()

	c.mu.RLock()
	skill, ok := c.skills[req.SkillName]
	c.mu.RUnlock()
	if !ok {
		return c.fail(req, start, dispatch.ErrSkillMismatch,
			fmt.Sprintf("skill mismatch: requested %q, this agent offers %s", req.SkillName, strings.Join(c.skillNames(), ", ")))
	}
	if req.Budget < skill.def.CostPerCall {
		return c.fail(req, start, dispatch.ErrBudgetInsufficient,
			fmt.Sprintf("budget %s is below cost %s", req.Budget, skill.def.CostPerCall))
	}

	output, err := c.run(ctx, skill.fn, req.InputData.Clone())
	if err != nil {
		return c.fail(req, start, dispatch.ErrExecution, "execution error: "+err.Error())
	}

	c.mu.Lock()
	c.stats.JobsCompleted++
	c.stats.TotalEarnings += skill.def.CostPerCall
	c.stats.LastJobAt = time.Now().UTC()
	c.mu.Unlock()

	c.logger.Info("job completed",
		slog.String("job_id", req.JobID),
		slog.String("skill", req.SkillName),
		slog.String("cost", skill.def.CostPerCall.String()),
	)
	return dispatch.JobResult{
		JobID:           req.JobID,
		AgentID:         c.id,
		Status:          dispatch.StatusSuccess,
		OutputData:      output,
		ExecutionCost:   skill.def.CostPerCall,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Timestamp:       time.Now().UTC(),
	}
}

func (c *Container) run(ctx context.Context, fn SkillFunc, input dispatch.Payload) (out dispatch.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if input == nil {
		input = dispatch.Payload{}
	}
	return fn(ctx, input)
}

func (c *Container) fail(req dispatch.JobRequest, start time.Time, code dispatch.ErrorCode, message string) dispatch.JobResult {
	c.mu.Lock()
	c.stats.JobsFailed++
	c.stats.LastJobAt = time.Now().UTC()
	c.stats.LastFailureMsg = message
	c.mu.Unlock()

	c.logger.Warn("job rejected",
		slog.String("job_id", req.JobID),
		slog.String("skill", req.SkillName),
		slog.String("error_code", string(code)),
		slog.String("error", message),
	)
	return dispatch.JobResult{
		JobID:           req.JobID,
		AgentID:         c.id,
		Status:          dispatch.StatusFailure,
		ErrorCode:       code,
		ErrorMessage:    message,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Timestamp:       time.Now().UTC(),
	}
}

// Stats 返回统计快照。
func (c *Container) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.AgentID = c.id
	s.Name = c.name
	s.Skills = append([]string(nil), c.order...)
	if total := s.JobsCompleted + s.JobsFailed; total > 0 {
		s.SuccessRate = float64(s.JobsCompleted) / float64(total)
	}
	return s
}

func (c *Container) skillNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := append([]string(nil), c.order...)
	sort.Strings(names)
	return names
}

var _ dispatch.JobHandler = (*Container)(nil)
