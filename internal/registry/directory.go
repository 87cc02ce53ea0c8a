package registry

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/reputation"
	"Chorus-Network/pkg/logger"
)

// Directory 负责 Agent 的注册、发现与信誉维护。
type Directory struct {
	store Store
	now   func() time.Time
}

// Option 定义 Directory 的可选配置。
type Option func(*Directory)

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDirectory 构造目录服务。
func NewDirectory(store Store, opts ...Option) *Directory {
	d := &Directory{store: store, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Register 注册新 Agent 或更新已有 Agent 的元数据。新 Agent 的信誉为 50。
func (d *Directory) Register(ctx context.Context, reg Registration) (*AgentRecord, error) {
	if d.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "目录存储未初始化")
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}

	agentID := strings.TrimSpace(reg.AgentID)
	if agentID == "" {
		agentID = uuid.NewString()
	}
	owner := strings.TrimSpace(reg.OwnerID)
	if owner == "" {
		owner = agentID
	}
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		name = agentID
	}
	version := reg.Version
	if version == "" {
		version = DefaultVersion
	}
	now := d.now()

	skills := make([]Skill, len(reg.Skills))
	for i, s := range reg.Skills {
		s.Name = strings.TrimSpace(s.Name)
		skills[i] = s
	}
	rec := &AgentRecord{
		AgentID:         agentID,
		OwnerID:         owner,
		Name:            name,
		Endpoint:        strings.TrimRight(strings.TrimSpace(reg.Endpoint), "/"),
		Version:         version,
		Skills:          skills,
		ReputationScore: reputation.Initial,
		Status:          StatusOnline,
		RegisteredAt:    now,
		LastHeartbeat:   now,
	}
	stored, created, err := d.store.Upsert(ctx, rec)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("agent 注册成功",
		slog.String("agent_id", stored.AgentID),
		slog.String("owner_id", stored.OwnerID),
		slog.String("endpoint", stored.Endpoint),
		slog.Bool("created", created),
		slog.Float64("reputation", stored.ReputationScore),
	)
	return stored, nil
}

// Discover 返回满足技能、最低信誉与价格上限的 (Agent, Skill) 组合，按信誉降序排列。
func (d *Directory) Discover(ctx context.Context, q Query) ([]Match, error) {
	if d.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "目录存储未初始化")
	}
	all, err := d.store.List(ctx)
	if err != nil {
		return nil, err
	}
	skill := strings.TrimSpace(q.Skill)
	matches := make([]Match, 0, len(all))
	for _, rec := range all {
		if rec.ReputationScore < q.MinReputation {
			continue
		}
		if q.OnlineOnly && rec.Status != StatusOnline {
			continue
		}
		for _, s := range rec.Skills {
			if skill != "" && s.Name != skill {
				continue
			}
			if q.MaxCost != nil && s.CostPerCall > *q.MaxCost {
				continue
			}
			matches = append(matches, Match{Agent: rec, Skill: s})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Agent.ReputationScore != b.Agent.ReputationScore {
			return a.Agent.ReputationScore > b.Agent.ReputationScore
		}
		if a.Skill.CostPerCall != b.Skill.CostPerCall {
			return a.Skill.CostPerCall < b.Skill.CostPerCall
		}
		return a.Agent.AgentID < b.Agent.AgentID
	})
	return matches, nil
}

// List 返回目录中的全部 Agent。
func (d *Directory) List(ctx context.Context) ([]*AgentRecord, error) {
	if d.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "目录存储未初始化")
	}
	return d.store.List(ctx)
}

// Get 返回指定 Agent。
func (d *Directory) Get(ctx context.Context, id string) (*AgentRecord, error) {
	if d.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "目录存储未初始化")
	}
	return d.store.Get(ctx, id)
}

// Heartbeat 标记 Agent 在线并刷新心跳时间。
func (d *Directory) Heartbeat(ctx context.Context, id string) (*AgentRecord, error) {
	return d.store.Touch(ctx, id, StatusOnline, d.now())
}

// SetStatus 修改 Agent 的在线状态。Agent 不会被删除，只会下线。
func (d *Directory) SetStatus(ctx context.Context, id string, status Status) (*AgentRecord, error) {
	if status != StatusOnline && status != StatusOffline {
		return nil, xerrors.Validation("unknown status %q", status)
	}
	rec, err := d.store.Touch(ctx, id, status, d.now())
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("agent 状态变更", slog.String("agent_id", id), slog.String("status", string(status)))
	return rec, nil
}

// ReputationOf 返回某个参与方的信誉，用作结算时的委托方信誉。
// 参与方本身是 Agent 时使用其分数；是所有者时取其名下 Agent 的平均分；否则为初始值。
func (d *Directory) ReputationOf(ctx context.Context, partyID string) float64 {
	if d.store == nil || partyID == "" {
		return reputation.Initial
	}
	rec, err := d.store.Get(ctx, partyID)
	if err == nil {
		return rec.ReputationScore
	}
	if !stdErrors.Is(err, ErrAgentNotFound) {
		logger.L().Warn("查询委托方信誉失败，使用默认值", slog.String("party_id", partyID), slog.Any("error", err))
		return reputation.Initial
	}
	all, err := d.store.List(ctx)
	if err != nil {
		return reputation.Initial
	}
	var sum float64
	var n int
	for _, a := range all {
		if a.OwnerID == partyID {
			sum += a.ReputationScore
			n++
		}
	}
	if n == 0 {
		return reputation.Initial
	}
	return sum / float64(n)
}

// ApplyOutcome 根据任务结果原子地更新 Agent 的信誉与统计。
func (d *Directory) ApplyOutcome(ctx context.Context, agentID, jobID string, outcome reputation.Outcome, contractorRep float64) (reputation.Update, error) {
	if d.store == nil {
		return reputation.Update{}, xerrors.New(xerrors.CodeInitializationFailure, "目录存储未初始化")
	}
	update := reputation.Update{
		AgentID:       agentID,
		JobID:         jobID,
		Success:       bool(outcome),
		ContractorRep: contractorRep,
		Timestamp:     d.now(),
	}
	_, err := d.store.Mutate(ctx, agentID, func(rec *AgentRecord) error {
		update.OldScore = rec.ReputationScore
		rec.ReputationScore = reputation.Next(rec.ReputationScore, outcome, contractorRep)
		update.NewScore = rec.ReputationScore
		if outcome == reputation.Success {
			rec.JobsCompleted++
		} else {
			rec.JobsFailed++
		}
		return nil
	})
	if err != nil {
		return reputation.Update{}, err
	}
	logger.Audit().Info("agent 信誉更新",
		slog.String("agent_id", agentID),
		slog.String("job_id", jobID),
		slog.String("outcome", outcome.String()),
		slog.Float64("old_score", update.OldScore),
		slog.Float64("new_score", update.NewScore),
		slog.Float64("contractor_reputation", contractorRep),
	)
	return update, nil
}

// Leaderboard 返回信誉最高的前 n 个 Agent。
func (d *Directory) Leaderboard(ctx context.Context, n int) ([]*AgentRecord, error) {
	all, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].ReputationScore > all[j].ReputationScore
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// Close 释放存储资源。
func (d *Directory) Close() error {
	if d.store == nil {
		return nil
	}
	return d.store.Close()
}
