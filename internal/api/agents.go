package api

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"Chorus-Network/internal/auth"
	"Chorus-Network/internal/credits"
	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/registry"
)

// discoveredAgent 是 discover 返回的单条记录，每条只携带一个匹配的技能。
type discoveredAgent struct {
	AgentID         string          `json:"agent_id"`
	AgentName       string          `json:"agent_name"`
	OwnerID         string          `json:"owner_id"`
	Endpoint        string          `json:"api_endpoint"`
	Skill           discoveredSkill `json:"skill"`
	ReputationScore float64         `json:"reputation_score"`
	Status          registry.Status `json:"status"`
}

type discoveredSkill struct {
	Name        string         `json:"skill_name"`
	Description string         `json:"description,omitempty"`
	CostPerCall credits.Amount `json:"cost_per_call"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg registry.Registration
	if err := decodeJSON(r, &reg); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(reg.OwnerID) == "" {
		reg.OwnerID = auth.OwnerFromContext(r.Context(), "")
	}
	rec, err := s.deps.Directory.Register(r.Context(), reg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":           "registered",
		"agent_id":         rec.AgentID,
		"reputation_score": rec.ReputationScore,
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	q := registry.Query{Skill: r.URL.Query().Get("skill")}
	minRep, ok, err := queryFloat(r, "min_reputation")
	if err != nil {
		writeError(w, err)
		return
	}
	if ok {
		if minRep < 0 || minRep > 100 {
			writeError(w, xerrors.Validation("min_reputation must be within [0, 100]"))
			return
		}
		q.MinReputation = minRep
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("max_cost")); raw != "" {
		maxCost, err := credits.Parse(raw)
		if err != nil || maxCost < 0 {
			writeError(w, xerrors.Validation("max_cost must be a non-negative amount"))
			return
		}
		q.MaxCost = &maxCost
	}
	q.OnlineOnly = r.URL.Query().Get("online") == "true"

	matches, err := s.deps.Directory.Discover(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	agents := make([]discoveredAgent, 0, len(matches))
	for _, m := range matches {
		agents = append(agents, discoveredAgent{
			AgentID:         m.Agent.AgentID,
			AgentName:       m.Agent.Name,
			OwnerID:         m.Agent.OwnerID,
			Endpoint:        m.Agent.Endpoint,
			Skill:           discoveredSkill{Name: m.Skill.Name, Description: m.Skill.Description, CostPerCall: m.Skill.CostPerCall},
			ReputationScore: m.Agent.ReputationScore,
			Status:          m.Agent.Status,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "total": len(agents)})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Directory.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "total": len(agents)})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Directory.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleRetireAgent 将 Agent 标记为离线，记录本身保留。
func (s *Server) handleRetireAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Directory.SetStatus(r.Context(), mux.Vars(r)["id"], registry.StatusOffline)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "offline", "agent_id": rec.AgentID})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.AgentID) == "" {
		writeError(w, xerrors.Validation("agent_id is required"))
		return
	}
	rec, err := s.deps.Directory.Heartbeat(r.Context(), body.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"agent_id":  rec.AgentID,
		"timestamp": rec.LastHeartbeat.Format(time.RFC3339),
	})
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Directory.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	seen := make(map[string]struct{})
	for _, a := range agents {
		for _, sk := range a.Skills {
			seen[sk.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"skills": names, "total_agents": len(agents)})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Directory.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	total := rec.JobsCompleted + rec.JobsFailed
	successRate := 0.0
	if total > 0 {
		successRate = float64(rec.JobsCompleted) / float64(total)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": rec.AgentID,
		"score":    rec.ReputationScore,
		"stats": map[string]any{
			"jobs_completed": rec.JobsCompleted,
			"jobs_failed":    rec.JobsFailed,
			"total_jobs":     total,
			"success_rate":   successRate,
		},
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 10)
	if err != nil {
		writeError(w, err)
		return
	}
	agents, err := s.deps.Directory.Leaderboard(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "total": len(agents)})
}
