package market

import (
	"context"
	stdErrors "errors"
	"math"
	"testing"
	"time"

	"Chorus-Network/internal/agent"
	"Chorus-Network/internal/credits"
	"Chorus-Network/internal/dispatch"
	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/ledger"
	"Chorus-Network/internal/registry"
	"Chorus-Network/internal/settlement"
)

type env struct {
	dir    *registry.Directory
	ledger *ledger.Ledger
	local  *dispatch.LocalTransport
	market *Market
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := registry.NewDirectory(registry.NewMemoryStore())
	l := ledger.New(ledger.NewMemoryStore())
	local := dispatch.NewLocalTransport()
	d := dispatch.New(&dispatch.Router{Local: local})
	coord := settlement.NewCoordinator(l, dir)
	hundred := credits.FromInt(100)
	if _, _, err := l.OpenAccount(context.Background(), "alice", &hundred); err != nil {
		t.Fatalf("open: %v", err)
	}
	return &env{dir: dir, ledger: l, local: local, market: New(dir, d, coord, WithTimeout(time.Second))}
}

func (e *env) host(t *testing.T, id, name, owner, skill string, cost float64, fn agent.SkillFunc) {
	t.Helper()
	c := agent.NewContainer(name, owner, agent.WithAgentID(id), agent.WithEndpoint("local://"+id))
	if err := c.AddSkill(registry.Skill{Name: skill, CostPerCall: credits.FromFloat(cost)}, fn); err != nil {
		t.Fatalf("add skill: %v", err)
	}
	e.local.Mount(id, c)
	if _, err := e.dir.Register(context.Background(), c.Registration()); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestHirePicksBestAffordableAgentAndSettles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host(t, "cheap", "Cheap", "bob", "calculate", 1, agent.Calculate)
	e.host(t, "pricey", "Pricey", "carol", "calculate", 9, agent.Calculate)
	// Make the expensive agent the most reputable one.
	if _, err := e.dir.ApplyOutcome(ctx, "pricey", "warmup", true, 100); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	receipt, err := e.market.Hire(ctx, HireRequest{
		RequesterID: "alice",
		Skill:       "calculate",
		InputData:   dispatch.Payload{"number": 4.0},
		Budget:      credits.FromInt(5),
	})
	if err != nil {
		t.Fatalf("hire: %v", err)
	}
	if receipt.AgentID != "cheap" {
		t.Fatalf("budget should rule out the pricey agent, got %s", receipt.AgentID)
	}
	if !receipt.Result.Succeeded() || receipt.Result.OutputData["result"] != 8.0 {
		t.Fatalf("unexpected result %+v", receipt.Result)
	}
	if !receipt.Settled() || receipt.Settlement == nil || !receipt.Settlement.Paid {
		t.Fatalf("expected settled receipt, got %+v", receipt)
	}
	bob, _ := e.ledger.Balance(ctx, "bob")
	if bob != credits.FromInt(1) {
		t.Fatalf("bob should earn 1 credit, got %s", bob)
	}
	rec, _ := e.dir.Get(ctx, "cheap")
	if math.Abs(rec.ReputationScore-51) > 1e-9 {
		t.Fatalf("expected reputation 51, got %v", rec.ReputationScore)
	}
}

func TestHireRefusals(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host(t, "a1", "Solo", "bob", "echo", 3, agent.Echo)

	receipt, err := e.market.Hire(ctx, HireRequest{RequesterID: "alice", Skill: "echo", Budget: credits.FromInt(1)})
	if err != nil {
		t.Fatalf("hire: %v", err)
	}
	if receipt.Dispatched || receipt.Result.ErrorCode != dispatch.ErrBudgetInsufficient {
		t.Fatalf("expected budget refusal, got %+v", receipt)
	}

	receipt, _ = e.market.Hire(ctx, HireRequest{RequesterID: "alice", Skill: "translate"})
	if receipt.Result.ErrorCode != dispatch.ErrSkillMismatch {
		t.Fatalf("expected skill mismatch, got %+v", receipt.Result)
	}

	if _, err := e.dir.SetStatus(ctx, "a1", registry.StatusOffline); err != nil {
		t.Fatalf("set status: %v", err)
	}
	receipt, _ = e.market.Hire(ctx, HireRequest{RequesterID: "alice", Skill: "echo"})
	if receipt.Result.ErrorCode != dispatch.ErrAgentOffline {
		t.Fatalf("expected agent offline, got %+v", receipt.Result)
	}

	rec, _ := e.dir.Get(ctx, "a1")
	if rec.ReputationScore != 50 {
		t.Fatalf("refusals must not touch reputation, got %v", rec.ReputationScore)
	}

	if _, err := e.market.Hire(ctx, HireRequest{Skill: "echo"}); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("missing requester should be a validation error, got %v", err)
	}
}

func TestHireTransferFailureKeepsResult(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host(t, "a1", "Solo", "bob", "echo", 3, agent.Echo)

	receipt, err := e.market.Hire(ctx, HireRequest{RequesterID: "broke", Skill: "echo", InputData: dispatch.Payload{"x": 1.0}})
	if err != nil {
		t.Fatalf("hire: %v", err)
	}
	if !receipt.Result.Succeeded() {
		t.Fatalf("execution result must stand, got %+v", receipt.Result)
	}
	if receipt.SettlementCode != dispatch.ErrTransferFailed || receipt.Settled() {
		t.Fatalf("expected TRANSFER_FAILED, got %+v", receipt)
	}
}

func TestResolverPrefersPinnedThenName(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host(t, "a1", "Writer", "bob", "write", 1, agent.Echo)
	e.host(t, "a2", "Editor", "bob", "write", 1, agent.Echo)
	if _, err := e.dir.ApplyOutcome(ctx, "a1", "j", true, 100); err != nil {
		t.Fatalf("apply: %v", err)
	}
	r := e.market.Resolver()

	a, err := r.Resolve(ctx, Binding{AgentID: "a2", Skill: "write"})
	if err != nil || a.Agent.AgentID != "a2" {
		t.Fatalf("pinned agent should win, got %+v err=%v", a, err)
	}
	a, err = r.Resolve(ctx, Binding{AgentName: "editor", Skill: "write"})
	if err != nil || a.Agent.AgentID != "a2" {
		t.Fatalf("name match should win over reputation, got %+v err=%v", a, err)
	}
	a, err = r.Resolve(ctx, Binding{AgentName: "Unknown", Skill: "write"})
	if err != nil || a.Agent.AgentID != "a1" {
		t.Fatalf("unknown label should fall back to best agent, got %+v err=%v", a, err)
	}
	if _, err := r.Resolve(ctx, Binding{AgentID: "ghost"}); err == nil {
		t.Fatalf("unknown pinned agent should be refused")
	}
}

func TestResolverAppliesMinReputationToEveryBinding(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host(t, "a1", "Writer", "bob", "write", 1, agent.Echo)
	e.host(t, "a2", "Editor", "bob", "write", 1, agent.Echo)
	if _, err := e.dir.ApplyOutcome(ctx, "a1", "j", true, 100); err != nil {
		t.Fatalf("apply: %v", err)
	}
	r := e.market.Resolver()

	var refusal *Refusal
	_, err := r.Resolve(ctx, Binding{AgentID: "a2", Skill: "write", MinReputation: 51})
	if !stdErrors.As(err, &refusal) || refusal.Code != dispatch.ErrSkillMismatch {
		t.Fatalf("pinned agent below the floor should be refused, got %v", err)
	}
	a, err := r.Resolve(ctx, Binding{AgentName: "Editor", Skill: "write", MinReputation: 51})
	if err != nil || a.Agent.AgentID != "a1" {
		t.Fatalf("label below the floor should fall back to best agent, got %+v err=%v", a, err)
	}
	_, err = r.Resolve(ctx, Binding{AgentName: "Editor", MinReputation: 51})
	if !stdErrors.As(err, &refusal) || refusal.Code != dispatch.ErrSkillMismatch {
		t.Fatalf("label without skill below the floor should be refused, got %v", err)
	}
	if a, err := r.Resolve(ctx, Binding{AgentID: "a1", Skill: "write", MinReputation: 51}); err != nil || a.Agent.AgentID != "a1" {
		t.Fatalf("pinned agent above the floor should resolve, got %+v err=%v", a, err)
	}
}
