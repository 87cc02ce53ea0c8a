package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Chorus-Network/internal/agent"
	"Chorus-Network/internal/credits"
	"Chorus-Network/internal/dispatch"
	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/ledger"
	"Chorus-Network/internal/market"
	"Chorus-Network/internal/registry"
	"Chorus-Network/internal/settlement"
)

type harness struct {
	dir    *registry.Directory
	ledger *ledger.Ledger
	local  *dispatch.LocalTransport
	market *market.Market
	calls  atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dir:    registry.NewDirectory(registry.NewMemoryStore()),
		ledger: ledger.New(ledger.NewMemoryStore()),
		local:  dispatch.NewLocalTransport(),
	}
	coord := settlement.NewCoordinator(h.ledger, h.dir)
	h.market = market.New(h.dir, dispatch.New(&dispatch.Router{Local: h.local}), coord, market.WithTimeout(time.Second))
	fifty := credits.FromInt(50)
	if _, _, err := h.ledger.OpenAccount(context.Background(), "requester", &fifty); err != nil {
		t.Fatalf("open: %v", err)
	}
	return h
}

func (h *harness) host(t *testing.T, id, owner, skill string, cost float64, fn agent.SkillFunc) {
	t.Helper()
	c := agent.NewContainer(id, owner, agent.WithAgentID(id), agent.WithEndpoint("local://"+id))
	wrapped := func(ctx context.Context, in dispatch.Payload) (dispatch.Payload, error) {
		h.calls.Add(1)
		return fn(ctx, in)
	}
	if err := c.AddSkill(registry.Skill{Name: skill, CostPerCall: credits.FromFloat(cost)}, wrapped); err != nil {
		t.Fatalf("add skill: %v", err)
	}
	h.local.Mount(id, c)
	if _, err := h.dir.Register(context.Background(), c.Registration()); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func (h *harness) executor(opts ...ExecutorOption) *Executor {
	return NewExecutor(h.market.Resolver(), h.market, opts...)
}

func (h *harness) balance(t *testing.T, owner string) credits.Amount {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), owner)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func appendStep(step string) agent.SkillFunc {
	return func(_ context.Context, in dispatch.Payload) (dispatch.Payload, error) {
		trail, _ := in["trail"].(string)
		topic, _ := in["topic"].(string)
		return dispatch.Payload{"topic": topic, "trail": trail + step}, nil
	}
}

func TestRunFeedsOutputForwardAndSettlesEachNode(t *testing.T) {
	h := newHarness(t)
	h.host(t, "a", "owner-a", "research", 1, appendStep("A"))
	h.host(t, "b", "owner-b", "write", 2, appendStep("B"))
	h.host(t, "c", "owner-c", "edit", 3, appendStep("C"))

	var mu sync.Mutex
	var events []Event
	obs := ObserverFunc(func(_ context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
		return nil
	})

	g := Chain("blog", "Blog", n("n1", "research"), n("n2", "write"), n("n3", "edit"))
	res, err := h.executor(WithObserver(obs)).Run(context.Background(), g, RunRequest{
		RequesterID: "requester",
		Input:       dispatch.Payload{"topic": "x"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != RunSucceeded {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Output["trail"] != "ABC" || res.Output["topic"] != "x" {
		t.Fatalf("unexpected output %+v", res.Output)
	}
	if res.TotalCost != credits.FromInt(6) {
		t.Fatalf("unexpected total cost %s", res.TotalCost)
	}
	if h.balance(t, "requester") != credits.FromInt(44) || h.balance(t, "owner-c") != credits.FromInt(3) {
		t.Fatalf("unexpected balances requester=%s owner-c=%s", h.balance(t, "requester"), h.balance(t, "owner-c"))
	}
	for _, node := range res.Nodes {
		if node.Status != NodeSucceeded || node.AgentID == "" || node.JobID == "" {
			t.Fatalf("unexpected node state %+v", node)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	// run RUNNING, 3 x (node RUNNING, node SUCCEEDED), run SUCCEEDED
	if len(events) != 8 {
		t.Fatalf("expected 8 events, got %d", len(events))
	}
	if events[0].Kind != EventRun || events[7].Status != string(RunSucceeded) {
		t.Fatalf("unexpected event framing %+v ... %+v", events[0], events[7])
	}
}

func TestRunHaltsOnFirstFailureWithoutRollback(t *testing.T) {
	h := newHarness(t)
	h.host(t, "a", "owner-a", "research", 1, appendStep("A"))
	h.host(t, "b", "owner-b", "write", 2, func(context.Context, dispatch.Payload) (dispatch.Payload, error) {
		return nil, errors.New("writer's block")
	})
	h.host(t, "c", "owner-c", "edit", 3, appendStep("C"))

	g := Chain("blog", "Blog", n("n1", "research"), n("n2", "write"), n("n3", "edit"))
	res, err := h.executor().Run(context.Background(), g, RunRequest{RequesterID: "requester", Input: dispatch.Payload{"topic": "x"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != RunFailed || res.FailedNode != "n2" || res.ErrorCode != dispatch.ErrExecution {
		t.Fatalf("unexpected run result %+v", res)
	}
	if res.Nodes[2].Status != NodePending {
		t.Fatalf("C must never run, got %s", res.Nodes[2].Status)
	}
	if h.calls.Load() != 2 {
		t.Fatalf("expected 2 skill invocations, got %d", h.calls.Load())
	}
	if h.balance(t, "owner-a") != credits.FromInt(1) {
		t.Fatalf("A's payment must stand, got %s", h.balance(t, "owner-a"))
	}
	if h.balance(t, "owner-b") != 0 {
		t.Fatalf("B must not be paid")
	}
	rec, _ := h.dir.Get(context.Background(), "b")
	if rec.ReputationScore != 45.5 {
		t.Fatalf("B's failure should cost reputation, got %v", rec.ReputationScore)
	}
}

func TestRunRejectsInvalidGraphBeforeDispatch(t *testing.T) {
	h := newHarness(t)
	h.host(t, "a", "owner-a", "research", 1, appendStep("A"))
	g := &Graph{ID: "bad", Nodes: []Node{n("n1", "research"), n("n2", "research")}}

	_, err := h.executor().Run(context.Background(), g, RunRequest{RequesterID: "requester"})
	if xerrors.CodeOf(err) != xerrors.CodeGraph {
		t.Fatalf("expected GRAPH_ERROR, got %v", err)
	}
	if h.calls.Load() != 0 {
		t.Fatalf("nothing may be dispatched for an invalid graph")
	}
}

func TestRunResolvesBindingsAtRunTime(t *testing.T) {
	h := newHarness(t)
	g := Chain("late", "Late", Node{ID: "n1", Label: "Specialist", Skill: "calc"})

	res, _ := h.executor().Run(context.Background(), g, RunRequest{RequesterID: "requester"})
	if res.Status != RunFailed || res.Nodes[0].ErrorCode != dispatch.ErrSkillMismatch {
		t.Fatalf("expected failure without agents, got %+v", res.Nodes[0])
	}

	h.host(t, "generic", "owner-g", "calc", 1, appendStep("G"))
	h.host(t, "Specialist", "owner-s", "calc", 1, appendStep("S"))
	if _, err := h.dir.ApplyOutcome(context.Background(), "generic", "j", true, 100); err != nil {
		t.Fatalf("apply: %v", err)
	}
	res, _ = h.executor().Run(context.Background(), g, RunRequest{RequesterID: "requester"})
	if res.Status != RunSucceeded || res.Nodes[0].AgentID != "Specialist" {
		t.Fatalf("label should select the named agent, got %+v", res.Nodes[0])
	}

	if _, err := h.dir.SetStatus(context.Background(), "Specialist", registry.StatusOffline); err != nil {
		t.Fatalf("set status: %v", err)
	}
	res, _ = h.executor().Run(context.Background(), g, RunRequest{RequesterID: "requester"})
	if res.Status != RunSucceeded || res.Nodes[0].AgentID != "generic" {
		t.Fatalf("offline named agent should fall back to the best online one, got %+v", res.Nodes[0])
	}
}

func TestRunStopPreventsNextNode(t *testing.T) {
	h := newHarness(t)
	h.host(t, "a", "owner-a", "research", 1, appendStep("A"))
	h.host(t, "b", "owner-b", "write", 1, appendStep("B"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopAfterFirst := ObserverFunc(func(_ context.Context, e Event) error {
		if e.Kind == EventNode && e.NodeID == "n1" && e.Status == string(NodeSucceeded) {
			cancel()
		}
		return nil
	})

	g := Chain("p", "P", n("n1", "research"), n("n2", "write"))
	res, err := h.executor(WithObserver(stopAfterFirst)).Run(ctx, g, RunRequest{RequesterID: "requester"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != RunFailed || res.Error != StoppedMessage || res.FailedNode != "n2" {
		t.Fatalf("expected stopped run, got %+v", res)
	}
	if res.Nodes[0].Status != NodeSucceeded || res.Nodes[1].Status != NodePending {
		t.Fatalf("unexpected node states %+v", res.Nodes)
	}
	if h.balance(t, "owner-a") != credits.FromInt(1) {
		t.Fatalf("completed node must still be settled")
	}
}

func TestRunBudgetCapsCumulativeSpend(t *testing.T) {
	h := newHarness(t)
	h.host(t, "a", "owner-a", "research", 3, appendStep("A"))
	h.host(t, "b", "owner-b", "write", 3, appendStep("B"))

	g := Chain("p", "P", n("n1", "research"), n("n2", "write"))
	g.Budget = credits.FromInt(5)
	res, _ := h.executor().Run(context.Background(), g, RunRequest{RequesterID: "requester"})
	if res.Status != RunFailed || res.FailedNode != "n2" || res.ErrorCode != dispatch.ErrBudgetInsufficient {
		t.Fatalf("expected budget failure on n2, got %+v", res)
	}
	if res.TotalCost != credits.FromInt(3) {
		t.Fatalf("unexpected spend %s", res.TotalCost)
	}
}

func TestRunRecordsSettlementFailureButContinues(t *testing.T) {
	h := newHarness(t)
	h.host(t, "a", "owner-a", "research", 1, appendStep("A"))
	h.host(t, "b", "owner-b", "write", 1, appendStep("B"))

	g := Chain("p", "P", n("n1", "research"), n("n2", "write"))
	res, _ := h.executor().Run(context.Background(), g, RunRequest{RequesterID: "penniless"})
	if res.Status != RunSucceeded {
		t.Fatalf("execution must stand when payment fails, got %+v", res)
	}
	for _, node := range res.Nodes {
		if node.SettlementCode != dispatch.ErrTransferFailed {
			t.Fatalf("expected TRANSFER_FAILED on %s, got %+v", node.NodeID, node)
		}
	}
}

func TestObserverErrorsDoNotBreakRuns(t *testing.T) {
	h := newHarness(t)
	h.host(t, "a", "owner-a", "research", 0, appendStep("A"))
	failing := ObserverFunc(func(context.Context, Event) error { return fmt.Errorf("sink down") })

	res, err := h.executor(WithObserver(Observers{failing, LogObserver{}})).Run(context.Background(),
		Chain("p", "P", n("n1", "research")), RunRequest{RequesterID: "requester"})
	if err != nil || res.Status != RunSucceeded {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
}
