package run

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"Chorus-Network/internal/credits"
	"Chorus-Network/internal/dispatch"
	xerrors "Chorus-Network/internal/errors"
	"Chorus-Network/internal/market"
	"Chorus-Network/internal/pipeline"
	"Chorus-Network/internal/registry"
)

type staticResolver struct{}

func (staticResolver) Resolve(_ context.Context, b market.Binding) (market.Assignment, error) {
	rec := &registry.AgentRecord{AgentID: "agent-" + b.Skill, Name: b.Skill, OwnerID: "owner", Status: registry.StatusOnline}
	return market.Assignment{Agent: rec, Skill: registry.Skill{Name: b.Skill, CostPerCall: credits.FromInt(1)}}, nil
}

// gatedRunner blocks every job of the skill named in gate until release is closed.
type gatedRunner struct {
	executed atomic.Int32
	gate     string
	started  chan struct{}
	release  chan struct{}
}

func (r *gatedRunner) Execute(_ context.Context, a market.Assignment, skill string, job market.Job) market.Receipt {
	if skill == r.gate {
		r.started <- struct{}{}
		<-r.release
	}
	r.executed.Add(1)
	out := job.Input.Clone()
	if out == nil {
		out = dispatch.Payload{}
	}
	out["last"] = skill
	return market.Receipt{
		AgentID:    a.Agent.AgentID,
		Dispatched: true,
		Result: dispatch.JobResult{
			JobID: job.JobID, AgentID: a.Agent.AgentID, Status: dispatch.StatusSuccess,
			OutputData: out, ExecutionCost: a.Skill.CostPerCall,
		},
	}
}

func chain(ids ...string) *pipeline.Graph {
	nodes := make([]pipeline.Node, len(ids))
	for i, id := range ids {
		nodes[i] = pipeline.Node{ID: id, Skill: id}
	}
	return pipeline.Chain("p", "P", nodes...)
}

func startProcessor(t *testing.T, runner *gatedRunner, workers int) (*Service, *MemoryStore, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemoryStore()
	queue := NewMemoryQueue(256)
	catalog := pipeline.NewCatalog()
	if _, err := catalog.Put(chain("a", "b", "c")); err != nil {
		t.Fatalf("put: %v", err)
	}
	exec := pipeline.NewExecutor(staticResolver{}, runner)
	processor := NewProcessor(exec, store, queue, WithWorkerCount(workers))
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	return NewService(store, queue, catalog), store, cancel
}

func waitDone(t *testing.T, svc *Service, id string) *Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := svc.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait %s: %v", id, err)
	}
	return run
}

func TestProcessorRunsSubmittedPipelines(t *testing.T) {
	runner := &gatedRunner{}
	svc, _, cancel := startProcessor(t, runner, 4)
	defer cancel()

	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		run, err := svc.Submit(context.Background(), SubmitRequest{
			PipelineID:  "p",
			RequesterID: "alice",
			Input:       dispatch.Payload{"n": i},
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if run.Status != StatusPending || run.Graph == nil {
			t.Fatalf("unexpected submitted run %+v", run)
		}
		ids = append(ids, run.ID)
	}
	for i, id := range ids {
		run := waitDone(t, svc, id)
		if run.Status != StatusSucceeded || run.Result == nil {
			t.Fatalf("run %s did not succeed: %+v", id, run)
		}
		if run.Result.Output["last"] != "c" || fmt.Sprint(run.Result.Output["n"]) != fmt.Sprint(i) {
			t.Fatalf("unexpected output %+v", run.Result.Output)
		}
		if run.Result.TotalCost != credits.FromInt(3) {
			t.Fatalf("unexpected cost %s", run.Result.TotalCost)
		}
	}
	if got := runner.executed.Load(); got != 60 {
		t.Fatalf("expected 60 jobs, got %d", got)
	}

	stats, err := svc.Stats(context.Background(), WithRequester("alice"))
	if err != nil || stats.Succeeded != 20 {
		t.Fatalf("unexpected stats %+v %v", stats, err)
	}
}

func TestSubmitRejectsBadGraphsBeforeEnqueue(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	svc := NewService(store, queue, pipeline.NewCatalog())
	ctx := context.Background()

	twoStarts := &pipeline.Graph{ID: "bad", Nodes: []pipeline.Node{{ID: "a", Skill: "x"}, {ID: "b", Skill: "x"}}}
	if _, err := svc.Submit(ctx, SubmitRequest{Graph: twoStarts, RequesterID: "alice"}); xerrors.CodeOf(err) != xerrors.CodeGraph {
		t.Fatalf("expected graph error, got %v", err)
	}
	if _, err := svc.Submit(ctx, SubmitRequest{PipelineID: "missing", RequesterID: "alice"}); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Submit(ctx, SubmitRequest{Graph: chain("a")}); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if stats, _ := svc.Stats(ctx); stats.Total != 0 {
		t.Fatalf("nothing should be stored, got %+v", stats)
	}

	first, err := svc.Submit(ctx, SubmitRequest{RunID: "fixed", Graph: chain("a"), RequesterID: "alice"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	again, err := svc.Submit(ctx, SubmitRequest{RunID: "fixed", Graph: chain("a", "b"), RequesterID: "bob"})
	if err != nil || again.RequesterID != first.RequesterID || len(again.Graph.Nodes) != 1 {
		t.Fatalf("resubmission should return the existing run: %+v %v", again, err)
	}
}

func TestStopPreventsNextNode(t *testing.T) {
	runner := &gatedRunner{gate: "a", started: make(chan struct{}, 1), release: make(chan struct{})}
	svc, _, cancel := startProcessor(t, runner, 1)
	defer cancel()
	ctx := context.Background()

	run, err := svc.Submit(ctx, SubmitRequest{PipelineID: "p", RequesterID: "alice"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("first node never started")
	}
	if _, err := svc.Stop(ctx, run.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(runner.release)

	done := waitDone(t, svc, run.ID)
	if done.Status != StatusFailed || done.LastError != pipeline.StoppedMessage {
		t.Fatalf("expected stopped run, got %+v", done)
	}
	nodes := done.Result.Nodes
	if nodes[0].Status != pipeline.NodeSucceeded || nodes[1].Status != pipeline.NodePending || nodes[2].Status != pipeline.NodePending {
		t.Fatalf("unexpected node states %+v", nodes)
	}
	if runner.executed.Load() != 1 {
		t.Fatalf("only the running node may finish, got %d jobs", runner.executed.Load())
	}

	if _, err := svc.Stop(ctx, run.ID); !errors.Is(err, ErrRunCompleted) {
		t.Fatalf("stopping a finished run should fail, got %v", err)
	}
}

func TestRerunCopiesSnapshot(t *testing.T) {
	runner := &gatedRunner{}
	svc, _, cancel := startProcessor(t, runner, 2)
	defer cancel()
	ctx := context.Background()

	first, err := svc.Submit(ctx, SubmitRequest{Graph: chain("x", "y"), RequesterID: "alice", Input: dispatch.Payload{"k": "v"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, svc, first.ID)

	second, err := svc.Rerun(ctx, first.ID)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if second.ID == first.ID || second.RerunOf != first.ID || second.Input["k"] != "v" {
		t.Fatalf("unexpected rerun %+v", second)
	}
	done := waitDone(t, svc, second.ID)
	if done.Status != StatusSucceeded || done.Result.Output["last"] != "y" {
		t.Fatalf("unexpected rerun result %+v", done)
	}
	if _, err := svc.Rerun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
