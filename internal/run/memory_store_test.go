package run

import (
	"context"
	"testing"
	"time"

	"Chorus-Network/internal/pipeline"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)
	runs := []*Run{
		{ID: "r1", PipelineID: "blog", RequesterID: "alice", Status: StatusPending},
		{ID: "r2", PipelineID: "blog", RequesterID: "bob", Status: StatusPending},
		{ID: "r3", PipelineID: "report", RequesterID: "alice", Status: StatusPending},
	}
	for _, run := range runs {
		if err := store.Create(ctx, run); err != nil {
			t.Fatalf("create run %s: %v", run.ID, err)
		}
	}
	if err := store.Create(ctx, &Run{ID: "r1"}); err != ErrRunConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := store.MarkFailed(ctx, "r2", CodeRunStopped, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.Complete(ctx, "r3", &pipeline.RunResult{Status: pipeline.RunSucceeded}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	store.mu.Lock()
	store.runs["r1"].UpdatedAt = base.Unix()
	store.runs["r2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.runs["r3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "r3" {
		t.Fatalf("expected newest run first, got %+v", all)
	}

	asc, _ := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc), WithLimit(2)))
	if len(asc) != 2 || asc[0].ID != "r1" || asc[1].ID != "r2" {
		t.Fatalf("unexpected ascending page: %+v", asc)
	}

	failed, _ := store.List(ctx, BuildListOptions(WithStatuses(StatusFailed, "bogus")))
	if len(failed) != 1 || failed[0].ID != "r2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	alice, _ := store.List(ctx, BuildListOptions(WithRequester("alice"), WithPipeline("blog")))
	if len(alice) != 1 || alice[0].ID != "r1" {
		t.Fatalf("unexpected filtered list: %+v", alice)
	}

	recent, _ := store.List(ctx, BuildListOptions(WithUpdatedSince(base.Add(15*time.Second))))
	if len(recent) != 2 {
		t.Fatalf("expected 2 runs to match since filter, got %d", len(recent))
	}

	offset, _ := store.List(ctx, BuildListOptions(WithOffset(5)))
	if len(offset) != 0 {
		t.Fatalf("offset past the end should be empty, got %d", len(offset))
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt != base.Unix() || stats.NewestUpdatedAt != base.Add(60*time.Second).Unix() {
		t.Fatalf("unexpected stats range: %+v", stats)
	}
}

func TestMemoryStoreClaimAndStop(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := store.Create(ctx, &Run{ID: id, Status: StatusPending}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	claimed, err := store.Claim(ctx, "a")
	if err != nil || claimed.Status != StatusRunning {
		t.Fatalf("claim: %+v %v", claimed, err)
	}
	if _, err := store.Claim(ctx, "a"); err != ErrRunConflict {
		t.Fatalf("second claim should conflict, got %v", err)
	}

	stopped, err := store.RequestStop(ctx, "a")
	if err != nil || !stopped.StopRequested || stopped.Status != StatusRunning {
		t.Fatalf("running run should only be flagged: %+v %v", stopped, err)
	}

	stopped, err = store.RequestStop(ctx, "b")
	if err != nil || stopped.Status != StatusFailed || stopped.ErrorCode != string(CodeRunStopped) {
		t.Fatalf("pending run should end immediately: %+v %v", stopped, err)
	}
	if _, err := store.Claim(ctx, "b"); err != ErrRunCompleted {
		t.Fatalf("stopped run must not be claimed, got %v", err)
	}
	if _, err := store.RequestStop(ctx, "b"); err != ErrRunCompleted {
		t.Fatalf("expected completed, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); err != ErrRunNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
