package chorus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDiscoverEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/discover" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("skill") != "calculate" || q.Get("max_cost") != "2.5" || q.Get("min_reputation") != "40" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		if q.Has("online") {
			t.Fatalf("online filter should not be sent")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agents": []AgentMatch{{AgentID: "calc", Skill: Skill{Name: "calculate", CostPerCall: 1}}},
			"total":  1,
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	minRep, maxCost := 40.0, 2.5
	agents, err := client.Discover(context.Background(), DiscoverQuery{Skill: "calculate", MinReputation: &minRep, MaxCost: &maxCost})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(agents) != 1 || agents[0].Skill.CostPerCall != 1 {
		t.Fatalf("unexpected agents: %+v", agents)
	}
}

func TestHireSendsOwnerHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(OwnerHeader); got != "alice" {
			t.Fatalf("expected owner header, got %q", got)
		}
		var req HireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Receipt{
			AgentID:    "calc",
			Dispatched: true,
			Result:     JobResult{Status: "SUCCESS", ExecutionCost: req.Budget, OutputData: map[string]any{"result": 8}},
		})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	client.SetOwner("alice")
	receipt, err := client.Hire(context.Background(), HireRequest{Skill: "calculate", InputData: map[string]any{"number": 4}, Budget: 2})
	if err != nil {
		t.Fatalf("hire: %v", err)
	}
	if !receipt.Result.Succeeded() || receipt.Result.ExecutionCost != 2 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestAPIErrorIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "INSUFFICIENT_CREDITS", "message": "insufficient credits"},
		})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.Transfer(context.Background(), Transfer{From: "alice", To: "bob", Amount: 1000})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusPaymentRequired || apiErr.Code != "INSUFFICIENT_CREDITS" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestWaitRunPollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/runs/run-1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		status := "running"
		if calls.Add(1) >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Run{RunID: "run-1", Status: status})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	run, err := client.WaitRun(ctx, "run-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if run.Status != "succeeded" || calls.Load() != 3 {
		t.Fatalf("unexpected run %+v after %d calls", run, calls.Load())
	}
}
