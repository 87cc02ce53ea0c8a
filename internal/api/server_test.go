package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"Chorus-Network/internal/agent"
	"Chorus-Network/internal/auth"
	"Chorus-Network/internal/credits"
	"Chorus-Network/internal/dispatch"
	"Chorus-Network/internal/ledger"
	"Chorus-Network/internal/market"
	"Chorus-Network/internal/pipeline"
	"Chorus-Network/internal/registry"
	"Chorus-Network/internal/run"
	"Chorus-Network/internal/settlement"
)

type testEnv struct {
	srv    *httptest.Server
	local  *dispatch.LocalTransport
	ledger *ledger.Ledger
	runs   *run.Service
	hub    *dispatch.CallbackHub
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dir := registry.NewDirectory(registry.NewMemoryStore())
	l := ledger.New(ledger.NewMemoryStore())
	local := dispatch.NewLocalTransport()
	hub := dispatch.NewCallbackHub()
	d := dispatch.New(&dispatch.Router{Local: local})
	m := market.New(dir, d, settlement.NewCoordinator(l, dir), market.WithTimeout(time.Second))

	catalog := pipeline.NewCatalog()
	store := run.NewMemoryStore()
	queue := run.NewMemoryQueue(16)
	processor := run.NewProcessor(pipeline.NewExecutor(m.Resolver(), m), store, queue, run.WithWorkerCount(2))
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	server := NewServer(cfg, Deps{
		Directory: dir,
		Ledger:    l,
		Market:    m,
		Callbacks: hub,
		Catalog:   catalog,
		Runs:      run.NewService(store, queue, catalog),
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, local: local, ledger: l, runs: server.deps.Runs, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *testEnv) host(t *testing.T, id, owner, skill string, cost float64, fn agent.SkillFunc) {
	t.Helper()
	c := agent.NewContainer(id, owner, agent.WithAgentID(id), agent.WithEndpoint("local://"+id))
	if err := c.AddSkill(registry.Skill{Name: skill, CostPerCall: credits.FromFloat(cost)}, fn); err != nil {
		t.Fatalf("add skill: %v", err)
	}
	e.local.Mount(id, c)
	status, body := e.do(t, http.MethodPost, "/register", c.Registration(), nil)
	if status != http.StatusCreated || body["status"] != "registered" {
		t.Fatalf("register %s: %d %v", id, status, body)
	}
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestDiscoverReturnsOneSkillPerMatch(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.host(t, "calc", "bob", "calculate", 2, agent.Calculate)
	e.host(t, "reader", "carol", "analyze_text", 1, agent.AnalyzeText)

	status, body := e.do(t, http.MethodGet, "/discover?skill=calculate&max_cost=2", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("discover: %d %v", status, body)
	}
	agents, _ := body["agents"].([]any)
	if len(agents) != 1 || body["total"] != 1.0 {
		t.Fatalf("expected one match, got %v", body)
	}
	first := agents[0].(map[string]any)
	skill := first["skill"].(map[string]any)
	if first["agent_id"] != "calc" || skill["skill_name"] != "calculate" || skill["cost_per_call"] != 2.0 {
		t.Fatalf("unexpected match %v", first)
	}

	if _, body := e.do(t, http.MethodGet, "/discover?max_cost=1.5", nil, nil); body["total"] != 1.0 {
		t.Fatalf("max_cost should exclude calc: %v", body)
	}
	for _, q := range []string{"101", "NaN", "Inf", "-Inf"} {
		status, body := e.do(t, http.MethodGet, "/discover?min_reputation="+q, nil, nil)
		if status != http.StatusBadRequest || errorCode(body) != "VALIDATION_ERROR" {
			t.Fatalf("min_reputation=%s: expected validation error, got %d %v", q, status, body)
		}
	}

	status, body = e.do(t, http.MethodGet, "/skills", nil, nil)
	skills, _ := body["skills"].([]any)
	if status != http.StatusOK || len(skills) != 2 || skills[0] != "analyze_text" {
		t.Fatalf("unexpected skills %v", body)
	}
}

func TestAgentLifecycleRoutes(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.host(t, "calc", "bob", "calculate", 1, agent.Calculate)

	status, body := e.do(t, http.MethodPost, "/heartbeat", map[string]string{"agent_id": "calc"}, nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("heartbeat: %d %v", status, body)
	}
	status, body = e.do(t, http.MethodDelete, "/agents/calc", nil, nil)
	if status != http.StatusOK || body["status"] != "offline" {
		t.Fatalf("retire: %d %v", status, body)
	}
	status, body = e.do(t, http.MethodGet, "/agents/calc", nil, nil)
	if status != http.StatusOK || body["status"] != "offline" {
		t.Fatalf("agent should be kept offline: %d %v", status, body)
	}
	status, body = e.do(t, http.MethodGet, "/reputation/calc", nil, nil)
	if status != http.StatusOK || body["score"] != 50.0 {
		t.Fatalf("reputation: %d %v", status, body)
	}
	status, body = e.do(t, http.MethodGet, "/agents/ghost", nil, nil)
	if status != http.StatusNotFound || errorCode(body) != "AGENT_NOT_FOUND" {
		t.Fatalf("expected not found, got %d %v", status, body)
	}
	status, _ = e.do(t, http.MethodGet, "/nope", nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("unknown route should 404, got %d", status)
	}
}

func TestHireSettlesThroughLedger(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.host(t, "calc", "bob", "calculate", 1.5, agent.Calculate)

	status, body := e.do(t, http.MethodPost, "/accounts", map[string]any{"owner_id": "alice", "initial_balance": 10}, nil)
	if status != http.StatusCreated || body["balance"] != 10.0 {
		t.Fatalf("open account: %d %v", status, body)
	}

	status, body = e.do(t, http.MethodPost, "/hire", map[string]any{
		"skill_name": "calculate",
		"input_data": map[string]any{"number": 3},
		"budget":     2,
	}, map[string]string{auth.DefaultHeader: "alice"})
	if status != http.StatusOK {
		t.Fatalf("hire: %d %v", status, body)
	}
	result := body["result"].(map[string]any)
	if result["status"] != "SUCCESS" || body["agent_id"] != "calc" {
		t.Fatalf("unexpected receipt %v", body)
	}

	_, body = e.do(t, http.MethodGet, "/accounts/alice", nil, nil)
	if body["balance"] != 8.5 {
		t.Fatalf("alice should pay 1.5, got %v", body)
	}
	_, body = e.do(t, http.MethodGet, "/accounts/nobody", nil, nil)
	if body["balance"] != 0.0 {
		t.Fatalf("unknown owner should have zero balance, got %v", body)
	}

	status, body = e.do(t, http.MethodGet, "/audit?owner_id=alice", nil, nil)
	if status != http.StatusOK || body["total"] != 1.0 {
		t.Fatalf("audit: %d %v", status, body)
	}
	status, body = e.do(t, http.MethodGet, "/audit/verify", nil, nil)
	if status != http.StatusOK || body["valid"] != true {
		t.Fatalf("verify: %d %v", status, body)
	}
	_, body = e.do(t, http.MethodGet, "/economy", nil, nil)
	if body["total_transactions"] != 1.0 || body["total_agents"] != 1.0 {
		t.Fatalf("economy: %v", body)
	}
}

func TestTransferErrors(t *testing.T) {
	e := newTestEnv(t, Config{})
	if _, _, err := e.ledger.OpenAccount(context.Background(), "alice", nil); err != nil {
		t.Fatalf("open: %v", err)
	}

	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"zero amount", map[string]any{"from_owner": "alice", "to_owner": "bob", "amount": 0}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"overdraft", map[string]any{"from_owner": "alice", "to_owner": "bob", "amount": 1000}, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS"},
		{"malformed", "{", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"overflowing amount", `{"from_owner":"alice","to_owner":"bob","amount":9223372036854.9}`, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := e.do(t, http.MethodPost, "/transfer", tc.body, nil)
			if status != tc.status || errorCode(body) != tc.code {
				t.Fatalf("expected %d %s, got %d %v", tc.status, tc.code, status, body)
			}
		})
	}

	status, body := e.do(t, http.MethodPost, "/transfer", map[string]any{"from_owner": "alice", "to_owner": "bob", "amount": 25, "job_id": "job-1"}, nil)
	if status != http.StatusOK || body["status"] != "completed" || body["sender_balance"] != 75.0 || body["receiver_balance"] != 25.0 {
		t.Fatalf("transfer: %d %v", status, body)
	}
	status, body = e.do(t, http.MethodPost, "/transfer", map[string]any{"from_owner": "carol", "to_owner": "dave", "amount": 5, "job_id": "job-1"}, nil)
	if status != http.StatusConflict || errorCode(body) != "CONFLICT" {
		t.Fatalf("reused job id: expected 409 CONFLICT, got %d %v", status, body)
	}
}

func TestPipelineRunRoutes(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.host(t, "reader", "bob", "analyze_text", 1, agent.AnalyzeText)
	e.host(t, "calc", "carol", "calculate", 1, agent.Calculate)
	if _, _, err := e.ledger.OpenAccount(context.Background(), "alice", nil); err != nil {
		t.Fatalf("open: %v", err)
	}

	doc := `
id: double-it
nodes:
  - id: read
    skill: analyze_text
  - id: calc
    skill: calculate
edges:
  - from: read
    to: calc
`
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/pipelines", strings.NewReader(doc))
	req.Header.Set("Content-Type", "application/yaml")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put pipeline: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("put pipeline status %d", resp.StatusCode)
	}

	status, body := e.do(t, http.MethodPost, "/pipelines/double-it/runs", map[string]any{
		"requester_id": "alice",
		"input_data":   map[string]any{"text": "we sold 21 units"},
	}, nil)
	if status != http.StatusAccepted || body["status"] != "pending" {
		t.Fatalf("submit: %d %v", status, body)
	}
	runID := body["run_id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.runs.WaitUntilCompleted(ctx, runID, 10*time.Millisecond); err != nil {
		t.Fatalf("wait: %v", err)
	}
	status, body = e.do(t, http.MethodGet, "/runs/"+runID, nil, nil)
	if status != http.StatusOK || body["status"] != "succeeded" {
		t.Fatalf("run: %d %v", status, body)
	}
	output := body["result"].(map[string]any)["output"].(map[string]any)
	if output["result"] != 42.0 {
		t.Fatalf("expected 42, got %v", output)
	}

	status, body = e.do(t, http.MethodGet, "/runs?status=succeeded&pipeline_id=double-it", nil, nil)
	if status != http.StatusOK || body["total"] != 1.0 {
		t.Fatalf("list runs: %d %v", status, body)
	}
	status, body = e.do(t, http.MethodGet, "/runs/stats", nil, nil)
	if status != http.StatusOK || body["succeeded"] != 1.0 {
		t.Fatalf("stats: %d %v", status, body)
	}
	if status, body = e.do(t, http.MethodGet, "/runs?status=bogus", nil, nil); status != http.StatusBadRequest {
		t.Fatalf("bad status filter should be rejected: %d %v", status, body)
	}

	status, body = e.do(t, http.MethodPost, "/runs", map[string]any{
		"requester_id": "alice",
		"graph": map[string]any{
			"nodes": []map[string]any{{"id": "a", "skill": "calculate"}, {"id": "b", "skill": "calculate"}, {"id": "c", "skill": "calculate"}},
			"edges": []map[string]any{{"from": "a", "to": "c"}},
		},
	}, nil)
	if status != http.StatusUnprocessableEntity || errorCode(body) != "GRAPH_ERROR" {
		t.Fatalf("two start nodes should be rejected: %d %v", status, body)
	}
}

func TestCallbackDelivery(t *testing.T) {
	e := newTestEnv(t, Config{})
	waiting := e.hub.Expect("job-1")

	status, body := e.do(t, http.MethodPost, "/callbacks/job-1", map[string]any{
		"agent_id":       "calc",
		"status":         "SUCCESS",
		"output_data":    map[string]any{"result": 1},
		"execution_cost": 1,
	}, nil)
	if status != http.StatusAccepted {
		t.Fatalf("callback: %d %v", status, body)
	}
	select {
	case res := <-waiting:
		if res.JobID != "job-1" || !res.Succeeded() {
			t.Fatalf("unexpected delivery %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatalf("callback not delivered")
	}

	status, body = e.do(t, http.MethodPost, "/callbacks/job-1", map[string]any{"status": "SUCCESS"}, nil)
	if status != http.StatusNotFound {
		t.Fatalf("second delivery should 404, got %d %v", status, body)
	}
}

func TestRequireOwnerRejectsAnonymousWrites(t *testing.T) {
	e := newTestEnv(t, Config{RequireOwner: true})

	status, body := e.do(t, http.MethodPost, "/accounts", map[string]any{}, nil)
	if status != http.StatusUnauthorized || errorCode(body) != "UNAUTHENTICATED" {
		t.Fatalf("expected 401, got %d %v", status, body)
	}
	status, body = e.do(t, http.MethodPost, "/accounts", map[string]any{}, map[string]string{auth.DefaultHeader: "dave"})
	if status != http.StatusCreated || body["owner_id"] != "dave" {
		t.Fatalf("identity should fill owner_id: %d %v", status, body)
	}
	if status, _ := e.do(t, http.MethodGet, "/health", nil, nil); status != http.StatusOK {
		t.Fatalf("reads stay anonymous, got %d", status)
	}
}
