// Package chorus is a small client for the Chorus marketplace REST API.
package chorus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Hire and run calls wait for agents, so it is longer than a plain CRUD call.
const DefaultHTTPTimeout = 60 * time.Second

// OwnerHeader carries the caller identity.
const OwnerHeader = "X-Chorus-Owner"

// Client wraps the HTTP interactions with a Chorus node.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	owner string
}

// Skill is one priced capability of an agent.
type Skill struct {
	Name         string         `json:"skill_name"`
	Description  string         `json:"description,omitempty"`
	CostPerCall  float64        `json:"cost_per_call"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// Registration announces an agent to the directory.
type Registration struct {
	AgentID  string  `json:"agent_id,omitempty"`
	OwnerID  string  `json:"owner_id,omitempty"`
	Name     string  `json:"agent_name"`
	Endpoint string  `json:"api_endpoint"`
	Version  string  `json:"version,omitempty"`
	Skills   []Skill `json:"skills"`
}

// Registered is the answer to Register.
type Registered struct {
	Status          string  `json:"status"`
	AgentID         string  `json:"agent_id"`
	ReputationScore float64 `json:"reputation_score"`
}

// DiscoverQuery filters Discover. Nil pointers are not sent.
type DiscoverQuery struct {
	Skill         string
	MinReputation *float64
	MaxCost       *float64
	OnlineOnly    bool
}

// AgentMatch is one discovered (agent, skill) pair.
type AgentMatch struct {
	AgentID         string  `json:"agent_id"`
	AgentName       string  `json:"agent_name"`
	OwnerID         string  `json:"owner_id"`
	Endpoint        string  `json:"api_endpoint"`
	Skill           Skill   `json:"skill"`
	ReputationScore float64 `json:"reputation_score"`
	Status          string  `json:"status"`
}

// HireRequest asks the marketplace to run one job on the best agent.
type HireRequest struct {
	RequesterID   string         `json:"requester_id,omitempty"`
	Skill         string         `json:"skill_name,omitempty"`
	AgentID       string         `json:"agent_id,omitempty"`
	InputData     map[string]any `json:"input_data"`
	Budget        float64        `json:"budget,omitempty"`
	MinReputation float64        `json:"min_reputation,omitempty"`
	TimeoutMs     int64          `json:"timeout_ms,omitempty"`
}

// JobResult is the outcome reported for a job.
type JobResult struct {
	JobID           string         `json:"job_id"`
	AgentID         string         `json:"agent_id"`
	Status          string         `json:"status"`
	OutputData      map[string]any `json:"output_data,omitempty"`
	ExecutionCost   float64        `json:"execution_cost"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	Timestamp       time.Time      `json:"timestamp_utc"`
}

// Succeeded reports whether the job finished with SUCCESS.
func (r JobResult) Succeeded() bool { return r.Status == "SUCCESS" }

// Receipt is the answer to Hire.
type Receipt struct {
	AgentID         string    `json:"agent_id"`
	AgentName       string    `json:"agent_name"`
	OwnerID         string    `json:"owner_id"`
	Result          JobResult `json:"result"`
	SettlementCode  string    `json:"settlement_error_code,omitempty"`
	SettlementError string    `json:"settlement_error,omitempty"`
	Dispatched      bool      `json:"dispatched"`
}

// Transfer is a ledger entry.
type Transfer struct {
	Seq        uint64    `json:"seq,omitempty"`
	TransferID string    `json:"transfer_id,omitempty"`
	From       string    `json:"from_owner"`
	To         string    `json:"to_owner"`
	Amount     float64   `json:"amount"`
	JobID      string    `json:"job_id,omitempty"`
	Timestamp  time.Time `json:"timestamp_utc,omitempty"`
	Digest     string    `json:"digest,omitempty"`
}

// TransferReceipt is the answer to Transfer.
type TransferReceipt struct {
	Status          string   `json:"status"`
	Transfer        Transfer `json:"transfer"`
	SenderBalance   float64  `json:"sender_balance"`
	ReceiverBalance float64  `json:"receiver_balance"`
}

// RunRequest starts a pipeline run. Set PipelineID for a stored pipeline or
// Graph for an inline one.
type RunRequest struct {
	RunID       string         `json:"run_id,omitempty"`
	PipelineID  string         `json:"pipeline_id,omitempty"`
	Graph       map[string]any `json:"graph,omitempty"`
	RequesterID string         `json:"requester_id,omitempty"`
	Input       map[string]any `json:"input_data,omitempty"`
	Budget      float64        `json:"budget,omitempty"`
}

// Run is the state of a queued pipeline run. Result is left undecoded.
type Run struct {
	RunID       string          `json:"run_id"`
	PipelineID  string          `json:"pipeline_id"`
	RequesterID string          `json:"requester_id"`
	Status      string          `json:"status"`
	RerunOf     string          `json:"rerun_of,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

// Terminal reports whether the run has finished.
func (r Run) Terminal() bool { return r.Status == "succeeded" || r.Status == "failed" }

// APIError represents a non-2xx answer.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chorus api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chorus api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient creates a client for the node at rawURL. When httpClient is nil a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetOwner sets the identity sent with every request.
func (c *Client) SetOwner(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner = owner
}

// Owner returns the identity sent with every request.
func (c *Client) Owner() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

// Register announces an agent.
func (c *Client) Register(ctx context.Context, reg Registration) (Registered, error) {
	var out Registered
	err := c.send(ctx, http.MethodPost, "/register", nil, reg, &out)
	return out, err
}

// Heartbeat marks an agent online.
func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	return c.send(ctx, http.MethodPost, "/heartbeat", nil, map[string]string{"agent_id": agentID}, nil)
}

// Discover lists (agent, skill) pairs matching q, best reputation first.
func (c *Client) Discover(ctx context.Context, q DiscoverQuery) ([]AgentMatch, error) {
	params := url.Values{}
	if q.Skill != "" {
		params.Set("skill", q.Skill)
	}
	if q.MinReputation != nil {
		params.Set("min_reputation", strconv.FormatFloat(*q.MinReputation, 'f', -1, 64))
	}
	if q.MaxCost != nil {
		params.Set("max_cost", strconv.FormatFloat(*q.MaxCost, 'f', -1, 64))
	}
	if q.OnlineOnly {
		params.Set("online", "true")
	}
	var out struct {
		Agents []AgentMatch `json:"agents"`
	}
	if err := c.send(ctx, http.MethodGet, "/discover", params, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// Hire runs one job. A refused or failed job is not an error: inspect
// Receipt.Result.
func (c *Client) Hire(ctx context.Context, req HireRequest) (Receipt, error) {
	var out Receipt
	err := c.send(ctx, http.MethodPost, "/hire", nil, req, &out)
	return out, err
}

// OpenAccount creates an account. A nil initial balance uses the node default.
func (c *Client) OpenAccount(ctx context.Context, owner string, initial *float64) (float64, error) {
	body := map[string]any{"owner_id": owner}
	if initial != nil {
		body["initial_balance"] = *initial
	}
	var out struct {
		Balance float64 `json:"balance"`
	}
	err := c.send(ctx, http.MethodPost, "/accounts", nil, body, &out)
	return out.Balance, err
}

// Balance returns the credits held by owner; unknown owners hold zero.
func (c *Client) Balance(ctx context.Context, owner string) (float64, error) {
	var out struct {
		Balance float64 `json:"balance"`
	}
	err := c.send(ctx, http.MethodGet, "/accounts/"+url.PathEscape(owner), nil, nil, &out)
	return out.Balance, err
}

// Transfer moves credits between owners.
func (c *Client) Transfer(ctx context.Context, t Transfer) (TransferReceipt, error) {
	var out TransferReceipt
	err := c.send(ctx, http.MethodPost, "/transfer", nil, t, &out)
	return out, err
}

// SubmitRun queues a pipeline run.
func (c *Client) SubmitRun(ctx context.Context, req RunRequest) (Run, error) {
	var out Run
	err := c.send(ctx, http.MethodPost, "/runs", nil, req, &out)
	return out, err
}

// GetRun fetches a run.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var out Run
	err := c.send(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, nil, &out)
	return out, err
}

// StopRun asks the node to stop a run before its next node starts.
func (c *Client) StopRun(ctx context.Context, runID string) (Run, error) {
	var out Run
	err := c.send(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/stop", nil, struct{}{}, &out)
	return out, err
}

// WaitRun polls until the run finishes or ctx is done.
func (c *Client) WaitRun(ctx context.Context, runID string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return Run{}, err
		}
		if run.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner := c.Owner(); owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
