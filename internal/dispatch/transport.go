package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Transport delivers a job to an endpoint and returns the agent's answer.
// Errors mean the agent could not be reached or answered with garbage.
type Transport interface {
	Send(ctx context.Context, endpoint string, req JobRequest) (JobResult, error)
}

// StatusError is returned when an agent answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent returned HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPTransport posts jobs as JSON to {endpoint}/jobs.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport builds a transport around client. Timeouts come from the
// dispatch context, not from the client.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{Client: client}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, endpoint string, req JobRequest) (JobResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return JobResult{}, fmt.Errorf("encode job: %w", err)
	}
	target := strings.TrimRight(endpoint, "/") + "/jobs"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return JobResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return JobResult{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return JobResult{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusAccepted {
		res := JobResult{JobID: req.JobID, Status: StatusPending}
		if len(bytes.TrimSpace(data)) > 0 {
			_ = json.Unmarshal(data, &res)
		}
		res.Status = StatusPending
		return res, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Agents may describe a refusal with a regular FAILURE result.
		var res JobResult
		if json.Unmarshal(data, &res) == nil && res.Status == StatusFailure && res.ErrorCode != "" {
			return res, nil
		}
		return JobResult{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var res JobResult
	if err := json.Unmarshal(data, &res); err != nil {
		return JobResult{}, &MalformedError{Reason: err.Error()}
	}
	return res, nil
}

// MalformedError is returned when an agent answers with an unparseable body.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string { return "malformed job result: " + e.Reason }

// JobHandler runs a job in-process.
type JobHandler interface {
	HandleJob(ctx context.Context, req JobRequest) JobResult
}

// ErrNoLocalAgent is returned for local:// endpoints with no mounted handler.
var ErrNoLocalAgent = errors.New("no local agent mounted at endpoint")

// LocalTransport serves local://<name> endpoints from handlers in this process.
type LocalTransport struct {
	mu       sync.RWMutex
	handlers map[string]JobHandler
}

// NewLocalTransport creates an empty LocalTransport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{handlers: make(map[string]JobHandler)}
}

// Mount exposes h at local://name.
func (t *LocalTransport) Mount(name string, h JobHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[name] = h
}

// Unmount removes the handler at local://name.
func (t *LocalTransport) Unmount(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, name)
}

// Send implements Transport.
func (t *LocalTransport) Send(ctx context.Context, endpoint string, req JobRequest) (JobResult, error) {
	name := localName(endpoint)
	t.mu.RLock()
	h, ok := t.handlers[name]
	t.mu.RUnlock()
	if !ok {
		return JobResult{}, fmt.Errorf("%w: %s", ErrNoLocalAgent, endpoint)
	}

	done := make(chan JobResult, 1)
	go func() {
		done <- h.HandleJob(ctx, req)
	}()
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return JobResult{}, ctx.Err()
	}
}

func localName(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return strings.TrimPrefix(endpoint, "local://")
	}
	if u.Host != "" {
		return u.Host
	}
	return u.Opaque
}

// Router picks a transport by endpoint scheme.
type Router struct {
	HTTP  Transport
	Local Transport
}

// Send implements Transport.
func (r *Router) Send(ctx context.Context, endpoint string, req JobRequest) (JobResult, error) {
	switch {
	case strings.HasPrefix(endpoint, "local:"):
		if r.Local == nil {
			return JobResult{}, fmt.Errorf("%w: %s", ErrNoLocalAgent, endpoint)
		}
		return r.Local.Send(ctx, endpoint, req)
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		if r.HTTP == nil {
			return JobResult{}, errors.New("http transport not configured")
		}
		return r.HTTP.Send(ctx, endpoint, req)
	default:
		return JobResult{}, fmt.Errorf("unsupported endpoint %q", endpoint)
	}
}
