package dispatch

import (
	"sync"

	xerrors "Chorus-Network/internal/errors"
)

// CallbackHub matches asynchronously delivered results to waiting dispatches.
type CallbackHub struct {
	mu      sync.Mutex
	waiters map[string]chan JobResult
}

// NewCallbackHub creates an empty hub.
func NewCallbackHub() *CallbackHub {
	return &CallbackHub{waiters: make(map[string]chan JobResult)}
}

// Expect registers interest in jobID. It must be called before the job is sent
// so that an early callback is not lost.
func (h *CallbackHub) Expect(jobID string) <-chan JobResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan JobResult, 1)
	h.waiters[jobID] = ch
	return ch
}

// Forget drops the registration for jobID.
func (h *CallbackHub) Forget(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.waiters, jobID)
}

// Deliver hands a result to the dispatch waiting on its job id. Only the first
// delivery for a job is accepted.
func (h *CallbackHub) Deliver(res JobResult) error {
	h.mu.Lock()
	ch, ok := h.waiters[res.JobID]
	if ok {
		delete(h.waiters, res.JobID)
	}
	h.mu.Unlock()
	if !ok {
		return xerrors.NotFound("no dispatch is waiting for job %s", res.JobID)
	}
	ch <- res
	return nil
}

// Pending returns the number of jobs awaiting a callback.
func (h *CallbackHub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters)
}
