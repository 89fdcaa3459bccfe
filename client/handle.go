package client

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/y-scope/spider-go/internal/core"
)

// JobHandle is an owned, one-shot cleanup handle for a submitted job,
// adapted from the source's RAII cleaner design note (§9): a caller that
// holds a JobHandle may unconditionally `defer handle.Release()` without
// checking whether the job already finished, was already cancelled, or
// the handle was already released elsewhere — Release is idempotent.
//
// Grounded in the reference orchestrator's cancellation.go
// CancellationManager/CancellableExecution: that type tracked one
// in-memory *WorkflowExecution per running id with an idempotent Cancel/
// Complete pair; JobHandle narrows that to the single job it owns.
type JobHandle struct {
	driver *Driver
	jobID  uuid.UUID

	mu       sync.Mutex
	released bool
}

// NewJobHandle wraps jobID, submitted via driver, in an owned handle.
func NewJobHandle(driver *Driver, jobID uuid.UUID) *JobHandle {
	return &JobHandle{driver: driver, jobID: jobID}
}

// JobID returns the id of the job this handle owns.
func (h *JobHandle) JobID() uuid.UUID { return h.jobID }

// Release cancels the owned job if it hasn't reached a terminal state, and
// marks the handle released. Safe to call multiple times or after the job
// has already finished on its own; only the first call has any effect.
func (h *JobHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true

	state, err := h.driver.GetJobStatus(ctx, h.jobID)
	if err != nil {
		return err
	}
	switch state {
	case core.JobSuccess, core.JobFail, core.JobCancel:
		return nil
	default:
		return h.driver.CancelJob(ctx, h.jobID)
	}
}
