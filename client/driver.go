// Package client is Spider's driver-facing façade (§6.1's client surface):
// submit jobs, poll or wait for status, fetch results, cancel, and
// optionally watch for terminal state over NATS instead of polling (§6.6).
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/y-scope/spider-go/internal/core"
	"github.com/y-scope/spider-go/internal/idgen"
	"github.com/y-scope/spider-go/internal/storage"
)

// MetadataClient is the subset of storage.MetadataStore the driver façade
// calls directly. In this module's default standalone deployment it is the
// same *boltmeta.Store the scheduler uses (see DESIGN.md's Open Question
// decision on client transport); a networked deployment would implement it
// as an RPC client instead without changing Driver's logic.
type MetadataClient interface {
	AddJob(ctx context.Context, batch storage.JobSubmissionBatch) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (core.JobState, error)
	GetTaskGraph(ctx context.Context, jobID uuid.UUID) (core.Graph, error)
	GetJobMessage(ctx context.Context, jobID uuid.UUID) (core.JobError, error)
	CancelJob(ctx context.Context, jobID uuid.UUID) error
	ResetJob(ctx context.Context, jobID uuid.UUID) error
}

// Driver is the client-side identity submitting and watching jobs.
type Driver struct {
	ID   uuid.UUID
	meta MetadataClient
	nats NotificationSubscriber
}

// New constructs a Driver with a freshly minted id. nats may be nil, in
// which case WatchJob falls back to polling.
func New(meta MetadataClient, nats NotificationSubscriber) *Driver {
	return &Driver{ID: idgen.NewDriverID(), meta: meta, nats: nats}
}

// SubmitJob validates g and persists it as a new job, returning the job's
// id. Initial InputTask values should already be filled into g.Inputs by
// the caller before calling SubmitJob (§4.1 add_job).
func (d *Driver) SubmitJob(ctx context.Context, g core.Graph) (uuid.UUID, error) {
	if err := core.ValidateGraph(g); err != nil {
		return uuid.Nil, fmt.Errorf("client: invalid job graph: %w", err)
	}

	job := core.Job{ID: idgen.NewJobID(), ClientID: d.ID, CreationTime: time.Now(), State: core.JobRunning}
	order, err := core.TopologicalOrder(g.Tasks, g.Dependencies)
	if err != nil {
		return uuid.Nil, err
	}
	ordered := reorderTasks(g.Tasks, order)
	markRootsReady(ordered, g.Dependencies, g.Inputs)

	batch := storage.JobSubmissionBatch{
		Job: job, Tasks: ordered, Deps: g.Dependencies, Inputs: g.Inputs,
		Outputs: g.Outputs, InputTasks: g.InputTasks, OutputTasks: g.OutputTasks,
	}
	for i := range batch.InputTasks {
		batch.InputTasks[i].JobID = job.ID
	}
	for i := range batch.OutputTasks {
		batch.OutputTasks[i].JobID = job.ID
	}
	for i := range batch.Tasks {
		batch.Tasks[i].JobID = job.ID
	}

	if err := d.meta.AddJob(ctx, batch); err != nil {
		return uuid.Nil, fmt.Errorf("client: submit job: %w", err)
	}
	return job.ID, nil
}

func reorderTasks(tasks []core.Task, order []uuid.UUID) []core.Task {
	byID := make(map[uuid.UUID]core.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	out := make([]core.Task, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// markRootsReady sets every task to TaskPending, then marks every task with
// no TaskDependency parent and no unfilled TaskInput as TaskReady at
// submission time, since task_finish's propagation logic only promotes
// pending tasks when a parent finishes — a task with no parents never gets
// that trigger.
func markRootsReady(tasks []core.Task, deps []core.TaskDependency, inputs []core.TaskInput) {
	for i := range tasks {
		tasks[i].State = core.TaskPending
	}
	hasParent := make(map[uuid.UUID]bool, len(tasks))
	for _, d := range deps {
		hasParent[d.Child] = true
	}
	ready := core.ComputeReady(tasks, inputs)
	readySet := make(map[uuid.UUID]struct{}, len(ready))
	for _, id := range ready {
		readySet[id] = struct{}{}
	}
	for i, t := range tasks {
		if hasParent[t.ID] {
			continue
		}
		if _, ok := readySet[t.ID]; ok {
			tasks[i].State = core.TaskReady
		}
	}
}

// GetJobStatus polls the current state of jobID. This is always the source
// of truth (§6.6): WatchJob is a convenience wrapper around it.
func (d *Driver) GetJobStatus(ctx context.Context, jobID uuid.UUID) (core.JobState, error) {
	return d.meta.GetJobStatus(ctx, jobID)
}

// GetJobResult returns the filled TaskOutputs the job's OutputTask
// declarations point at, or an error if the job has not yet reached
// JobSuccess.
func (d *Driver) GetJobResult(ctx context.Context, jobID uuid.UUID) ([]core.TaskOutput, error) {
	state, err := d.meta.GetJobStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if state != core.JobSuccess {
		return nil, fmt.Errorf("client: job %s has not succeeded (state=%s)", jobID, state)
	}
	graph, err := d.meta.GetTaskGraph(ctx, jobID)
	if err != nil {
		return nil, err
	}
	wanted := make(map[uuid.UUID]map[int]struct{}, len(graph.OutputTasks))
	for _, ot := range graph.OutputTasks {
		if wanted[ot.TaskID] == nil {
			wanted[ot.TaskID] = make(map[int]struct{})
		}
		wanted[ot.TaskID][ot.Position] = struct{}{}
	}
	var result []core.TaskOutput
	for _, o := range graph.Outputs {
		if positions, ok := wanted[o.TaskID]; ok {
			if _, ok := positions[o.Position]; ok {
				result = append(result, o)
			}
		}
	}
	return result, nil
}

// GetJobMessage returns the (function_name, message) pair explaining why
// jobID ended in Fail or Cancel (§6.1 get_job_message), e.g. the exhausted-
// retry "Simulated error" or a task-initiated abort's reason.
func (d *Driver) GetJobMessage(ctx context.Context, jobID uuid.UUID) (core.JobError, error) {
	return d.meta.GetJobMessage(ctx, jobID)
}

// CancelJob marks jobID and its non-terminal tasks cancelled (§4.1
// cancel_job).
func (d *Driver) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	return d.meta.CancelJob(ctx, jobID)
}

// ResetJob rewinds every task of jobID for another run (§4.1 reset_job):
// tasks without producer inputs become ready, the rest pending.
func (d *Driver) ResetJob(ctx context.Context, jobID uuid.UUID) error {
	return d.meta.ResetJob(ctx, jobID)
}
