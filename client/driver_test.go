package client

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/y-scope/spider-go/internal/core"
	"github.com/y-scope/spider-go/internal/storage"
)

type fakeMeta struct {
	jobs   map[uuid.UUID]core.Job
	graph  map[uuid.UUID]core.Graph
	errors map[uuid.UUID]core.JobError
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{jobs: map[uuid.UUID]core.Job{}, graph: map[uuid.UUID]core.Graph{}, errors: map[uuid.UUID]core.JobError{}}
}

func (f *fakeMeta) GetJobMessage(ctx context.Context, jobID uuid.UUID) (core.JobError, error) {
	e, ok := f.errors[jobID]
	if !ok {
		return core.JobError{}, storage.New(storage.KeyNotFoundErr, "get-job-message", nil)
	}
	return e, nil
}

func (f *fakeMeta) AddJob(ctx context.Context, batch storage.JobSubmissionBatch) error {
	f.jobs[batch.Job.ID] = batch.Job
	f.graph[batch.Job.ID] = core.Graph{
		Tasks: batch.Tasks, Dependencies: batch.Deps, Inputs: batch.Inputs,
		Outputs: batch.Outputs, InputTasks: batch.InputTasks, OutputTasks: batch.OutputTasks,
	}
	return nil
}

func (f *fakeMeta) GetJobStatus(ctx context.Context, jobID uuid.UUID) (core.JobState, error) {
	return f.jobs[jobID].State, nil
}

func (f *fakeMeta) GetTaskGraph(ctx context.Context, jobID uuid.UUID) (core.Graph, error) {
	return f.graph[jobID], nil
}

func (f *fakeMeta) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	j := f.jobs[jobID]
	j.State = core.JobCancel
	f.jobs[jobID] = j
	return nil
}

func (f *fakeMeta) ResetJob(ctx context.Context, jobID uuid.UUID) error {
	j := f.jobs[jobID]
	j.State = core.JobRunning
	f.jobs[jobID] = j
	return nil
}

func TestSubmitJobMarksRootTaskReady(t *testing.T) {
	meta := newFakeMeta()
	d := New(meta, nil)

	root := core.Task{ID: uuid.New(), FunctionName: "produce"}
	child := core.Task{ID: uuid.New(), FunctionName: "consume"}
	g := core.Graph{
		Tasks:        []core.Task{root, child},
		Dependencies: []core.TaskDependency{{Parent: root.ID, Child: child.ID}},
		Inputs: []core.TaskInput{
			{TaskID: child.ID, Position: 0, Ref: core.ValueRef{ProducerTask: &root.ID, ProducerPosition: 0}},
		},
	}

	jobID, err := d.SubmitJob(context.Background(), g)
	require.NoError(t, err)

	graph := meta.graph[jobID]
	var rootAfter, childAfter core.Task
	for _, ts := range graph.Tasks {
		if ts.ID == root.ID {
			rootAfter = ts
		}
		if ts.ID == child.ID {
			childAfter = ts
		}
	}
	require.Equal(t, core.TaskReady, rootAfter.State)
	require.Equal(t, core.TaskPending, childAfter.State)
}

func TestSubmitJobRejectsCyclicGraph(t *testing.T) {
	meta := newFakeMeta()
	d := New(meta, nil)

	a := core.Task{ID: uuid.New()}
	b := core.Task{ID: uuid.New()}
	g := core.Graph{
		Tasks:        []core.Task{a, b},
		Dependencies: []core.TaskDependency{{Parent: a.ID, Child: b.ID}, {Parent: b.ID, Child: a.ID}},
	}

	_, err := d.SubmitJob(context.Background(), g)
	require.Error(t, err)
}

func TestGetJobResultRequiresSuccess(t *testing.T) {
	meta := newFakeMeta()
	d := New(meta, nil)
	jobID := uuid.New()
	meta.jobs[jobID] = core.Job{ID: jobID, State: core.JobRunning}

	_, err := d.GetJobResult(context.Background(), jobID)
	require.Error(t, err)
}

func TestJobHandleReleaseCancelsNonTerminalJobOnce(t *testing.T) {
	meta := newFakeMeta()
	d := New(meta, nil)
	jobID := uuid.New()
	meta.jobs[jobID] = core.Job{ID: jobID, State: core.JobRunning}

	h := NewJobHandle(d, jobID)
	require.NoError(t, h.Release(context.Background()))
	require.Equal(t, core.JobCancel, meta.jobs[jobID].State)

	meta.jobs[jobID] = core.Job{ID: jobID, State: core.JobRunning} // would be cancelled again if not idempotent
	require.NoError(t, h.Release(context.Background()))
	require.Equal(t, core.JobRunning, meta.jobs[jobID].State)
}

func TestGetJobMessageReturnsRecordedAbortReason(t *testing.T) {
	meta := newFakeMeta()
	d := New(meta, nil)
	jobID := uuid.New()
	meta.errors[jobID] = core.JobError{JobID: jobID, FunctionName: "abort_test", Message: "Abort test"}

	msg, err := d.GetJobMessage(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, "abort_test", msg.FunctionName)
	require.Equal(t, "Abort test", msg.Message)
}

func TestJobHandleReleaseIsNoopOnTerminalJob(t *testing.T) {
	meta := newFakeMeta()
	d := New(meta, nil)
	jobID := uuid.New()
	meta.jobs[jobID] = core.Job{ID: jobID, State: core.JobSuccess}

	h := NewJobHandle(d, jobID)
	require.NoError(t, h.Release(context.Background()))
	require.Equal(t, core.JobSuccess, meta.jobs[jobID].State)
}
