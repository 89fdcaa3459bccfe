package boltmeta

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/y-scope/spider-go/internal/core"
	"github.com/y-scope/spider-go/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddJobThenGetTaskGraphRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := core.Job{ID: uuid.New(), ClientID: uuid.New(), CreationTime: time.Now(), State: core.JobRunning}
	parent := core.Task{ID: uuid.New(), JobID: job.ID, FunctionName: "produce", State: core.TaskReady}
	child := core.Task{ID: uuid.New(), JobID: job.ID, FunctionName: "consume", State: core.TaskPending}

	batch := storage.JobSubmissionBatch{
		Job:   job,
		Tasks: []core.Task{parent, child},
		Deps:  []core.TaskDependency{{Parent: parent.ID, Child: child.ID}},
		Inputs: []core.TaskInput{
			{TaskID: child.ID, Position: 0, Ref: core.ValueRef{ProducerTask: &parent.ID, ProducerPosition: 0}},
		},
		OutputTasks: []core.OutputTask{{JobID: job.ID, TaskID: child.ID, Position: 0}},
	}

	require.NoError(t, s.AddJob(ctx, batch))

	got, err := s.GetTaskGraph(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.Tasks, 2)
	require.Len(t, got.Dependencies, 1)
	require.Len(t, got.Inputs, 1)
	require.Len(t, got.OutputTasks, 1)

	status, err := s.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobRunning, status)
}

func TestTaskFinishPropagatesToDependentInputAndReady(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := core.Job{ID: uuid.New(), State: core.JobRunning}
	parent := core.Task{ID: uuid.New(), JobID: job.ID, FunctionName: "produce", State: core.TaskReady}
	child := core.Task{ID: uuid.New(), JobID: job.ID, FunctionName: "consume", State: core.TaskPending}

	batch := storage.JobSubmissionBatch{
		Job:   job,
		Tasks: []core.Task{parent, child},
		Deps:  []core.TaskDependency{{Parent: parent.ID, Child: child.ID}},
		Inputs: []core.TaskInput{
			{TaskID: child.ID, Position: 0, Ref: core.ValueRef{ProducerTask: &parent.ID, ProducerPosition: 0}},
		},
	}
	require.NoError(t, s.AddJob(ctx, batch))

	inst, err := s.AcquireLease(ctx, uuid.New(), parent.ID, time.Now())
	require.NoError(t, err)

	outputs := []core.TaskOutput{{TaskID: parent.ID, Position: 0, TypeTag: "int", Value: []byte("42")}}
	require.NoError(t, s.TaskFinish(ctx, parent.ID, inst.ID, outputs))

	graph, err := s.GetTaskGraph(ctx, job.ID)
	require.NoError(t, err)

	var childAfter core.Task
	for _, ts := range graph.Tasks {
		if ts.ID == child.ID {
			childAfter = ts
		}
	}
	require.Equal(t, core.TaskReady, childAfter.State)

	require.Len(t, graph.Inputs, 1)
	require.True(t, graph.Inputs[0].Ref.Filled())
	require.Equal(t, []byte("42"), graph.Inputs[0].Ref.Value)
}

func TestTaskFailRetriesHeadTaskToReadyThenTerminates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := core.Job{ID: uuid.New(), State: core.JobRunning}
	tsk := core.Task{ID: uuid.New(), JobID: job.ID, FunctionName: "flaky", State: core.TaskReady, MaxRetry: 1}
	require.NoError(t, s.AddJob(ctx, storage.JobSubmissionBatch{Job: job, Tasks: []core.Task{tsk}}))

	// tsk has no producer-sourced inputs (a head task): retry must put it
	// back in Ready, since ComputeReady's pending->ready promotion never
	// runs for it (no producer will ever finish to trigger it).
	inst, err := s.AcquireLease(ctx, uuid.New(), tsk.ID, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.TaskFail(ctx, tsk.ID, inst.ID, "transient"))
	graph, err := s.GetTaskGraph(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskReady, graph.Tasks[0].State)

	inst, err = s.AcquireLease(ctx, uuid.New(), tsk.ID, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.TaskFail(ctx, tsk.ID, inst.ID, "fatal"))
	graph, err = s.GetTaskGraph(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskFail, graph.Tasks[0].State)

	status, err := s.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobFail, status)
}

func TestTaskFailRetriesProducerFedTaskToPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := core.Job{ID: uuid.New(), State: core.JobRunning}
	parent := core.Task{ID: uuid.New(), JobID: job.ID, FunctionName: "produce", State: core.TaskSuccess}
	child := core.Task{ID: uuid.New(), JobID: job.ID, FunctionName: "consume", State: core.TaskRunning, MaxRetry: 2}
	batch := storage.JobSubmissionBatch{
		Job:   job,
		Tasks: []core.Task{parent, child},
		Inputs: []core.TaskInput{
			{TaskID: child.ID, Position: 0, Ref: core.ValueRef{ProducerTask: &parent.ID, ProducerPosition: 0, Value: []byte("1"), TypeTag: "int"}},
		},
	}
	require.NoError(t, s.AddJob(ctx, batch))

	require.NoError(t, s.TaskFail(ctx, child.ID, uuid.New(), "transient"))
	graph, err := s.GetTaskGraph(ctx, job.ID)
	require.NoError(t, err)
	var childAfter core.Task
	for _, ts := range graph.Tasks {
		if ts.ID == child.ID {
			childAfter = ts
		}
	}
	require.Equal(t, core.TaskPending, childAfter.State)
}

func TestTaskFailIsNoOpOnceTaskAlreadyResolved(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := core.Job{ID: uuid.New(), State: core.JobRunning}
	tsk := core.Task{ID: uuid.New(), JobID: job.ID, State: core.TaskReady, MaxRetry: 1}
	require.NoError(t, s.AddJob(ctx, storage.JobSubmissionBatch{Job: job, Tasks: []core.Task{tsk}}))

	winningInstance, err := s.AcquireLease(ctx, uuid.New(), tsk.ID, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.TaskFinish(ctx, tsk.ID, winningInstance.ID, nil))

	// A stray failure report from some other (losing) instance must not
	// reopen the already-succeeded task.
	require.NoError(t, s.TaskFail(ctx, tsk.ID, uuid.New(), "too late"))

	graph, err := s.GetTaskGraph(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskSuccess, graph.Tasks[0].State)
}

func TestRecordJobErrorThenGetJobMessageReturnsLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, s.RecordJobError(ctx, core.JobError{JobID: jobID, FunctionName: "flaky", Message: "transient"}))
	require.NoError(t, s.RecordJobError(ctx, core.JobError{JobID: jobID, FunctionName: "abort_test", Message: "Abort test"}))

	msg, err := s.GetJobMessage(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, "abort_test", msg.FunctionName)
	require.Equal(t, "Abort test", msg.Message)
}

func TestGetJobMessageNotFoundForCleanJob(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetJobMessage(context.Background(), uuid.New())
	require.Error(t, err)
	require.True(t, storage.IsNotFound(err))
}

func TestAcquireLeaseRejectsNonReadyTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := core.Job{ID: uuid.New()}
	tsk := core.Task{ID: uuid.New(), JobID: job.ID, State: core.TaskPending}
	require.NoError(t, s.AddJob(ctx, storage.JobSubmissionBatch{Job: job, Tasks: []core.Task{tsk}}))

	_, err := s.AcquireLease(ctx, uuid.New(), tsk.ID, time.Now())
	require.Error(t, err)

	var se *storage.StorageErr
	require.ErrorAs(t, err, &se)
	require.Equal(t, storage.ConstraintViolationErr, se.Code)
}

func TestEvictStaleLeasesRemovesOnlyOldOnes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := core.Job{ID: uuid.New()}
	tsk := core.Task{ID: uuid.New(), JobID: job.ID, State: core.TaskReady}
	require.NoError(t, s.AddJob(ctx, storage.JobSubmissionBatch{Job: job, Tasks: []core.Task{tsk}}))

	schedulerID := uuid.New()
	old := time.Now().Add(-time.Hour)
	_, err := s.AcquireLease(ctx, schedulerID, tsk.ID, old)
	require.NoError(t, err)

	n, err := s.EvictStaleLeases(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestKVRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner := uuid.New()

	require.NoError(t, s.PutKV(ctx, core.KVData{OwnerKind: core.KVOwnerClient, OwnerID: owner, Key: "k", Value: []byte("v")}))
	got, err := s.GetKV(ctx, core.KVOwnerClient, owner, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}

func TestGetJobNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetJob(context.Background(), uuid.New())
	require.True(t, storage.IsNotFound(err))
}

func TestGetReadyTasksOffersTimedOutRunningTaskForSpeculativeRedispatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := core.Job{ID: uuid.New()}
	tsk := core.Task{ID: uuid.New(), JobID: job.ID, State: core.TaskReady, TimeoutSeconds: 1}
	require.NoError(t, s.AddJob(ctx, storage.JobSubmissionBatch{Job: job, Tasks: []core.Task{tsk}}))

	first, err := s.AcquireLease(ctx, uuid.New(), tsk.ID, time.Now().Add(-2*time.Second))
	require.NoError(t, err)

	ready, err := s.GetReadyTasks(ctx, 0, time.Second)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, tsk.ID, ready[0].ID)
	require.Equal(t, core.TaskRunning, ready[0].State)

	second, err := s.AcquireLease(ctx, uuid.New(), tsk.ID, time.Now())
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	graph, err := s.GetTaskGraph(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskRunning, graph.Tasks[0].State) // task stays Running, not re-marked Ready
}

func TestAcquireLeaseRejectsRunningTaskThatHasNotTimedOut(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := core.Job{ID: uuid.New()}
	tsk := core.Task{ID: uuid.New(), JobID: job.ID, State: core.TaskReady, TimeoutSeconds: 60}
	require.NoError(t, s.AddJob(ctx, storage.JobSubmissionBatch{Job: job, Tasks: []core.Task{tsk}}))

	_, err := s.AcquireLease(ctx, uuid.New(), tsk.ID, time.Now())
	require.NoError(t, err)

	_, err = s.AcquireLease(ctx, uuid.New(), tsk.ID, time.Now())
	require.Error(t, err)
	var se *storage.StorageErr
	require.ErrorAs(t, err, &se)
	require.Equal(t, storage.ConstraintViolationErr, se.Code)
}

func TestTaskFinishFirstInstanceWinsSpeculativeRace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := core.Job{ID: uuid.New()}
	tsk := core.Task{ID: uuid.New(), JobID: job.ID, State: core.TaskReady, TimeoutSeconds: 1}
	require.NoError(t, s.AddJob(ctx, storage.JobSubmissionBatch{Job: job, Tasks: []core.Task{tsk}}))

	first, err := s.AcquireLease(ctx, uuid.New(), tsk.ID, time.Now().Add(-2*time.Second))
	require.NoError(t, err)
	second, err := s.AcquireLease(ctx, uuid.New(), tsk.ID, time.Now())
	require.NoError(t, err)

	winnerOutputs := []core.TaskOutput{{TaskID: tsk.ID, Position: 0, TypeTag: "int", Value: []byte("1")}}
	require.NoError(t, s.TaskFinish(ctx, tsk.ID, first.ID, winnerOutputs))

	loserOutputs := []core.TaskOutput{{TaskID: tsk.ID, Position: 0, TypeTag: "int", Value: []byte("2")}}
	require.NoError(t, s.TaskFinish(ctx, tsk.ID, second.ID, loserOutputs))

	graph, err := s.GetTaskGraph(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskSuccess, graph.Tasks[0].State)
	require.NotNil(t, graph.Tasks[0].BoundInstance)
	require.Equal(t, first.ID, *graph.Tasks[0].BoundInstance)
	require.Equal(t, []byte("1"), graph.Outputs[0].Value)
}

func TestResetJobReadiesHeadTaskAndClearsProducerFedInputsAndOutputs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := core.Job{ID: uuid.New()}
	parent := core.Task{ID: uuid.New(), JobID: job.ID, State: core.TaskFail, MaxRetry: 2, RetryCount: 1}
	child := core.Task{ID: uuid.New(), JobID: job.ID, State: core.TaskCancel, MaxRetry: 2, RetryCount: 0}
	batch := storage.JobSubmissionBatch{
		Job:   job,
		Tasks: []core.Task{parent, child},
		Deps:  []core.TaskDependency{{Parent: parent.ID, Child: child.ID}},
		Inputs: []core.TaskInput{
			{TaskID: child.ID, Position: 0, Ref: core.ValueRef{
				ProducerTask: &parent.ID, ProducerPosition: 0, Value: []byte("stale"), TypeTag: "int",
			}},
		},
		Outputs: []core.TaskOutput{{TaskID: parent.ID, Position: 0, Value: []byte("stale-output"), TypeTag: "int"}},
	}
	require.NoError(t, s.AddJob(ctx, batch))

	require.NoError(t, s.ResetJob(ctx, job.ID))

	graph, err := s.GetTaskGraph(ctx, job.ID)
	require.NoError(t, err)

	byID := make(map[uuid.UUID]core.Task, len(graph.Tasks))
	for _, ts := range graph.Tasks {
		byID[ts.ID] = ts
	}
	require.Equal(t, core.TaskReady, byID[parent.ID].State)
	require.Equal(t, 2, byID[parent.ID].RetryCount)
	require.Equal(t, core.TaskPending, byID[child.ID].State)
	require.Equal(t, 1, byID[child.ID].RetryCount)

	require.Len(t, graph.Inputs, 1)
	require.False(t, graph.Inputs[0].Ref.Filled())
	require.Empty(t, graph.Outputs)

	status, err := s.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobRunning, status)
}

func TestResetJobFailsWhenAnyTaskExhaustedRetries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := core.Job{ID: uuid.New()}
	exhausted := core.Task{ID: uuid.New(), JobID: job.ID, State: core.TaskFail, MaxRetry: 1, RetryCount: 1}
	require.NoError(t, s.AddJob(ctx, storage.JobSubmissionBatch{Job: job, Tasks: []core.Task{exhausted}}))

	err := s.ResetJob(ctx, job.ID)
	require.Error(t, err)
	var se *storage.StorageErr
	require.ErrorAs(t, err, &se)
	require.Equal(t, storage.ConstraintViolationErr, se.Code)
}
