package core

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTask(state TaskState) Task {
	return Task{ID: uuid.New(), State: state, MaxRetry: 2}
}

func TestTopologicalOrderLinearChain(t *testing.T) {
	a, b, c := newTask(TaskPending), newTask(TaskPending), newTask(TaskPending)
	deps := []TaskDependency{{Parent: a.ID, Child: b.ID}, {Parent: b.ID, Child: c.ID}}

	order, err := TopologicalOrder([]Task{a, b, c}, deps)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{a.ID, b.ID, c.ID}, order)
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	a, b := newTask(TaskPending), newTask(TaskPending)
	deps := []TaskDependency{{Parent: a.ID, Child: b.ID}, {Parent: b.ID, Child: a.ID}}

	_, err := TopologicalOrder([]Task{a, b}, deps)
	require.Error(t, err)
}

func TestValidateGraphRejectsUnknownDependency(t *testing.T) {
	a := newTask(TaskPending)
	g := Graph{
		Tasks:        []Task{a},
		Dependencies: []TaskDependency{{Parent: a.ID, Child: uuid.New()}},
	}
	require.Error(t, ValidateGraph(g))
}

func TestFillDependentInputsMatchesByPositionOnly(t *testing.T) {
	producer := newTask(TaskSuccess)
	consumer := newTask(TaskPending)

	outputs := []TaskOutput{{TaskID: producer.ID, Position: 0, TypeTag: "int", Value: []byte("1")}}
	inputs := []TaskInput{
		{TaskID: consumer.ID, Position: 0, Ref: ValueRef{ProducerTask: &producer.ID, ProducerPosition: 0}},
		{TaskID: consumer.ID, Position: 1, Ref: ValueRef{Value: []byte("literal")}},
	}

	filled := FillDependentInputs(producer.ID, outputs, inputs)
	require.Len(t, filled, 1)
	require.Equal(t, []byte("1"), filled[0].Ref.Value)
	require.True(t, filled[0].Ref.Filled())
}

func TestComputeReadyOnlyPromotesFullyFilledPendingTasks(t *testing.T) {
	ready := newTask(TaskPending)
	blocked := newTask(TaskPending)
	alreadyRunning := newTask(TaskRunning)

	inputs := []TaskInput{
		{TaskID: ready.ID, Position: 0, Ref: ValueRef{Value: []byte("x")}},
		{TaskID: blocked.ID, Position: 0, Ref: ValueRef{Value: []byte("x")}},
		{TaskID: blocked.ID, Position: 1, Ref: ValueRef{}}, // unfilled
		{TaskID: alreadyRunning.ID, Position: 0, Ref: ValueRef{Value: []byte("x")}},
	}

	got := ComputeReady([]Task{ready, blocked, alreadyRunning}, inputs)
	require.Equal(t, []uuid.UUID{ready.ID}, got)
}

func TestComputeReadyPromotesTaskWithNoInputs(t *testing.T) {
	noInputTask := newTask(TaskPending)
	got := ComputeReady([]Task{noInputTask}, nil)
	require.Equal(t, []uuid.UUID{noInputTask.ID}, got)
}

func TestApplyTaskFailRetriesHeadTaskToReady(t *testing.T) {
	tsk := Task{MaxRetry: 2, RetryCount: 0}
	outcome := ApplyTaskFail(tsk, false)
	require.True(t, outcome.Retry)
	require.Equal(t, TaskReady, outcome.NextState)
	require.Equal(t, 1, outcome.RetryCount)
}

func TestApplyTaskFailRetriesProducerFedTaskToPending(t *testing.T) {
	tsk := Task{MaxRetry: 2, RetryCount: 0}
	outcome := ApplyTaskFail(tsk, true)
	require.True(t, outcome.Retry)
	require.Equal(t, TaskPending, outcome.NextState)
	require.Equal(t, 1, outcome.RetryCount)
}

func TestApplyTaskFailTerminatesAtLimit(t *testing.T) {
	tsk := Task{MaxRetry: 2, RetryCount: 2}
	outcome := ApplyTaskFail(tsk, false)
	require.False(t, outcome.Retry)
	require.Equal(t, TaskFail, outcome.NextState)
}

func TestTimedOutRespectsZeroTimeout(t *testing.T) {
	tsk := Task{TimeoutSeconds: 0}
	require.False(t, TimedOut(tsk, time.Now().Add(-time.Hour), time.Now()))
}

func TestTimedOutFlagsExpiredInstance(t *testing.T) {
	tsk := Task{TimeoutSeconds: 1}
	start := time.Now().Add(-2 * time.Second)
	require.True(t, TimedOut(tsk, start, time.Now()))
}

func TestJobOutputsReadyRequiresAllOutputTasks(t *testing.T) {
	taskID := uuid.New()
	jobID := uuid.New()
	outputTasks := []OutputTask{{JobID: jobID, TaskID: taskID, Position: 0}, {JobID: jobID, TaskID: taskID, Position: 1}}
	outputs := []TaskOutput{{TaskID: taskID, Position: 0, Value: []byte("a")}}

	require.False(t, JobOutputsReady(outputTasks, outputs))

	outputs = append(outputs, TaskOutput{TaskID: taskID, Position: 1, Value: []byte("b")})
	require.True(t, JobOutputsReady(outputTasks, outputs))
}

func TestResetJobIncrementsRetryAndSplitsReadyPending(t *testing.T) {
	headTask := newTask(TaskFail) // no producer-sourced inputs: literal only
	headTask.RetryCount = 1
	producerFedTask := newTask(TaskCancel)
	producerFedTask.RetryCount = 0
	bound := uuid.New()
	producerFedTask.BoundInstance = &bound

	inputs := []TaskInput{
		{TaskID: headTask.ID, Position: 0, Ref: ValueRef{Value: []byte("literal")}},
		{TaskID: producerFedTask.ID, Position: 0, Ref: ValueRef{
			ProducerTask: &headTask.ID, ProducerPosition: 0, Value: []byte("stale"), TypeTag: "int",
		}},
	}

	outcome, err := ResetJob([]Task{headTask, producerFedTask}, inputs)
	require.NoError(t, err)
	require.Len(t, outcome.Tasks, 2)

	byID := make(map[uuid.UUID]Task, len(outcome.Tasks))
	for _, t2 := range outcome.Tasks {
		byID[t2.ID] = t2
		require.Nil(t, t2.BoundInstance)
	}
	require.Equal(t, TaskReady, byID[headTask.ID].State)
	require.Equal(t, 2, byID[headTask.ID].RetryCount)
	require.Equal(t, TaskPending, byID[producerFedTask.ID].State)
	require.Equal(t, 1, byID[producerFedTask.ID].RetryCount)

	require.Len(t, outcome.Inputs, 1)
	require.Equal(t, producerFedTask.ID, outcome.Inputs[0].TaskID)
	require.False(t, outcome.Inputs[0].Ref.Filled())
}

func TestResetJobRejectsWhenAnyTaskExhaustedRetries(t *testing.T) {
	exhausted := Task{ID: uuid.New(), MaxRetry: 2, RetryCount: 2, State: TaskFail}
	_, err := ResetJob([]Task{exhausted}, nil)
	require.Error(t, err)
}

func TestAllTasksTerminalRequiresEveryTaskDone(t *testing.T) {
	require.True(t, AllTasksTerminal([]Task{newTask(TaskSuccess), newTask(TaskFail), newTask(TaskCancel)}))
	require.False(t, AllTasksTerminal([]Task{newTask(TaskSuccess), newTask(TaskRunning)}))
	require.False(t, AllTasksTerminal([]Task{newTask(TaskSuccess), newTask(TaskReady)}))
	require.False(t, AllTasksTerminal([]Task{newTask(TaskSuccess), newTask(TaskPending)}))
}

func TestCancelDownstreamStopsAtTerminalTasks(t *testing.T) {
	root := newTask(TaskRunning)
	child := newTask(TaskPending)
	finishedChild := newTask(TaskSuccess)
	grandchildOfFinished := newTask(TaskPending)

	deps := []TaskDependency{
		{Parent: root.ID, Child: child.ID},
		{Parent: root.ID, Child: finishedChild.ID},
		{Parent: finishedChild.ID, Child: grandchildOfFinished.ID},
	}

	got := CancelDownstream([]Task{root, child, finishedChild, grandchildOfFinished}, deps, []uuid.UUID{root.ID})
	require.ElementsMatch(t, []uuid.UUID{root.ID, child.ID}, got)
}
