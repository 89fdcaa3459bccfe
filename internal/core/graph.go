package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ValidateGraph checks the structural invariants a submitted Graph must
// satisfy before AddJob may accept it (I1, I2): every dependency and
// input/output task reference must name a task present in the graph, every
// input/output position must be non-negative, and the dependency edges must
// form a DAG (no cycles).
func ValidateGraph(g Graph) error {
	known := make(map[uuid.UUID]struct{}, len(g.Tasks))
	for _, t := range g.Tasks {
		known[t.ID] = struct{}{}
	}
	for _, d := range g.Dependencies {
		if _, ok := known[d.Parent]; !ok {
			return fmt.Errorf("dependency references unknown parent task %s", d.Parent)
		}
		if _, ok := known[d.Child]; !ok {
			return fmt.Errorf("dependency references unknown child task %s", d.Child)
		}
	}
	for _, in := range g.Inputs {
		if _, ok := known[in.TaskID]; !ok {
			return fmt.Errorf("input references unknown task %s", in.TaskID)
		}
		if in.Position < 0 {
			return fmt.Errorf("input for task %s has negative position %d", in.TaskID, in.Position)
		}
	}
	for _, out := range g.Outputs {
		if _, ok := known[out.TaskID]; !ok {
			return fmt.Errorf("output references unknown task %s", out.TaskID)
		}
		if out.Position < 0 {
			return fmt.Errorf("output for task %s has negative position %d", out.TaskID, out.Position)
		}
	}
	if _, err := TopologicalOrder(g.Tasks, g.Dependencies); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder runs Kahn's algorithm over the task set and returns a
// valid submission order, or an error if the dependency edges contain a
// cycle. AddJob uses this order to insert rows so that a parent task's row
// always exists before any child references it.
func TopologicalOrder(tasks []Task, deps []TaskDependency) ([]uuid.UUID, error) {
	indegree := make(map[uuid.UUID]int, len(tasks))
	children := make(map[uuid.UUID][]uuid.UUID, len(tasks))
	for _, t := range tasks {
		indegree[t.ID] = 0
	}
	for _, d := range deps {
		indegree[d.Child]++
		children[d.Parent] = append(children[d.Parent], d.Child)
	}

	var ready []uuid.UUID
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			ready = append(ready, t.ID)
		}
	}

	order := make([]uuid.UUID, 0, len(tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, c := range children[id] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}

	if len(order) != len(tasks) {
		return nil, fmt.Errorf("task graph contains a cycle: ordered %d of %d tasks", len(order), len(tasks))
	}
	return order, nil
}

// FillDependentInputs returns the subset of allInputs that reference one of
// the just-finished task's outputs, each with Ref populated from the
// matching output. Callers persist the returned inputs in the same
// transaction that marks finishedTaskID's state as success (§4.1
// task_finish).
func FillDependentInputs(finishedTaskID uuid.UUID, outputs []TaskOutput, allInputs []TaskInput) []TaskInput {
	byPosition := make(map[int]TaskOutput, len(outputs))
	for _, o := range outputs {
		byPosition[o.Position] = o
	}

	var filled []TaskInput
	for _, in := range allInputs {
		if in.Ref.ProducerTask == nil || *in.Ref.ProducerTask != finishedTaskID {
			continue
		}
		out, ok := byPosition[in.Ref.ProducerPosition]
		if !ok {
			continue
		}
		in.Ref.TypeTag = out.TypeTag
		in.Ref.Value = out.Value
		in.Ref.DataID = out.DataID
		filled = append(filled, in)
	}
	return filled
}

// ComputeReady returns the ids of pending tasks whose every TaskInput is
// filled, i.e. tasks that task_finish's propagation has just unblocked. Only
// tasks already in TaskPending are considered: running/ready/terminal tasks
// are left untouched (idempotent under re-application, §8 round-trip
// property).
func ComputeReady(tasks []Task, inputs []TaskInput) []uuid.UUID {
	needed := make(map[uuid.UUID]int)
	filled := make(map[uuid.UUID]int)
	for _, in := range inputs {
		needed[in.TaskID]++
		if in.Ref.Filled() {
			filled[in.TaskID]++
		}
	}

	var ready []uuid.UUID
	for _, t := range tasks {
		if t.State != TaskPending {
			continue
		}
		if filled[t.ID] == needed[t.ID] {
			ready = append(ready, t.ID)
		}
	}
	return ready
}

// FailOutcome is the decision task_fail must persist for a failed task
// instance: either retry (instance unbound, retry count incremented, task
// re-offered as Ready or parked Pending depending on whether it still has
// producer-filled inputs waiting on it) or terminal failure.
type FailOutcome struct {
	Retry      bool
	NextState  TaskState
	RetryCount int
}

// ApplyTaskFail decides whether a failed task instance should be retried or
// marked terminally failed, per §4.1 task_fail / I3 (retry_count <=
// max_retry). hasProducerInput must be true iff the task has at least one
// TaskInput sourced from another task's output rather than a literal: such a
// task can only become Ready again via ComputeReady's propagation, so a
// retried head task (no producer inputs at all) must go straight back to
// Ready instead of Pending, or GetReadyTasks would never offer it again.
func ApplyTaskFail(t Task, hasProducerInput bool) FailOutcome {
	if t.RetryCount < t.MaxRetry {
		next := TaskPending
		if !hasProducerInput {
			next = TaskReady
		}
		return FailOutcome{Retry: true, NextState: next, RetryCount: t.RetryCount + 1}
	}
	return FailOutcome{Retry: false, NextState: TaskFail, RetryCount: t.RetryCount}
}

// TimedOut reports whether a running task instance has exceeded its task's
// configured timeout, per §4.1's timeout-promotion watchdog query. A zero
// TimeoutSeconds means no timeout is enforced.
func TimedOut(t Task, instanceStart time.Time, now time.Time) bool {
	if t.TimeoutSeconds <= 0 {
		return false
	}
	return now.Sub(instanceStart) >= time.Duration(t.TimeoutSeconds*float64(time.Second))
}

// JobOutputsReady reports whether every OutputTask declared for a job has a
// filled source output, i.e. the job's result is complete and the job may
// be promoted to JobSuccess.
func JobOutputsReady(outputTasks []OutputTask, outputs []TaskOutput) bool {
	byKey := make(map[uuid.UUID]map[int]TaskOutput, len(outputs))
	for _, o := range outputs {
		if byKey[o.TaskID] == nil {
			byKey[o.TaskID] = make(map[int]TaskOutput)
		}
		byKey[o.TaskID][o.Position] = o
	}
	for _, ot := range outputTasks {
		positions, ok := byKey[ot.TaskID]
		if !ok {
			return false
		}
		out, ok := positions[ot.Position]
		if !ok || !out.Filled() {
			return false
		}
	}
	return true
}

// ResetJobOutcome is what reset_job must persist: every task in the job
// rewound to Ready/Pending with its retry count advanced, plus the subset of
// TaskInputs that must be cleared back to unfilled (those sourced from
// another task's output — literal inputs are untouched and survive the
// reset).
type ResetJobOutcome struct {
	Tasks  []Task
	Inputs []TaskInput
}

// ResetJob rewinds an entire job for re-execution, per §4.1 reset_job: every
// task's retry count must still be below its max (checked atomically across
// the whole job — reset_job either advances all of them or none, since it
// "exclusively advances monotonically bounded retry counts"), then every
// task's retry count is incremented (never cleared — unbounded re-retry is
// explicitly forbidden), every task is reset to Ready (no producer-sourced
// inputs) or Pending (waiting on a producer), and every producer-sourced
// input is cleared back to unfilled so a rerun doesn't observe stale outputs
// from the previous attempt. Callers must also clear the job's TaskOutput
// rows, which ResetJob has no visibility into.
func ResetJob(tasks []Task, inputs []TaskInput) (ResetJobOutcome, error) {
	for _, t := range tasks {
		if t.RetryCount >= t.MaxRetry {
			return ResetJobOutcome{}, fmt.Errorf("task %s has exhausted its retries (%d/%d)", t.ID, t.RetryCount, t.MaxRetry)
		}
	}

	hasProducerInput := make(map[uuid.UUID]bool, len(tasks))
	for _, in := range inputs {
		if in.Ref.ProducerTask != nil {
			hasProducerInput[in.TaskID] = true
		}
	}

	resetTasks := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		t.RetryCount++
		t.BoundInstance = nil
		if hasProducerInput[t.ID] {
			t.State = TaskPending
		} else {
			t.State = TaskReady
		}
		resetTasks = append(resetTasks, t)
	}

	clearedInputs := make([]TaskInput, 0, len(inputs))
	for _, in := range inputs {
		if in.Ref.ProducerTask == nil {
			continue
		}
		in.Ref.Value = nil
		in.Ref.DataID = nil
		in.Ref.TypeTag = ""
		clearedInputs = append(clearedInputs, in)
	}

	return ResetJobOutcome{Tasks: resetTasks, Inputs: clearedInputs}, nil
}

// AllTasksTerminal reports whether every task in a job has reached Success,
// Fail, or Cancel, i.e. none remain Pending, Ready, or Running (I4/§8:
// count(pending|ready|running)=0 <=> state != running). task_finish ANDs
// this with JobOutputsReady before promoting a job to Success, so a task
// outside the declared output set that is still running can't leave the job
// marked Success while work remains.
func AllTasksTerminal(tasks []Task) bool {
	for _, t := range tasks {
		switch t.State {
		case TaskPending, TaskReady, TaskRunning:
			return false
		}
	}
	return true
}

// CancelDownstream returns the ids of every task reachable from
// startTasks via the dependency edges (inclusive of startTasks themselves)
// that is not already in a terminal state. cancel_job uses this to mark an
// entire remaining subgraph TaskCancel in one pass (§4.1).
func CancelDownstream(tasks []Task, deps []TaskDependency, startTasks []uuid.UUID) []uuid.UUID {
	children := make(map[uuid.UUID][]uuid.UUID, len(deps))
	for _, d := range deps {
		children[d.Parent] = append(children[d.Parent], d.Child)
	}
	states := make(map[uuid.UUID]TaskState, len(tasks))
	for _, t := range tasks {
		states[t.ID] = t.State
	}

	seen := make(map[uuid.UUID]struct{})
	queue := append([]uuid.UUID{}, startTasks...)
	var result []uuid.UUID
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		switch states[id] {
		case TaskSuccess, TaskFail, TaskCancel:
			continue
		}
		result = append(result, id)
		queue = append(queue, children[id]...)
	}
	return result
}
