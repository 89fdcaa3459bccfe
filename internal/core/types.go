// Package core holds the durable data model of a Spider task graph and the
// pure (storage-independent) logic that advances it: topological ordering at
// submission, readiness propagation on finish, and failure/retry resets.
//
// Nothing in this package talks to a database. internal/storage adapters own
// the transactions; they call into core for the decisions those transactions
// must make atomically.
package core

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the terminal/non-terminal state of a Job.
type JobState string

const (
	JobRunning  JobState = "running"
	JobSuccess  JobState = "success"
	JobCancel   JobState = "cancel"
	JobFail     JobState = "fail"
)

// TaskState is a Task's position in the state machine described in §4.1.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskReady   TaskState = "ready"
	TaskRunning TaskState = "running"
	TaskSuccess TaskState = "success"
	TaskFail    TaskState = "fail"
	TaskCancel  TaskState = "cancel"
)

// Language identifies the runtime a task's function body executes under.
type Language string

const (
	LanguageNative Language = "native"
	LanguagePython Language = "python"
)

// Driver is a client or worker process identity, kept alive by heartbeats.
type Driver struct {
	ID            uuid.UUID
	LastHeartbeat time.Time
}

// Scheduler is a running scheduler server instance, owned by a Driver.
type Scheduler struct {
	ID       uuid.UUID
	DriverID uuid.UUID
	Address  string
	Port     int
}

// Job is a submitted task DAG with a client owner and a terminal state.
type Job struct {
	ID           uuid.UUID
	ClientID     uuid.UUID
	CreationTime time.Time
	State        JobState
}

// Task is a node in a job's DAG: a registered function invocation with typed
// inputs/outputs, retry bookkeeping, and an optional bound instance.
type Task struct {
	ID             uuid.UUID
	JobID          uuid.UUID
	FunctionName   string
	Language       Language
	State          TaskState
	TimeoutSeconds float64 // 0 = none
	MaxRetry       int
	RetryCount     int
	BoundInstance  *uuid.UUID // non-nil iff State == TaskSuccess
	HardLocality   []string
	SoftLocality   []string

	// CreationTime is inherited from the owning Job at add_job time. The
	// FIFO policy orders ready tasks by this field, oldest first, per
	// §4.2's "oldest job creation time" tie-break.
	CreationTime time.Time
}

// ValueRef is the union the spec describes for TaskInput/TaskOutput: either a
// literal value, a reference to another task's output position, or a
// reference into the blob store. A producer-fed input keeps its Producer
// reference after it is filled, so it then carries Value or DataID as well;
// which fields are set is kept consistent by the engine, not by the type
// system (mirrors the source's loosely-typed storage rows).
type ValueRef struct {
	TypeTag string

	// Literal payload, set at submission or filled in by a producer finish.
	Value []byte
	// DataID, set when the value is stored out-of-line in the blob store.
	DataID *uuid.UUID

	// Producer reference: this input is filled by (ProducerTask,
	// ProducerPosition)'s output once that task finishes. Nil for inputs
	// supplied as literals at submission.
	ProducerTask     *uuid.UUID
	ProducerPosition int
}

// Filled reports whether this value has been supplied, either as a literal
// or as a data reference. A ValueRef that still only carries a producer
// pointer (and no value/data yet) is not filled.
func (v ValueRef) Filled() bool {
	return v.Value != nil || v.DataID != nil
}

// TaskInput is (task_id, position) with Filled() becoming true either at
// submission (literal) or when its producer task finishes.
type TaskInput struct {
	TaskID   uuid.UUID
	Position int
	Ref      ValueRef
}

// TaskOutput is (task_id, position), filled when the task finishes.
type TaskOutput struct {
	TaskID   uuid.UUID
	Position int
	TypeTag  string
	Value    []byte
	DataID   *uuid.UUID
}

// Filled reports whether the output has been written by a finish call.
func (o TaskOutput) Filled() bool {
	return o.Value != nil || o.DataID != nil
}

// TaskDependency is an immutable DAG edge set at submission.
type TaskDependency struct {
	Parent uuid.UUID
	Child  uuid.UUID
}

// InputTask declares that a job's Nth initial input feeds task_id's
// position-th TaskInput.
type InputTask struct {
	JobID    uuid.UUID
	TaskID   uuid.UUID
	Position int
}

// OutputTask declares that task_id's position-th TaskOutput is (part of) the
// job's result.
type OutputTask struct {
	JobID    uuid.UUID
	TaskID   uuid.UUID
	Position int
}

// TaskInstance is one execution attempt of a task.
type TaskInstance struct {
	ID        uuid.UUID
	TaskID    uuid.UUID
	StartTime time.Time
}

// SchedulerLease is a short-lived claim that a scheduler handed task_id to a
// worker and is awaiting completion.
type SchedulerLease struct {
	SchedulerID uuid.UUID
	TaskID      uuid.UUID
	LeaseTime   time.Time
}

// Stale reports whether the lease is older than the configured TTL as of
// "now" (I6).
func (l SchedulerLease) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.LeaseTime) >= ttl
}

// Data is a user-facing opaque blob with locality hints (DataStore-owned).
type Data struct {
	ID           uuid.UUID
	Value        []byte
	HardLocality bool
}

// DataLocality records an address hint for where a Data's value lives/was
// produced; zero-or-more per datum.
type DataLocality struct {
	DataID  uuid.UUID
	Address string
}

// DataRefOwnerKind distinguishes the two kinds of DataRef owners.
type DataRefOwnerKind string

const (
	DataRefDriver DataRefOwnerKind = "driver"
	DataRefTask   DataRefOwnerKind = "task"
)

// DataRef is an explicit reference keeping a Data row alive (I5).
type DataRef struct {
	DataID    uuid.UUID
	OwnerKind DataRefOwnerKind
	OwnerID   uuid.UUID
}

// KVOwnerKind distinguishes client- and task-scoped KV namespaces.
type KVOwnerKind string

const (
	KVOwnerClient KVOwnerKind = "client"
	KVOwnerTask   KVOwnerKind = "task"
)

// KVData is a simple scoped key-value row.
type KVData struct {
	OwnerKind KVOwnerKind
	OwnerID   uuid.UUID
	Key       string
	Value     []byte
}

// JobError records why a job ended in Fail or Cancel.
type JobError struct {
	JobID        uuid.UUID
	FunctionName string
	Message      string
}

// Graph is the client-submitted shape of a job: tasks plus their
// dependencies, inputs, and outputs, before any ids are assigned durable
// ordering. It is the unit accepted by AddJob / returned by GetTaskGraph.
type Graph struct {
	Tasks        []Task
	Dependencies []TaskDependency
	Inputs       []TaskInput
	Outputs      []TaskOutput
	InputTasks   []InputTask
	OutputTasks  []OutputTask
}
