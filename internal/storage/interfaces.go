package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/y-scope/spider-go/internal/core"
)

// JobSubmissionBatch is the full set of rows AddJob must persist atomically
// (§4.1 add_job): the topologically-ordered tasks plus their dependencies,
// inputs, outputs, and job-boundary declarations.
type JobSubmissionBatch struct {
	Job         core.Job
	Tasks       []core.Task
	Deps        []core.TaskDependency
	Inputs      []core.TaskInput
	Outputs     []core.TaskOutput
	InputTasks  []core.InputTask
	OutputTasks []core.OutputTask
}

// MetadataStore owns every entity in §3a's metadata half: Driver,
// Scheduler, Job, Task and its inputs/outputs/dependencies, TaskInstance,
// SchedulerLease, KVData, and JobError. Every method returns a *StorageErr
// on failure.
type MetadataStore interface {
	// Driver / heartbeats (§4.5, §4.7)
	RegisterDriver(ctx context.Context, d core.Driver) error
	Heartbeat(ctx context.Context, driverID uuid.UUID, at time.Time) error
	ListStaleDrivers(ctx context.Context, olderThan time.Time) ([]core.Driver, error)
	RemoveDriver(ctx context.Context, driverID uuid.UUID) error

	// Scheduler registry
	RegisterScheduler(ctx context.Context, s core.Scheduler) error
	GetScheduler(ctx context.Context, id uuid.UUID) (core.Scheduler, error)
	RemoveScheduler(ctx context.Context, id uuid.UUID) error

	// Job submission and lifecycle (§4.1)
	AddJob(ctx context.Context, batch JobSubmissionBatch) error
	GetJob(ctx context.Context, jobID uuid.UUID) (core.Job, error)
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (core.JobState, error)
	SetJobState(ctx context.Context, jobID uuid.UUID, state core.JobState) error
	GetTaskGraph(ctx context.Context, jobID uuid.UUID) (core.Graph, error)
	RecordJobError(ctx context.Context, e core.JobError) error
	// GetJobMessage returns the (function_name, message) pair recorded for
	// jobID's terminal Fail or Cancel, or a KeyNotFoundErr StorageErr if the
	// job never recorded one (§6.1's get_job_message).
	GetJobMessage(ctx context.Context, jobID uuid.UUID) (core.JobError, error)
	ResetJob(ctx context.Context, jobID uuid.UUID) error
	CancelJob(ctx context.Context, jobID uuid.UUID) error

	// Task state transitions (§4.1)
	GetReadyTasks(ctx context.Context, limit int, leaseTTL time.Duration) ([]core.Task, error)
	TaskFinish(ctx context.Context, taskID uuid.UUID, instanceID uuid.UUID, outputs []core.TaskOutput) error
	TaskFail(ctx context.Context, taskID uuid.UUID, instanceID uuid.UUID, message string) error
	ListTimedOutInstances(ctx context.Context, now time.Time) ([]core.TaskInstance, error)

	// Leases (§4.2/§4.3, I6)
	AcquireLease(ctx context.Context, schedulerID, taskID uuid.UUID, at time.Time) (core.TaskInstance, error)
	ReleaseLease(ctx context.Context, schedulerID, taskID uuid.UUID) error
	EvictStaleLeases(ctx context.Context, olderThan time.Time) (int, error)

	// KV namespace
	PutKV(ctx context.Context, kv core.KVData) error
	GetKV(ctx context.Context, ownerKind core.KVOwnerKind, ownerID uuid.UUID, key string) ([]byte, error)

	Close() error
}

// DataStore owns §3a's data half: opaque Data blobs, their locality hints,
// and the reference rows that keep them alive (I5).
type DataStore interface {
	PutData(ctx context.Context, d core.Data) error
	GetData(ctx context.Context, id uuid.UUID) (core.Data, error)
	AddLocality(ctx context.Context, l core.DataLocality) error
	ListLocality(ctx context.Context, dataID uuid.UUID) ([]core.DataLocality, error)

	AddReference(ctx context.Context, ref core.DataRef) error
	RemoveReference(ctx context.Context, dataID uuid.UUID, ownerKind core.DataRefOwnerKind, ownerID uuid.UUID) error
	RemoveDanglingData(ctx context.Context) (int, error)

	Close() error
}
