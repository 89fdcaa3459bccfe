// Package boltmeta implements storage.MetadataStore on top of
// go.etcd.io/bbolt, grounded in the reference orchestrator's
// persistence.go: one bucket per entity kind, msgpack-encoded values, and
// otel-instrumented read/write/error counters. There is no read cache.
package boltmeta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-msgpack/v2/codec"
	bolt "go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/y-scope/spider-go/internal/core"
	"github.com/y-scope/spider-go/internal/storage"
)

var mh = &codec.MsgpackHandle{}

var (
	bucketDrivers       = []byte("drivers")
	bucketSchedulers    = []byte("schedulers")
	bucketJobs          = []byte("jobs")
	bucketTasks         = []byte("tasks")
	bucketJobTasks      = []byte("job_tasks")
	bucketDeps          = []byte("job_deps")
	bucketInputs        = []byte("task_inputs")
	bucketOutputs       = []byte("task_outputs")
	bucketInputTasks    = []byte("job_input_tasks")
	bucketOutputTasks   = []byte("job_output_tasks")
	bucketInstances     = []byte("task_instances")
	bucketRunningByTask = []byte("task_running_instance")
	bucketLeases        = []byte("scheduler_leases")
	bucketKV            = []byte("kv_data")
	bucketJobErrors     = []byte("job_errors")

	allBuckets = [][]byte{
		bucketDrivers, bucketSchedulers, bucketJobs, bucketTasks, bucketJobTasks,
		bucketDeps, bucketInputs, bucketOutputs, bucketInputTasks, bucketOutputTasks,
		bucketInstances, bucketRunningByTask, bucketLeases, bucketKV, bucketJobErrors,
	}
)

// Store is a MetadataStore backed by a single bbolt file.
type Store struct {
	db *bolt.DB

	mu    sync.RWMutex
	meter metric.Meter

	reads  metric.Int64Counter
	writes metric.Int64Counter
	errs   metric.Int64Counter
}

// Open opens (creating if absent) a bbolt database at path and ensures all
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, storage.New(storage.ConnectionErr, "open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, storage.New(storage.OtherErr, "open:init-buckets", err)
	}

	meter := otel.GetMeterProvider().Meter("spider/storage/boltmeta")
	reads, _ := meter.Int64Counter("spider_metadata_reads_total")
	writes, _ := meter.Int64Counter("spider_metadata_writes_total")
	errs, _ := meter.Int64Counter("spider_metadata_errors_total")

	return &Store{db: db, meter: meter, reads: reads, writes: writes, errs: errs}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return storage.New(storage.OtherErr, "close", err)
	}
	return nil
}

func encode(v interface{}) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, mh).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func decode(data []byte, out interface{}) error {
	return codec.NewDecoderBytes(data, mh).Decode(out)
}

func uuidKey(id uuid.UUID) []byte {
	b, _ := id.MarshalBinary()
	return b
}

func (s *Store) put(b []byte, key []byte, v interface{}) error {
	data, err := encode(v)
	if err != nil {
		return storage.New(storage.OtherErr, "encode", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b).Put(key, data)
	})
	if err != nil {
		s.errs.Add(context.Background(), 1)
		return storage.New(storage.ConnectionErr, "put", err)
	}
	s.writes.Add(context.Background(), 1)
	return nil
}

func (s *Store) get(b []byte, key []byte, out interface{}) error {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b).Get(key)
		if v == nil {
			return bolt.ErrBucketNotFound // sentinel substituted below
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err == bolt.ErrBucketNotFound {
		return storage.New(storage.KeyNotFoundErr, "get", nil)
	}
	if err != nil {
		s.errs.Add(context.Background(), 1)
		return storage.New(storage.ConnectionErr, "get", err)
	}
	s.reads.Add(context.Background(), 1)
	if err := decode(data, out); err != nil {
		return storage.New(storage.OtherErr, "decode", err)
	}
	return nil
}

func (s *Store) delete(b []byte, key []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b).Delete(key)
	})
	if err != nil {
		return storage.New(storage.ConnectionErr, "delete", err)
	}
	return nil
}

// --- Driver ---

func (s *Store) RegisterDriver(ctx context.Context, d core.Driver) error {
	return s.put(bucketDrivers, uuidKey(d.ID), d)
}

func (s *Store) Heartbeat(ctx context.Context, driverID uuid.UUID, at time.Time) error {
	var d core.Driver
	if err := s.get(bucketDrivers, uuidKey(driverID), &d); err != nil {
		return err
	}
	d.LastHeartbeat = at
	return s.put(bucketDrivers, uuidKey(driverID), d)
}

func (s *Store) ListStaleDrivers(ctx context.Context, olderThan time.Time) ([]core.Driver, error) {
	var out []core.Driver
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDrivers).ForEach(func(k, v []byte) error {
			var d core.Driver
			if err := decode(v, &d); err != nil {
				return err
			}
			if d.LastHeartbeat.Before(olderThan) {
				out = append(out, d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, storage.New(storage.OtherErr, "list-stale-drivers", err)
	}
	return out, nil
}

func (s *Store) RemoveDriver(ctx context.Context, driverID uuid.UUID) error {
	return s.delete(bucketDrivers, uuidKey(driverID))
}

// --- Scheduler ---

func (s *Store) RegisterScheduler(ctx context.Context, sch core.Scheduler) error {
	return s.put(bucketSchedulers, uuidKey(sch.ID), sch)
}

func (s *Store) GetScheduler(ctx context.Context, id uuid.UUID) (core.Scheduler, error) {
	var sch core.Scheduler
	err := s.get(bucketSchedulers, uuidKey(id), &sch)
	return sch, err
}

func (s *Store) RemoveScheduler(ctx context.Context, id uuid.UUID) error {
	return s.delete(bucketSchedulers, uuidKey(id))
}

// --- Job submission & lifecycle ---

// AddJob persists an entire JobSubmissionBatch in one bbolt transaction
// (§4.1 add_job): every task/dep/input/output row is written, or none are.
func (s *Store) AddJob(ctx context.Context, batch storage.JobSubmissionBatch) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		jobData, err := encode(batch.Job)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketJobs).Put(uuidKey(batch.Job.ID), jobData); err != nil {
			return err
		}

		taskIDs := make([]uuid.UUID, 0, len(batch.Tasks))
		for _, t := range batch.Tasks {
			if t.CreationTime.IsZero() {
				t.CreationTime = batch.Job.CreationTime
			}
			taskIDs = append(taskIDs, t.ID)
			data, err := encode(t)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketTasks).Put(uuidKey(t.ID), data); err != nil {
				return err
			}
		}
		if err := putEncoded(tx, bucketJobTasks, uuidKey(batch.Job.ID), taskIDs); err != nil {
			return err
		}
		if err := putEncoded(tx, bucketDeps, uuidKey(batch.Job.ID), batch.Deps); err != nil {
			return err
		}
		if err := putEncoded(tx, bucketInputTasks, uuidKey(batch.Job.ID), batch.InputTasks); err != nil {
			return err
		}
		if err := putEncoded(tx, bucketOutputTasks, uuidKey(batch.Job.ID), batch.OutputTasks); err != nil {
			return err
		}

		inputsByTask := groupInputs(batch.Inputs)
		for taskID, ins := range inputsByTask {
			if err := putEncoded(tx, bucketInputs, uuidKey(taskID), ins); err != nil {
				return err
			}
		}
		outputsByTask := groupOutputs(batch.Outputs)
		for taskID, outs := range outputsByTask {
			if err := putEncoded(tx, bucketOutputs, uuidKey(taskID), outs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storage.New(storage.ConnectionErr, "add-job", err)
	}
	return nil
}

func putEncoded(tx *bolt.Tx, bucket []byte, key []byte, v interface{}) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(key, data)
}

func groupInputs(inputs []core.TaskInput) map[uuid.UUID][]core.TaskInput {
	out := make(map[uuid.UUID][]core.TaskInput)
	for _, in := range inputs {
		out[in.TaskID] = append(out[in.TaskID], in)
	}
	return out
}

func groupOutputs(outputs []core.TaskOutput) map[uuid.UUID][]core.TaskOutput {
	out := make(map[uuid.UUID][]core.TaskOutput)
	for _, o := range outputs {
		out[o.TaskID] = append(out[o.TaskID], o)
	}
	return out
}

func (s *Store) GetJob(ctx context.Context, jobID uuid.UUID) (core.Job, error) {
	var j core.Job
	err := s.get(bucketJobs, uuidKey(jobID), &j)
	return j, err
}

func (s *Store) GetJobStatus(ctx context.Context, jobID uuid.UUID) (core.JobState, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return j.State, nil
}

func (s *Store) SetJobState(ctx context.Context, jobID uuid.UUID, state core.JobState) error {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	j.State = state
	return s.put(bucketJobs, uuidKey(jobID), j)
}

// GetTaskGraph reassembles a job's full Graph from its per-job and per-task
// buckets, for client inspection and for reset_job/cancel_job logic.
func (s *Store) GetTaskGraph(ctx context.Context, jobID uuid.UUID) (core.Graph, error) {
	var g core.Graph
	err := s.db.View(func(tx *bolt.Tx) error {
		var taskIDs []uuid.UUID
		if err := getEncoded(tx, bucketJobTasks, uuidKey(jobID), &taskIDs); err != nil {
			return err
		}
		for _, id := range taskIDs {
			var t core.Task
			raw := tx.Bucket(bucketTasks).Get(uuidKey(id))
			if raw == nil {
				return fmt.Errorf("dangling task reference %s in job %s", id, jobID)
			}
			if err := decode(raw, &t); err != nil {
				return err
			}
			g.Tasks = append(g.Tasks, t)

			var ins []core.TaskInput
			if raw := tx.Bucket(bucketInputs).Get(uuidKey(id)); raw != nil {
				if err := decode(raw, &ins); err != nil {
					return err
				}
				g.Inputs = append(g.Inputs, ins...)
			}
			var outs []core.TaskOutput
			if raw := tx.Bucket(bucketOutputs).Get(uuidKey(id)); raw != nil {
				if err := decode(raw, &outs); err != nil {
					return err
				}
				g.Outputs = append(g.Outputs, outs...)
			}
		}
		if err := getEncoded(tx, bucketDeps, uuidKey(jobID), &g.Dependencies); err != nil {
			return err
		}
		if err := getEncoded(tx, bucketInputTasks, uuidKey(jobID), &g.InputTasks); err != nil {
			return err
		}
		if err := getEncoded(tx, bucketOutputTasks, uuidKey(jobID), &g.OutputTasks); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return core.Graph{}, storage.New(storage.OtherErr, "get-task-graph", err)
	}
	return g, nil
}

// getEncoded reads and decodes an optional bucket entry; a missing key
// decodes as the zero value of out rather than an error, since not every
// job declares deps/input-tasks/output-tasks.
func getEncoded(tx *bolt.Tx, bucket []byte, key []byte, out interface{}) error {
	raw := tx.Bucket(bucket).Get(key)
	if raw == nil {
		return nil
	}
	return decode(raw, out)
}

func (s *Store) RecordJobError(ctx context.Context, e core.JobError) error {
	var existing []core.JobError
	_ = s.get(bucketJobErrors, uuidKey(e.JobID), &existing)
	existing = append(existing, e)
	return s.put(bucketJobErrors, uuidKey(e.JobID), existing)
}

// GetJobMessage returns the most recent JobError recorded for jobID. A job
// can accumulate more than one (e.g. a terminal task failure or an abort in
// each run across reset_job reruns); the last one recorded is the one that
// actually ended the job, matching get_job_message's single-pair contract.
func (s *Store) GetJobMessage(ctx context.Context, jobID uuid.UUID) (core.JobError, error) {
	var existing []core.JobError
	if err := s.get(bucketJobErrors, uuidKey(jobID), &existing); err != nil {
		return core.JobError{}, err
	}
	if len(existing) == 0 {
		return core.JobError{}, storage.New(storage.KeyNotFoundErr, "get-job-message", fmt.Errorf("no job error recorded for job %s", jobID))
	}
	return existing[len(existing)-1], nil
}

// ResetJob rewinds every task in jobID for another attempt (§4.1
// reset_job): core.ResetJob decides the bounded retry increments and the
// Ready/Pending split, and checks every task's retry budget atomically
// before any of it is written. ResetJob additionally clears every task's
// TaskOutput rows, which core.ResetJob has no visibility into, so a rerun
// never observes an output the prior attempt left behind.
func (s *Store) ResetJob(ctx context.Context, jobID uuid.UUID) error {
	g, err := s.GetTaskGraph(ctx, jobID)
	if err != nil {
		return err
	}
	outcome, err := core.ResetJob(g.Tasks, g.Inputs)
	if err != nil {
		return storage.New(storage.ConstraintViolationErr, "reset-job", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		for _, t := range outcome.Tasks {
			if err := putEncoded(tx, bucketTasks, uuidKey(t.ID), t); err != nil {
				return err
			}
		}
		clearedByTask := groupInputs(outcome.Inputs)
		for _, t := range g.Tasks {
			cleared, ok := clearedByTask[t.ID]
			if !ok {
				continue
			}
			var current []core.TaskInput
			if raw := tx.Bucket(bucketInputs).Get(uuidKey(t.ID)); raw != nil {
				if err := decode(raw, &current); err != nil {
					return err
				}
			}
			merged := mergeInputs(current, cleared)
			if err := putEncoded(tx, bucketInputs, uuidKey(t.ID), merged); err != nil {
				return err
			}
		}
		for _, t := range g.Tasks {
			if err := tx.Bucket(bucketOutputs).Delete(uuidKey(t.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storage.New(storage.ConnectionErr, "reset-job", err)
	}
	return s.SetJobState(ctx, jobID, core.JobRunning)
}

// CancelJob marks every non-terminal task reachable from the job's current
// running/ready/pending frontier as TaskCancel and the job itself as
// JobCancel (§4.1 cancel_job).
func (s *Store) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	g, err := s.GetTaskGraph(ctx, jobID)
	if err != nil {
		return err
	}
	var frontier []uuid.UUID
	for _, t := range g.Tasks {
		frontier = append(frontier, t.ID)
	}
	toCancel := core.CancelDownstream(g.Tasks, g.Dependencies, frontier)
	byID := make(map[uuid.UUID]core.Task, len(g.Tasks))
	for _, t := range g.Tasks {
		byID[t.ID] = t
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range toCancel {
			t := byID[id]
			t.State = core.TaskCancel
			if err := putEncoded(tx, bucketTasks, uuidKey(id), t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storage.New(storage.ConnectionErr, "cancel-job", err)
	}
	return s.SetJobState(ctx, jobID, core.JobCancel)
}

// --- Task state transitions ---

// GetReadyTasks scans all tasks for TaskReady rows not currently covered by
// a fresh SchedulerLease, opportunistically evicting any stale lease it
// encounters along the way (§4.2/§4.7's "opportunistic" eviction path). It
// also surfaces TaskRunning rows whose in-flight instance(s) have exceeded
// their timeout: §4.1 timeout-promotion reports these as newly eligible for
// re-dispatch rather than failing them, so AcquireLease can hand out a
// speculative additional instance and let the first to finish win (I3).
func (s *Store) GetReadyTasks(ctx context.Context, limit int, leaseTTL time.Duration) ([]core.Task, error) {
	var out []core.Task
	now := time.Now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var t core.Task
			if err := decode(v, &t); err != nil {
				return err
			}
			switch t.State {
			case core.TaskReady:
				if leaseRaw := tx.Bucket(bucketLeases).Get(k); leaseRaw != nil {
					var lease core.SchedulerLease
					if err := decode(leaseRaw, &lease); err != nil {
						return err
					}
					if !lease.Stale(now, leaseTTL) {
						return nil // actively leased elsewhere
					}
					if err := tx.Bucket(bucketLeases).Delete(k); err != nil {
						return err
					}
				}
				out = append(out, t)
			case core.TaskRunning:
				timedOut, err := hasTimedOutInstance(tx, t, now)
				if err != nil {
					return err
				}
				if !timedOut {
					return nil
				}
				if leaseRaw := tx.Bucket(bucketLeases).Get(k); leaseRaw != nil {
					var lease core.SchedulerLease
					if err := decode(leaseRaw, &lease); err != nil {
						return err
					}
					if !lease.Stale(now, leaseTTL) {
						return nil // a speculative re-dispatch was already handed out recently
					}
					if err := tx.Bucket(bucketLeases).Delete(k); err != nil {
						return err
					}
				}
				out = append(out, t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, storage.New(storage.OtherErr, "get-ready-tasks", err)
	}
	return out, nil
}

// hasTimedOutInstance reports whether any instance currently tracked as
// running for t has exceeded t's configured timeout.
func hasTimedOutInstance(tx *bolt.Tx, t core.Task, now time.Time) (bool, error) {
	var ids []uuid.UUID
	if err := getEncoded(tx, bucketRunningByTask, uuidKey(t.ID), &ids); err != nil {
		return false, err
	}
	for _, id := range ids {
		raw := tx.Bucket(bucketInstances).Get(uuidKey(id))
		if raw == nil {
			continue
		}
		var inst core.TaskInstance
		if err := decode(raw, &inst); err != nil {
			return false, err
		}
		if core.TimedOut(t, inst.StartTime, now) {
			return true, nil
		}
	}
	return false, nil
}

// removeRunningInstance drops instanceID from t's tracked in-flight
// instance list, leaving any other still-running speculative instances
// tracked (a losing instance's resolution must not stop GetReadyTasks from
// noticing a sibling instance has also timed out).
func removeRunningInstance(tx *bolt.Tx, taskID, instanceID uuid.UUID) error {
	var ids []uuid.UUID
	if err := getEncoded(tx, bucketRunningByTask, uuidKey(taskID), &ids); err != nil {
		return err
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != instanceID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		return tx.Bucket(bucketRunningByTask).Delete(uuidKey(taskID))
	}
	return putEncoded(tx, bucketRunningByTask, uuidKey(taskID), kept)
}

// TaskFinish marks taskID success, records its instance's outputs, fills
// every dependent TaskInput across the job, and promotes newly-unblocked
// tasks to TaskReady — all in one transaction (§4.1 task_finish).
func (s *Store) TaskFinish(ctx context.Context, taskID uuid.UUID, instanceID uuid.UUID, outputs []core.TaskOutput) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTasks).Get(uuidKey(taskID))
		if raw == nil {
			return fmt.Errorf("task %s not found", taskID)
		}
		var t core.Task
		if err := decode(raw, &t); err != nil {
			return err
		}
		if t.State != core.TaskRunning || t.BoundInstance != nil {
			// I3: exactly one instance may satisfy a task. A second finish
			// (a losing speculative instance, or a duplicate report) must
			// leave the existing binding and outputs untouched.
			return nil
		}
		t.State = core.TaskSuccess
		bound := instanceID
		t.BoundInstance = &bound
		if err := putEncoded(tx, bucketTasks, uuidKey(taskID), t); err != nil {
			return err
		}
		if err := putEncoded(tx, bucketOutputs, uuidKey(taskID), outputs); err != nil {
			return err
		}
		if err := tx.Bucket(bucketLeases).Delete(uuidKey(taskID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketRunningByTask).Delete(uuidKey(taskID)); err != nil {
			return err
		}

		var jobTaskIDs []uuid.UUID
		if err := getEncoded(tx, bucketJobTasks, uuidKey(t.JobID), &jobTaskIDs); err != nil {
			return err
		}
		var allTasks []core.Task
		var allInputs []core.TaskInput
		taskByID := make(map[uuid.UUID]*core.Task, len(jobTaskIDs))
		for _, id := range jobTaskIDs {
			var other core.Task
			raw := tx.Bucket(bucketTasks).Get(uuidKey(id))
			if raw == nil {
				continue
			}
			if err := decode(raw, &other); err != nil {
				return err
			}
			if id == taskID {
				other = t
			}
			allTasks = append(allTasks, other)
			stored := other
			taskByID[id] = &stored

			var ins []core.TaskInput
			if raw := tx.Bucket(bucketInputs).Get(uuidKey(id)); raw != nil {
				if err := decode(raw, &ins); err != nil {
					return err
				}
			}
			allInputs = append(allInputs, ins...)
		}

		filled := core.FillDependentInputs(taskID, outputs, allInputs)
		filledByTask := groupInputs(filled)
		for tid, ins := range filledByTask {
			var existing []core.TaskInput
			if raw := tx.Bucket(bucketInputs).Get(uuidKey(tid)); raw != nil {
				if err := decode(raw, &existing); err != nil {
					return err
				}
			}
			merged := mergeInputs(existing, ins)
			if err := putEncoded(tx, bucketInputs, uuidKey(tid), merged); err != nil {
				return err
			}
			for i, e := range allInputs {
				if e.TaskID == tid {
					for _, m := range merged {
						if m.Position == e.Position {
							allInputs[i] = m
						}
					}
				}
			}
		}

		ready := core.ComputeReady(allTasks, allInputs)
		readySet := make(map[uuid.UUID]struct{}, len(ready))
		for _, id := range ready {
			readySet[id] = struct{}{}
		}
		for _, rt := range allTasks {
			if _, ok := readySet[rt.ID]; !ok {
				continue
			}
			rt.State = core.TaskReady
			if err := putEncoded(tx, bucketTasks, uuidKey(rt.ID), rt); err != nil {
				return err
			}
		}

		var outputTasks []core.OutputTask
		if err := getEncoded(tx, bucketOutputTasks, uuidKey(t.JobID), &outputTasks); err != nil {
			return err
		}
		var allOutputs []core.TaskOutput
		for _, id := range jobTaskIDs {
			var outs []core.TaskOutput
			if raw := tx.Bucket(bucketOutputs).Get(uuidKey(id)); raw != nil {
				if err := decode(raw, &outs); err != nil {
					return err
				}
				allOutputs = append(allOutputs, outs...)
			}
		}
		if len(outputTasks) > 0 && core.JobOutputsReady(outputTasks, allOutputs) && core.AllTasksTerminal(allTasks) {
			var j core.Job
			if err := getEncoded(tx, bucketJobs, uuidKey(t.JobID), &j); err == nil {
				j.State = core.JobSuccess
				if err := putEncoded(tx, bucketJobs, uuidKey(t.JobID), j); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return storage.New(storage.ConnectionErr, "task-finish", err)
	}
	return nil
}

func mergeInputs(existing, updates []core.TaskInput) []core.TaskInput {
	byPos := make(map[int]core.TaskInput, len(existing))
	for _, e := range existing {
		byPos[e.Position] = e
	}
	for _, u := range updates {
		byPos[u.Position] = u
	}
	out := make([]core.TaskInput, 0, len(byPos))
	for _, v := range byPos {
		out = append(out, v)
	}
	return out
}

// TaskFail records a failed instance and either resets the task for another
// attempt (to ready if it has no producer-fed inputs, else to pending) or
// marks it (and the owning job) permanently failed (§4.1 task_fail, I3).
func (s *Store) TaskFail(ctx context.Context, taskID uuid.UUID, instanceID uuid.UUID, message string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTasks).Get(uuidKey(taskID))
		if raw == nil {
			return fmt.Errorf("task %s not found", taskID)
		}
		var t core.Task
		if err := decode(raw, &t); err != nil {
			return err
		}
		if t.State != core.TaskRunning {
			// the task already resolved via another instance (success, or a
			// prior terminal failure/retry): a late failure report from a
			// losing speculative instance must not reopen it (I3).
			return nil
		}

		var ins []core.TaskInput
		if raw := tx.Bucket(bucketInputs).Get(uuidKey(taskID)); raw != nil {
			if err := decode(raw, &ins); err != nil {
				return err
			}
		}
		hasProducerInput := false
		for _, in := range ins {
			if in.Ref.ProducerTask != nil {
				hasProducerInput = true
				break
			}
		}

		outcome := core.ApplyTaskFail(t, hasProducerInput)
		t.State = outcome.NextState
		t.RetryCount = outcome.RetryCount
		t.BoundInstance = nil
		if err := putEncoded(tx, bucketTasks, uuidKey(taskID), t); err != nil {
			return err
		}
		if err := tx.Bucket(bucketLeases).Delete(uuidKey(taskID)); err != nil {
			return err
		}
		if err := removeRunningInstance(tx, taskID, instanceID); err != nil {
			return err
		}
		if !outcome.Retry {
			var j core.Job
			if err := getEncoded(tx, bucketJobs, uuidKey(t.JobID), &j); err == nil {
				j.State = core.JobFail
				if err := putEncoded(tx, bucketJobs, uuidKey(t.JobID), j); err != nil {
					return err
				}
			}
			var errs []core.JobError
			if raw := tx.Bucket(bucketJobErrors).Get(uuidKey(t.JobID)); raw != nil {
				if err := decode(raw, &errs); err != nil {
					return err
				}
			}
			errs = append(errs, core.JobError{JobID: t.JobID, FunctionName: t.FunctionName, Message: message})
			if err := putEncoded(tx, bucketJobErrors, uuidKey(t.JobID), errs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storage.New(storage.ConnectionErr, "task-fail", err)
	}
	return nil
}

func (s *Store) ListTimedOutInstances(ctx context.Context, now time.Time) ([]core.TaskInstance, error) {
	var out []core.TaskInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var inst core.TaskInstance
			if err := decode(v, &inst); err != nil {
				return err
			}
			raw := tx.Bucket(bucketTasks).Get(uuidKey(inst.TaskID))
			if raw == nil {
				return nil
			}
			var t core.Task
			if err := decode(raw, &t); err != nil {
				return err
			}
			if t.State == core.TaskRunning && core.TimedOut(t, inst.StartTime, now) {
				out = append(out, inst)
			}
			return nil
		})
	})
	if err != nil {
		return nil, storage.New(storage.OtherErr, "list-timed-out-instances", err)
	}
	return out, nil
}

// --- Leases ---

// AcquireLease implements §6.1's create_task_instance: an atomic
// ready-or-timeout -> running+instance transition. A TaskReady task is
// transitioned to TaskRunning with its first instance; a TaskRunning task
// with a timed-out in-flight instance is handed an additional speculative
// instance without changing its state, per §4.1/§5's timeout-promotion
// re-dispatch (the first instance to finish wins, I3). Returns
// ConstraintViolationErr if the task is neither ready nor timed-out-running.
func (s *Store) AcquireLease(ctx context.Context, schedulerID, taskID uuid.UUID, at time.Time) (core.TaskInstance, error) {
	var inst core.TaskInstance
	err := s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTasks).Get(uuidKey(taskID))
		if raw == nil {
			return &storage.StorageErr{Code: storage.KeyNotFoundErr, Op: "acquire-lease"}
		}
		var t core.Task
		if err := decode(raw, &t); err != nil {
			return err
		}

		switch t.State {
		case core.TaskReady:
			t.State = core.TaskRunning
		case core.TaskRunning:
			timedOut, err := hasTimedOutInstance(tx, t, at)
			if err != nil {
				return err
			}
			if !timedOut {
				return &storage.StorageErr{Code: storage.ConstraintViolationErr, Op: "acquire-lease"}
			}
		default:
			return &storage.StorageErr{Code: storage.ConstraintViolationErr, Op: "acquire-lease"}
		}

		inst = core.TaskInstance{ID: uuid.New(), TaskID: taskID, StartTime: at}
		if err := putEncoded(tx, bucketTasks, uuidKey(taskID), t); err != nil {
			return err
		}
		if err := putEncoded(tx, bucketInstances, uuidKey(inst.ID), inst); err != nil {
			return err
		}
		var runningIDs []uuid.UUID
		if err := getEncoded(tx, bucketRunningByTask, uuidKey(taskID), &runningIDs); err != nil {
			return err
		}
		runningIDs = append(runningIDs, inst.ID)
		if err := putEncoded(tx, bucketRunningByTask, uuidKey(taskID), runningIDs); err != nil {
			return err
		}
		lease := core.SchedulerLease{SchedulerID: schedulerID, TaskID: taskID, LeaseTime: at}
		return putEncoded(tx, bucketLeases, uuidKey(taskID), lease)
	})
	if se, ok := err.(*storage.StorageErr); ok {
		return core.TaskInstance{}, se
	}
	if err != nil {
		return core.TaskInstance{}, storage.New(storage.ConnectionErr, "acquire-lease", err)
	}
	return inst, nil
}

func (s *Store) ReleaseLease(ctx context.Context, schedulerID, taskID uuid.UUID) error {
	return s.delete(bucketLeases, uuidKey(taskID))
}

// EvictStaleLeases is the cron-scheduled belt-and-braces sweep (SPEC_FULL
// §4.8): it deletes every lease older than olderThan regardless of whether
// a scheduler is actively polling get_ready_tasks.
func (s *Store) EvictStaleLeases(ctx context.Context, olderThan time.Time) (int, error) {
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		var staleKeys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var lease core.SchedulerLease
			if err := decode(v, &lease); err != nil {
				return err
			}
			if lease.LeaseTime.Before(olderThan) {
				staleKeys = append(staleKeys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range staleKeys {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, storage.New(storage.OtherErr, "evict-stale-leases", err)
	}
	return n, nil
}

// --- KV ---

func kvKey(ownerKind core.KVOwnerKind, ownerID uuid.UUID, key string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s", ownerKind, ownerID, key))
}

func (s *Store) PutKV(ctx context.Context, kv core.KVData) error {
	return s.put(bucketKV, kvKey(kv.OwnerKind, kv.OwnerID, kv.Key), kv.Value)
}

func (s *Store) GetKV(ctx context.Context, ownerKind core.KVOwnerKind, ownerID uuid.UUID, key string) ([]byte, error) {
	var v []byte
	err := s.get(bucketKV, kvKey(ownerKind, ownerID, key), &v)
	return v, err
}
