package scheduler

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/y-scope/spider-go/internal/codec"
	"github.com/y-scope/spider-go/internal/core"
	"github.com/y-scope/spider-go/internal/idgen"
	"github.com/y-scope/spider-go/internal/storage"
)

// outOfLineThreshold is the output size above which handleFinish stores the
// value in DataStore instead of inlining it in the metadata row, so a large
// blob doesn't bloat bbolt's single-file b-tree (§3a's storage split).
const outOfLineThreshold = 4096

// Wire message tags for the scheduler<->worker TCP protocol (§6.2).
const (
	TagLeaseRequest = "lease_request"
	TagLeaseGrant   = "lease_grant"
	TagLeaseEmpty   = "lease_empty"
	TagTaskFinish   = "task_finish"
	TagTaskFail     = "task_fail"
	TagTaskAbort    = "task_abort"
	TagAck          = "ack"
)

// LeaseRequest is sent by a worker polling for work.
type LeaseRequest struct {
	WorkerAddr string
	Tags       []string
}

// LeaseGrant is the scheduler's response handing a task to a worker.
type LeaseGrant struct {
	TaskID       uuid.UUID
	JobID        uuid.UUID
	InstanceID   uuid.UUID
	FunctionName string
	Inputs       []codec.OutputValue
}

// FinishReport is sent by a worker after a task instance completes.
type FinishReport struct {
	TaskID     uuid.UUID
	JobID      uuid.UUID
	InstanceID uuid.UUID
	Outputs    []codec.OutputValue
}

// FailReport is sent by a worker after a task instance fails.
type FailReport struct {
	TaskID     uuid.UUID
	JobID      uuid.UUID
	InstanceID uuid.UUID
	Message    string
}

// AbortReport is sent by a worker when a task called abort(message) itself
// (§8's "Cancellation from task" scenario): unlike FailReport it cancels the
// whole job, not just this task.
type AbortReport struct {
	TaskID       uuid.UUID
	JobID        uuid.UUID
	InstanceID   uuid.UUID
	FunctionName string
	Message      string
}

// nFail is the number of consecutive storage-connection failures a
// scheduler tolerates before self-stopping (§4.3).
const nFail = 5

// Server is the scheduler TCP server: an accept loop handling worker lease
// requests/reports, a 1s driver-heartbeat loop, and a periodic
// dangling-data cleanup tick, run as three concurrent loops per §4.3.
type Server struct {
	id      uuid.UUID
	driverID uuid.UUID
	addr    string

	meta MetadataFull
	data DataAccess

	policy *FIFOPolicy
	tracer trace.Tracer

	leaseGrants metric.Int64Counter
	leaseEmpty  metric.Int64Counter

	notify Notifier

	mu           sync.Mutex
	consecFails  int
	stopRequested atomic.Bool
}

// MetadataFull is the slice of storage.MetadataStore the server needs
// beyond the read-only MetadataReader FIFOPolicy uses.
type MetadataFull interface {
	MetadataReader
	Heartbeat(ctx context.Context, driverID uuid.UUID, at time.Time) error
	AcquireLease(ctx context.Context, schedulerID, taskID uuid.UUID, at time.Time) (core.TaskInstance, error)
	TaskFinish(ctx context.Context, taskID uuid.UUID, instanceID uuid.UUID, outputs []core.TaskOutput) error
	TaskFail(ctx context.Context, taskID uuid.UUID, instanceID uuid.UUID, message string) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (core.JobState, error)
	GetTaskGraph(ctx context.Context, jobID uuid.UUID) (core.Graph, error)
	RecordJobError(ctx context.Context, e core.JobError) error
	CancelJob(ctx context.Context, jobID uuid.UUID) error
}

// DataGC is the slice of storage.DataStore the server's periodic sweep
// needs.
type DataGC interface {
	RemoveDanglingData(ctx context.Context) (int, error)
}

// DataAccess is the slice of storage.DataStore the server needs to move a
// large task output out of the metadata store (§3a, §6.1's add_task_data/
// get_data/add_task_reference).
type DataAccess interface {
	DataGC
	PutData(ctx context.Context, d core.Data) error
	GetData(ctx context.Context, id uuid.UUID) (core.Data, error)
	AddReference(ctx context.Context, ref core.DataRef) error
}

// Notifier publishes a job's terminal-state change (§6.6). A nil Notifier
// is valid: NewServer wires a no-op when NATS is not configured, so its
// absence never changes correctness, only observation latency.
type Notifier interface {
	NotifyJobStatus(ctx context.Context, jobID uuid.UUID, state core.JobState) error
}

type noopNotifier struct{}

func (noopNotifier) NotifyJobStatus(context.Context, uuid.UUID, core.JobState) error { return nil }

// NewServer constructs a Server. If notify is nil, a no-op Notifier is used.
func NewServer(id, driverID uuid.UUID, addr string, meta MetadataFull, data DataAccess, notify Notifier) *Server {
	if notify == nil {
		notify = noopNotifier{}
	}
	meter := otel.GetMeterProvider().Meter("spider/scheduler")
	leaseGrants, _ := meter.Int64Counter("spider_scheduler_lease_grants_total")
	leaseEmpty, _ := meter.Int64Counter("spider_scheduler_lease_empty_total")

	return &Server{
		id:          id,
		driverID:    driverID,
		addr:        addr,
		meta:        meta,
		data:        data,
		policy:      NewFIFOPolicy(meta),
		tracer:      otel.GetTracerProvider().Tracer("spider/scheduler"),
		leaseGrants: leaseGrants,
		leaseEmpty:  leaseEmpty,
		notify:      notify,
	}
}

// Run starts the accept loop and the two background loops (heartbeat,
// dangling-data GC), blocking until ctx is cancelled or the server
// self-stops after nFail consecutive storage failures.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("scheduler: listen on %s: %w", s.addr, err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); s.gcLoop(ctx) }()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		if s.stopRequested.Load() {
			cancel()
			wg.Wait()
			return fmt.Errorf("scheduler: self-stopped after %d consecutive storage failures", nFail)
		}
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			default:
				slog.Default().Warn("scheduler: accept error", slog.Any("err", err))
				continue
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.meta.Heartbeat(ctx, s.driverID, time.Now()); err != nil {
				s.recordFailure()
				slog.Default().Warn("scheduler: heartbeat failed", slog.Any("err", err))
			}
		}
	}
}

func (s *Server) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(1000 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.data.RemoveDanglingData(ctx)
			if err != nil {
				slog.Default().Warn("scheduler: dangling-data gc failed", slog.Any("err", err))
				continue
			}
			if n > 0 {
				slog.Default().Info("scheduler: dangling-data gc", slog.Int("removed", n))
			}
		}
	}
}

func (s *Server) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecFails++
	if s.consecFails >= nFail {
		s.stopRequested.Store(true)
	}
}

func (s *Server) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecFails = 0
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		env, err := codec.ReadTCP(r)
		if err != nil {
			return
		}
		if err := s.dispatch(ctx, conn, env); err != nil {
			slog.Default().Warn("scheduler: dispatch error", slog.Any("err", err), slog.String("tag", env.Tag))
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn, env codec.Envelope) error {
	switch env.Tag {
	case TagLeaseRequest:
		var req LeaseRequest
		if err := codec.DecodeBody(env.Body, &req); err != nil {
			return err
		}
		return s.handleLeaseRequest(ctx, conn, req)
	case TagTaskFinish:
		var report FinishReport
		if err := codec.DecodeBody(env.Body, &report); err != nil {
			return err
		}
		return s.handleFinish(ctx, conn, report)
	case TagTaskFail:
		var report FailReport
		if err := codec.DecodeBody(env.Body, &report); err != nil {
			return err
		}
		return s.handleFail(ctx, conn, report)
	case TagTaskAbort:
		var report AbortReport
		if err := codec.DecodeBody(env.Body, &report); err != nil {
			return err
		}
		return s.handleAbort(ctx, conn, report)
	default:
		return fmt.Errorf("unrecognized message tag %q", env.Tag)
	}
}

func (s *Server) handleLeaseRequest(ctx context.Context, conn net.Conn, req LeaseRequest) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.lease_request")
	defer span.End()

	ready, err := s.policy.ReadySet(ctx)
	if err != nil {
		s.recordFailure()
		return err
	}
	task, ok := s.policy.ScheduleNext(ready, req.WorkerAddr, req.Tags)
	if !ok {
		s.leaseEmpty.Add(ctx, 1)
		return codec.WriteTCP(conn, TagLeaseEmpty, struct{}{})
	}

	inst, err := s.meta.AcquireLease(ctx, s.id, task.ID, time.Now())
	if err != nil {
		// Another scheduler/worker won the race; report empty rather than
		// treating this as a storage failure.
		if se, ok := err.(*storage.StorageErr); ok && se.Code == storage.ConstraintViolationErr {
			s.leaseEmpty.Add(ctx, 1)
			return codec.WriteTCP(conn, TagLeaseEmpty, struct{}{})
		}
		s.recordFailure()
		return err
	}
	s.recordSuccess()
	s.policy.Invalidate()
	s.leaseGrants.Add(ctx, 1)

	inputs := s.taskInputs(ctx, task)
	return codec.WriteTCP(conn, TagLeaseGrant, LeaseGrant{
		TaskID: task.ID, JobID: task.JobID, InstanceID: inst.ID, FunctionName: task.FunctionName, Inputs: inputs,
	})
}

// taskInputs fetches task's bound input values via its job's full graph.
// A lookup failure is logged and treated as "no inputs" rather than
// failing the lease: the child function will report an argument-parsing
// error on its own if it genuinely needed them.
func (s *Server) taskInputs(ctx context.Context, task core.Task) []codec.OutputValue {
	graph, err := s.meta.GetTaskGraph(ctx, task.JobID)
	if err != nil {
		slog.Default().Warn("scheduler: fetch task inputs failed", slog.Any("err", err))
		return nil
	}
	var out []codec.OutputValue
	for _, in := range graph.Inputs {
		if in.TaskID != task.ID {
			continue
		}
		value := in.Ref.Value
		if in.Ref.DataID != nil {
			d, err := s.data.GetData(ctx, *in.Ref.DataID)
			if err != nil {
				slog.Default().Warn("scheduler: fetch out-of-line input failed", slog.Any("err", err))
				continue
			}
			value = d.Value
		}
		out = append(out, codec.OutputValue{Position: in.Position, TypeTag: in.Ref.TypeTag, Value: value})
	}
	return out
}

func (s *Server) handleFinish(ctx context.Context, conn net.Conn, report FinishReport) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.task_finish")
	defer span.End()

	outputs := make([]core.TaskOutput, 0, len(report.Outputs))
	for _, o := range report.Outputs {
		out := core.TaskOutput{TaskID: report.TaskID, Position: o.Position, TypeTag: o.TypeTag, Value: o.Value}
		if len(o.Value) > outOfLineThreshold {
			dataID := idgen.NewDataID()
			if err := s.data.PutData(ctx, core.Data{ID: dataID, Value: o.Value}); err != nil {
				s.recordFailure()
				return err
			}
			if err := s.data.AddReference(ctx, core.DataRef{DataID: dataID, OwnerKind: core.DataRefTask, OwnerID: report.TaskID}); err != nil {
				s.recordFailure()
				return err
			}
			out.Value = nil
			out.DataID = &dataID
		}
		outputs = append(outputs, out)
	}
	if err := s.meta.TaskFinish(ctx, report.TaskID, report.InstanceID, outputs); err != nil {
		s.recordFailure()
		return err
	}
	s.recordSuccess()
	s.policy.Invalidate()
	s.notifyIfTerminal(ctx, report.JobID)
	return codec.WriteTCP(conn, TagAck, struct{}{})
}

func (s *Server) handleFail(ctx context.Context, conn net.Conn, report FailReport) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.task_fail")
	defer span.End()

	if err := s.meta.TaskFail(ctx, report.TaskID, report.InstanceID, report.Message); err != nil {
		s.recordFailure()
		return err
	}
	s.recordSuccess()
	s.policy.Invalidate()
	s.notifyIfTerminal(ctx, report.JobID)
	return codec.WriteTCP(conn, TagAck, struct{}{})
}

// handleAbort cancels report.JobID and records why (§8's "Cancellation from
// task" scenario): unlike handleFail this never retries, matching the
// source's treatment of abort(message) as user-requested cancellation
// rather than a task failure.
func (s *Server) handleAbort(ctx context.Context, conn net.Conn, report AbortReport) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.task_abort")
	defer span.End()

	if err := s.meta.RecordJobError(ctx, core.JobError{JobID: report.JobID, FunctionName: report.FunctionName, Message: report.Message}); err != nil {
		s.recordFailure()
		return err
	}
	if err := s.meta.CancelJob(ctx, report.JobID); err != nil {
		s.recordFailure()
		return err
	}
	s.recordSuccess()
	s.policy.Invalidate()
	s.notifyIfTerminal(ctx, report.JobID)
	return codec.WriteTCP(conn, TagAck, struct{}{})
}

// notifyIfTerminal publishes a best-effort push notification (§6.6) when
// jobID has just reached a terminal state. Failure to notify is logged,
// never propagated: GetJobStatus polling remains authoritative.
func (s *Server) notifyIfTerminal(ctx context.Context, jobID uuid.UUID) {
	if jobID == uuid.Nil {
		return
	}
	state, err := s.meta.GetJobStatus(ctx, jobID)
	if err != nil {
		return
	}
	if state != core.JobSuccess && state != core.JobFail && state != core.JobCancel {
		return
	}
	if err := s.notify.NotifyJobStatus(ctx, jobID, state); err != nil {
		slog.Default().Debug("scheduler: job status notify failed", slog.Any("err", err))
	}
}
