// Package worker implements the worker main loop (§4.5): driver
// registration, a 1s heartbeat, and a poll/execute/report cycle against a
// scheduler, reconnecting with backoff through a circuit breaker when the
// scheduler connection is unhealthy.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/y-scope/spider-go/internal/codec"
	"github.com/y-scope/spider-go/internal/core"
	"github.com/y-scope/spider-go/internal/executor"
	"github.com/y-scope/spider-go/internal/resilience"
	"github.com/y-scope/spider-go/internal/scheduler"
)

// MetadataRegistrar is the slice of storage.MetadataStore a worker needs
// directly (driver registration/heartbeat); everything else flows through
// the scheduler TCP connection.
type MetadataRegistrar interface {
	RegisterDriver(ctx context.Context, d core.Driver) error
	Heartbeat(ctx context.Context, driverID uuid.UUID, at time.Time) error
}

// Worker polls one scheduler address for work, runs leased tasks through a
// Supervisor, and reports outcomes back.
type Worker struct {
	DriverID      uuid.UUID
	SchedulerAddr string
	Tags          []string

	supervisor *executor.Supervisor
	breaker    *resilience.CircuitBreaker

	leasesTaken   metric.Int64Counter
	tasksFinished metric.Int64Counter
	tasksFailed   metric.Int64Counter
}

// New constructs a Worker that runs tasks via the executor binary at
// executorBinaryPath.
func New(driverID uuid.UUID, schedulerAddr, executorBinaryPath string, tags []string) *Worker {
	meter := otel.GetMeterProvider().Meter("spider/worker")
	leasesTaken, _ := meter.Int64Counter("spider_worker_leases_total")
	tasksFinished, _ := meter.Int64Counter("spider_worker_tasks_finished_total")
	tasksFailed, _ := meter.Int64Counter("spider_worker_tasks_failed_total")

	return &Worker{
		DriverID:      driverID,
		SchedulerAddr: schedulerAddr,
		Tags:          tags,
		supervisor:    executor.NewSupervisor(executorBinaryPath),
		// At least 5 scheduler-connection results in a 30s window, all of
		// them failures, trip the breaker open for 2s before a half-open
		// probe, mirroring the scheduler's own self-stop threshold (§4.3)
		// applied client-side.
		breaker:       resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 1.0, 2*time.Second, 1),
		leasesTaken:   leasesTaken,
		tasksFinished: tasksFinished,
		tasksFailed:   tasksFailed,
	}
}

// Run starts the heartbeat loop and the poll loop, blocking until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context, meta MetadataRegistrar) error {
	if err := meta.RegisterDriver(ctx, core.Driver{ID: w.DriverID, LastHeartbeat: time.Now()}); err != nil {
		return fmt.Errorf("worker: register driver: %w", err)
	}

	go w.heartbeatLoop(ctx, meta)
	w.pollLoop(ctx)
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context, meta MetadataRegistrar) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := meta.Heartbeat(ctx, w.DriverID, time.Now()); err != nil {
				slog.Default().Warn("worker: heartbeat failed", slog.Any("err", err))
			}
		}
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !w.breaker.Allow() {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		grant, empty, err := w.requestLease(ctx)
		w.breaker.RecordResult(ctx, err == nil)
		if err != nil {
			slog.Default().Warn("worker: lease request failed", slog.Any("err", err))
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if empty {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		w.leasesTaken.Add(ctx, 1)
		w.runAndReport(ctx, grant)
	}
}

func (w *Worker) requestLease(ctx context.Context) (scheduler.LeaseGrant, bool, error) {
	conn, err := net.DialTimeout("tcp", w.SchedulerAddr, 5*time.Second)
	if err != nil {
		return scheduler.LeaseGrant{}, false, fmt.Errorf("worker: dial scheduler: %w", err)
	}
	defer conn.Close()

	if err := codec.WriteTCP(conn, scheduler.TagLeaseRequest, scheduler.LeaseRequest{WorkerAddr: conn.LocalAddr().String(), Tags: w.Tags}); err != nil {
		return scheduler.LeaseGrant{}, false, err
	}

	env, err := codec.ReadTCP(bufio.NewReader(conn))
	if err != nil {
		return scheduler.LeaseGrant{}, false, err
	}
	switch env.Tag {
	case scheduler.TagLeaseEmpty:
		return scheduler.LeaseGrant{}, true, nil
	case scheduler.TagLeaseGrant:
		var grant scheduler.LeaseGrant
		if err := codec.DecodeBody(env.Body, &grant); err != nil {
			return scheduler.LeaseGrant{}, false, err
		}
		return grant, false, nil
	default:
		return scheduler.LeaseGrant{}, false, fmt.Errorf("worker: unexpected lease response tag %q", env.Tag)
	}
}

func (w *Worker) runAndReport(ctx context.Context, grant scheduler.LeaseGrant) {
	outcome, err := w.supervisor.Run(ctx, grant.FunctionName, grant.Inputs)
	if err != nil {
		w.report(ctx, grant, nil, err.Error(), nil)
		return
	}
	if outcome.Abort != nil {
		w.report(ctx, grant, nil, "", outcome.Abort)
		return
	}
	if outcome.Err != nil {
		w.report(ctx, grant, nil, outcome.Err.Message, nil)
		return
	}
	w.report(ctx, grant, outcome.Outputs, "", nil)
}

func (w *Worker) report(ctx context.Context, grant scheduler.LeaseGrant, outputs []codec.OutputValue, failMessage string, abort *codec.AbortMessage) {
	conn, err := net.DialTimeout("tcp", w.SchedulerAddr, 5*time.Second)
	if err != nil {
		slog.Default().Warn("worker: dial scheduler for report failed", slog.Any("err", err))
		return
	}
	defer conn.Close()

	if abort != nil {
		w.tasksFailed.Add(ctx, 1)
		_ = codec.WriteTCP(conn, scheduler.TagTaskAbort, scheduler.AbortReport{
			TaskID: grant.TaskID, JobID: grant.JobID, InstanceID: grant.InstanceID,
			FunctionName: grant.FunctionName, Message: abort.Message,
		})
		return
	}
	if failMessage != "" {
		w.tasksFailed.Add(ctx, 1)
		_ = codec.WriteTCP(conn, scheduler.TagTaskFail, scheduler.FailReport{
			TaskID: grant.TaskID, JobID: grant.JobID, InstanceID: grant.InstanceID, Message: failMessage,
		})
		return
	}
	w.tasksFinished.Add(ctx, 1)
	_ = codec.WriteTCP(conn, scheduler.TagTaskFinish, scheduler.FinishReport{
		TaskID: grant.TaskID, JobID: grant.JobID, InstanceID: grant.InstanceID, Outputs: outputs,
	})
}
