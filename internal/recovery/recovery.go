// Package recovery schedules Spider's periodic maintenance sweeps (§4.7,
// supplemented by SPEC_FULL.md §4.8) as cron entries on a single
// robfig/cron.Cron instance, grounded in the reference orchestrator's
// scheduler.go cron wiring.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/y-scope/spider-go/internal/core"
)

// Sweep periods (T_HB, T_GC, and the lease-eviction sweep's period) and the
// driver heartbeat timeout D_HB named in §4.7. The lease TTL itself is
// passed to New.
const (
	THeartbeatSweep = 1 * time.Second
	TGCSweep        = 1000 * time.Second
	TLeaseSweep     = 1 * time.Second
	DHeartbeat      = 5 * time.Second // driver heartbeat timeout before it's considered dead
)

// MetadataSweeper is the slice of storage.MetadataStore the recovery
// sweeps need.
type MetadataSweeper interface {
	ListStaleDrivers(ctx context.Context, olderThan time.Time) ([]core.Driver, error)
	RemoveDriver(ctx context.Context, driverID uuid.UUID) error
	EvictStaleLeases(ctx context.Context, olderThan time.Time) (int, error)
	ListTimedOutInstances(ctx context.Context, now time.Time) ([]core.TaskInstance, error)
}

// DataSweeper is the slice of storage.DataStore the dangling-data GC sweep
// needs.
type DataSweeper interface {
	RemoveDanglingData(ctx context.Context) (int, error)
}

// Scheduler owns the cron instance running all of Spider's recovery
// sweeps. It is distinct from internal/scheduler.Server: this is
// background maintenance, not the lease-granting wire server.
type Scheduler struct {
	cron *cron.Cron
	meta MetadataSweeper
	data DataSweeper

	leaseTTL time.Duration
}

// New constructs a recovery Scheduler. leaseTTL is the staleness age
// (§4.2's L_LEASE) at which a SchedulerLease is evicted.
func New(meta MetadataSweeper, data DataSweeper, leaseTTL time.Duration) *Scheduler {
	return &Scheduler{cron: cron.New(cron.WithSeconds()), meta: meta, data: data, leaseTTL: leaseTTL}
}

// Start registers all sweeps and starts the cron scheduler. It does not
// block; call Stop to shut down gracefully.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every 1s", func() { s.heartbeatSweep(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1000s", func() { s.danglingDataSweep(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1s", func() { s.leaseSweep(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1s", func() { s.timeoutPromotionSweep(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop waits for any in-flight sweep to finish, then stops the scheduler.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// heartbeatSweep removes drivers whose last heartbeat is older than
// DHeartbeat (§4.7 heartbeat-timeout sweep, T_HB).
func (s *Scheduler) heartbeatSweep(ctx context.Context) {
	stale, err := s.meta.ListStaleDrivers(ctx, time.Now().Add(-DHeartbeat))
	if err != nil {
		slog.Default().Warn("recovery: heartbeat sweep failed", slog.Any("err", err))
		return
	}
	for _, d := range stale {
		if err := s.meta.RemoveDriver(ctx, d.ID); err != nil {
			slog.Default().Warn("recovery: remove dead driver failed", slog.Any("err", err), slog.String("driver", d.ID.String()))
			continue
		}
		slog.Default().Info("recovery: removed dead driver", slog.String("driver", d.ID.String()))
	}
}

// danglingDataSweep runs remove_dangling_data (§4.7, T_GC).
func (s *Scheduler) danglingDataSweep(ctx context.Context) {
	n, err := s.data.RemoveDanglingData(ctx)
	if err != nil {
		slog.Default().Warn("recovery: dangling-data sweep failed", slog.Any("err", err))
		return
	}
	if n > 0 {
		slog.Default().Info("recovery: removed dangling data", slog.Int("count", n))
	}
}

// leaseSweep is the belt-and-braces cron sweep added in SPEC_FULL.md §4.8,
// supplementing the opportunistic eviction that happens inline in
// get_ready_tasks: leases are reclaimed even when no scheduler is actively
// polling for ready tasks.
func (s *Scheduler) leaseSweep(ctx context.Context) {
	n, err := s.meta.EvictStaleLeases(ctx, time.Now().Add(-s.leaseTTL))
	if err != nil {
		slog.Default().Warn("recovery: lease sweep failed", slog.Any("err", err))
		return
	}
	if n > 0 {
		slog.Default().Info("recovery: evicted stale leases", slog.Int("count", n))
	}
}

// timeoutPromotionSweep reports running task instances that have exceeded
// their task's configured timeout. §4.1 treats a timeout as the task
// becoming newly eligible for re-dispatch, not as a failure: the actual
// promotion happens inline in GetReadyTasks/AcquireLease the next time a
// scheduler polls for work (so a speculative second instance can be handed
// out and the first to finish wins, I3). This sweep never calls task_fail;
// it exists purely so a stuck timeout that no scheduler is polling for
// shows up in the logs.
func (s *Scheduler) timeoutPromotionSweep(ctx context.Context) {
	timedOut, err := s.meta.ListTimedOutInstances(ctx, time.Now())
	if err != nil {
		slog.Default().Warn("recovery: timeout sweep failed", slog.Any("err", err))
		return
	}
	for _, inst := range timedOut {
		slog.Default().Warn("recovery: task instance exceeded its timeout, eligible for re-dispatch",
			slog.String("task", inst.TaskID.String()), slog.String("instance", inst.ID.String()))
	}
}
