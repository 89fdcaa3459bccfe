package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/y-scope/spider-go/internal/core"
)

type fakeMetaSweeper struct {
	staleDrivers   []core.Driver
	removed        []uuid.UUID
	evicted        int
	evictOlderThan time.Time
	timedOut       []core.TaskInstance
}

func newFakeMetaSweeper() *fakeMetaSweeper {
	return &fakeMetaSweeper{}
}

func (f *fakeMetaSweeper) ListStaleDrivers(ctx context.Context, olderThan time.Time) ([]core.Driver, error) {
	return f.staleDrivers, nil
}
func (f *fakeMetaSweeper) RemoveDriver(ctx context.Context, driverID uuid.UUID) error {
	f.removed = append(f.removed, driverID)
	return nil
}
func (f *fakeMetaSweeper) EvictStaleLeases(ctx context.Context, olderThan time.Time) (int, error) {
	f.evictOlderThan = olderThan
	return f.evicted, nil
}
func (f *fakeMetaSweeper) ListTimedOutInstances(ctx context.Context, now time.Time) ([]core.TaskInstance, error) {
	return f.timedOut, nil
}

type fakeDataSweeper struct {
	removedCount int
	calls        int
}

func (f *fakeDataSweeper) RemoveDanglingData(ctx context.Context) (int, error) {
	f.calls++
	return f.removedCount, nil
}

func TestHeartbeatSweepRemovesOnlyStaleDrivers(t *testing.T) {
	meta := newFakeMetaSweeper()
	dead := core.Driver{ID: uuid.New(), LastHeartbeat: time.Now().Add(-1 * time.Hour)}
	meta.staleDrivers = []core.Driver{dead}

	s := New(meta, &fakeDataSweeper{}, time.Second)
	s.heartbeatSweep(context.Background())

	require.Equal(t, []uuid.UUID{dead.ID}, meta.removed)
}

func TestDanglingDataSweepCallsRemoveDanglingData(t *testing.T) {
	meta := newFakeMetaSweeper()
	data := &fakeDataSweeper{removedCount: 3}

	s := New(meta, data, time.Second)
	s.danglingDataSweep(context.Background())

	require.Equal(t, 1, data.calls)
}

func TestLeaseSweepEvictsUsingConfiguredTTL(t *testing.T) {
	meta := newFakeMetaSweeper()
	meta.evicted = 2

	ttl := 10 * time.Millisecond
	s := New(meta, &fakeDataSweeper{}, ttl)
	before := time.Now()
	s.leaseSweep(context.Background())
	after := time.Now()

	require.False(t, meta.evictOlderThan.Before(before.Add(-ttl)))
	require.False(t, meta.evictOlderThan.After(after.Add(-ttl)))
}

func TestTimeoutPromotionSweepDoesNotFailTimedOutInstances(t *testing.T) {
	meta := newFakeMetaSweeper()
	inst := core.TaskInstance{ID: uuid.New(), TaskID: uuid.New(), StartTime: time.Now().Add(-time.Hour)}
	meta.timedOut = []core.TaskInstance{inst}

	s := New(meta, &fakeDataSweeper{}, time.Second)
	s.timeoutPromotionSweep(context.Background()) // should only log; re-dispatch happens via GetReadyTasks/AcquireLease
}
