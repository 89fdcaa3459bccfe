// Package scheduler implements the FIFO scheduling policy and the TCP
// server that leases ready tasks to polling workers (§4.2, §4.3).
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/y-scope/spider-go/internal/core"
)

// Policy selects the next task to lease to a worker advertising the given
// address/locality tags. Spider ships one implementation (FIFOPolicy); the
// interface exists so a deployment can swap policies without touching the
// server loop, per spec.md's stubbed-FifoPolicy open question (see
// DESIGN.md).
type Policy interface {
	// ScheduleNext picks the best ready task for a worker at workerAddr
	// carrying the given locality tags, or ok=false if none qualify.
	ScheduleNext(candidates []core.Task, workerAddr string, workerTags []string) (core.Task, bool)
}

// cacheEntry is one C_FRESH/N_USES-bounded snapshot of the ready set, per
// §4.2: a ready-set read is reused for up to N_USES leases or C_FRESH
// wall-clock time, whichever comes first, so a burst of worker polls
// doesn't each pay a full storage scan.
type cacheEntry struct {
	tasks    []core.Task
	cachedAt time.Time
	uses     int
}

// FIFOPolicy orders ready tasks by creation order (oldest first) and
// prefers a worker matching a task's hard locality, falling back to soft
// locality, then to no locality preference (§4.2).
type FIFOPolicy struct {
	store MetadataReader

	cFresh time.Duration
	nUses  int

	mu    sync.Mutex
	cache *cacheEntry
}

// MetadataReader is the slice of storage.MetadataStore FIFOPolicy needs to
// refresh its ready-set cache.
type MetadataReader interface {
	GetReadyTasks(ctx context.Context, limit int, leaseTTL time.Duration) ([]core.Task, error)
}

const (
	// CFresh is the ready-set cache's max age before a refresh is forced.
	CFresh = 10 * time.Millisecond
	// NUses is the ready-set cache's max serve count before a refresh is forced.
	NUses = 100
	// LLease is the staleness age at which a SchedulerLease is considered
	// abandoned and its task re-offered (I6).
	LLease = 10 * time.Millisecond
)

// NewFIFOPolicy constructs a FIFOPolicy backed by store, using the spec's
// default cache parameters.
func NewFIFOPolicy(store MetadataReader) *FIFOPolicy {
	return &FIFOPolicy{store: store, cFresh: CFresh, nUses: NUses}
}

// ReadySet returns the current cached ready-task snapshot, refreshing it
// from storage if it is stale by age or use count.
func (p *FIFOPolicy) ReadySet(ctx context.Context) ([]core.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cache != nil && time.Since(p.cache.cachedAt) < p.cFresh && p.cache.uses < p.nUses {
		p.cache.uses++
		return p.cache.tasks, nil
	}

	tasks, err := p.store.GetReadyTasks(ctx, 0, LLease)
	if err != nil {
		return nil, err
	}
	p.cache = &cacheEntry{tasks: tasks, cachedAt: time.Now()}
	return tasks, nil
}

// Invalidate drops the cached ready set, forcing the next ReadySet call to
// hit storage. The server calls this after a successful lease grant so a
// just-leased task isn't handed out twice within the same cache window.
func (p *FIFOPolicy) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = nil
}

// ScheduleNext implements Policy: prefer a hard-locality match for
// workerAddr or one of workerTags, then a soft-locality match, then any
// ready task without hard locality; a task whose hard locality matches
// neither is never offered to this worker. Each tier is ordered by
// CreationTime, oldest first.
func (p *FIFOPolicy) ScheduleNext(candidates []core.Task, workerAddr string, workerTags []string) (core.Task, bool) {
	tagSet := make(map[string]struct{}, len(workerTags)+1)
	for _, t := range workerTags {
		tagSet[t] = struct{}{}
	}
	if workerAddr != "" {
		tagSet[workerAddr] = struct{}{}
	}

	var hard, soft, any []core.Task
	for _, t := range candidates {
		switch {
		case matchesAny(t.HardLocality, tagSet):
			hard = append(hard, t)
		case matchesAny(t.SoftLocality, tagSet):
			soft = append(soft, t)
		case len(t.HardLocality) == 0:
			any = append(any, t)
		}
	}

	for _, bucket := range [][]core.Task{hard, soft, any} {
		if len(bucket) > 0 {
			return oldestFirst(bucket)[0], true
		}
	}
	return core.Task{}, false
}

func matchesAny(required []string, have map[string]struct{}) bool {
	for _, r := range required {
		if _, ok := have[r]; ok {
			return true
		}
	}
	return false
}

// oldestFirst sorts a candidate bucket by CreationTime ascending, the
// oldest-job-first tie-break §4.2 specifies within a locality tier.
func oldestFirst(tasks []core.Task) []core.Task {
	out := append([]core.Task(nil), tasks...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreationTime.Before(out[j].CreationTime) })
	return out
}
