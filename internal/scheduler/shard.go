package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/datapillar/job/internal/model"
)

// ShardStore is the subset of store.Store the sharded scheduler polls.
type ShardStore interface {
	FindPendingJobRunsByBuckets(ctx context.Context, bucketIDs []int, limit int) ([]model.JobRun, error)
	CASJobRunStatus(ctx context.Context, id string, expected, next model.JobRunStatus, expectedVersion int, mutate func(*model.JobRun)) error
}

// Owner reports which buckets this worker currently owns, per
// internal/cluster's ring.
type Owner interface {
	OwnedBuckets() []int
}

// Dispatcher hands a claimed JobRun off to the Executor Runtime.
type Dispatcher interface {
	Dispatch(ctx context.Context, jr model.JobRun)
}

// jobRunHeap orders pending JobRuns by ascending TriggerTime first (the
// earliest-due run always wins), Priority descending as a tiebreaker for
// runs due at the same time, and ID ascending as the final tiebreaker — a
// priority queue over container/heap, reaching for the standard library's
// own data-structure packages rather than a third-party queue.
type jobRunHeap []model.JobRun

func (h jobRunHeap) Len() int { return len(h) }
func (h jobRunHeap) Less(i, j int) bool {
	if !h[i].TriggerTime.Equal(h[j].TriggerTime) {
		return h[i].TriggerTime.Before(h[j].TriggerTime)
	}
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ID < h[j].ID
}
func (h jobRunHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobRunHeap) Push(x any)        { *h = append(*h, x.(model.JobRun)) }
func (h *jobRunHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ShardScheduler is one of the N scheduler shards a worker runs.
// Each shard is responsible for bucket_id % N == shardIndex
// among the buckets this worker currently owns, so adding shards only ever
// subdivides this worker's own slice of the ring — it never needs
// coordination with other workers' shards.
type ShardScheduler struct {
	shardIndex   int
	shardCount   int
	pollInterval time.Duration
	batchSize    int

	store  ShardStore
	owner  Owner
	dispatch Dispatcher
	log    *slog.Logger

	claimedTotal metric.Int64Counter
	raceLost     metric.Int64Counter
}

// NewShardScheduler builds shard shardIndex of shardCount total shards.
func NewShardScheduler(shardIndex, shardCount int, pollInterval time.Duration, batchSize int, st ShardStore, owner Owner, dispatcher Dispatcher, meter metric.Meter, log *slog.Logger) *ShardScheduler {
	claimedTotal, _ := meter.Int64Counter("datapillar_job_scheduler_claimed_total")
	raceLost, _ := meter.Int64Counter("datapillar_job_scheduler_claim_conflicts_total")
	return &ShardScheduler{
		shardIndex:   shardIndex,
		shardCount:   shardCount,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		store:        st,
		owner:        owner,
		dispatch:     dispatcher,
		log:          log,
		claimedTotal: claimedTotal,
		raceLost:     raceLost,
	}
}

// ownedSlice returns the subset of this worker's owned buckets this shard
// is responsible for polling.
func (s *ShardScheduler) ownedSlice() []int {
	owned := s.owner.OwnedBuckets()
	slice := make([]int, 0, len(owned)/s.shardCount+1)
	for _, b := range owned {
		if b%s.shardCount == s.shardIndex {
			slice = append(slice, b)
		}
	}
	return slice
}

// Run polls and dispatches until ctx is cancelled.
func (s *ShardScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *ShardScheduler) tick(ctx context.Context) {
	buckets := s.ownedSlice()
	if len(buckets) == 0 {
		return
	}

	candidates, err := s.store.FindPendingJobRunsByBuckets(ctx, buckets, s.batchSize)
	if err != nil {
		s.log.Warn("poll pending job runs failed", "error", err)
		return
	}
	if len(candidates) == 0 {
		return
	}

	h := jobRunHeap(candidates)
	heap.Init(&h)
	for h.Len() > 0 {
		jr := heap.Pop(&h).(model.JobRun)
		s.claim(ctx, jr)
	}
}

// claim performs the CAS that decides exactly one scheduler shard wins the
// right to dispatch this JobRun: under contention across workers racing the
// same bucket during a handoff window, at most one CAS succeeds.
func (s *ShardScheduler) claim(ctx context.Context, jr model.JobRun) {
	now := time.Now()
	err := s.store.CASJobRunStatus(ctx, jr.ID, model.JobRunPending, model.JobRunRunning, int(jr.Version), func(r *model.JobRun) {
		r.StartTime = now
	})
	if err != nil {
		s.raceLost.Add(ctx, 1)
		return
	}
	s.claimedTotal.Add(ctx, 1)
	jr.Status = model.JobRunRunning
	jr.StartTime = now
	s.dispatch.Dispatch(ctx, jr)
}
