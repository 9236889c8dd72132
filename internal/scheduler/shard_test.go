package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapillar/job/internal/model"
)

type fakeShardStore struct {
	mu   sync.Mutex
	runs map[string]model.JobRun
}

func (f *fakeShardStore) FindPendingJobRunsByBuckets(ctx context.Context, bucketIDs []int, limit int) ([]model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owned := map[int]bool{}
	for _, b := range bucketIDs {
		owned[b] = true
	}
	var out []model.JobRun
	for _, r := range f.runs {
		if r.Status == model.JobRunPending && owned[r.BucketID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeShardStore) CASJobRunStatus(ctx context.Context, id string, expected, next model.JobRunStatus, expectedVersion int, mutate func(*model.JobRun)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok || r.Status != expected || int(r.Version) != expectedVersion {
		return model.ErrConflict
	}
	r.Status = next
	r.Version++
	if mutate != nil {
		mutate(&r)
	}
	f.runs[id] = r
	return nil
}

type fixedOwner struct{ buckets []int }

func (f fixedOwner) OwnedBuckets() []int { return f.buckets }

type captureDispatcher struct {
	mu        sync.Mutex
	dispatched []model.JobRun
}

func (c *captureDispatcher) Dispatch(ctx context.Context, jr model.JobRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatched = append(c.dispatched, jr)
}

func TestShardSchedulerClaimsOnlyOwnedBucketJobs(t *testing.T) {
	store := &fakeShardStore{runs: map[string]model.JobRun{
		"owned":    {ID: "owned", BucketID: 2, Status: model.JobRunPending},
		"notOwned": {ID: "notOwned", BucketID: 3, Status: model.JobRunPending},
	}}
	dispatcher := &captureDispatcher{}
	mp := noopmetric.MeterProvider{}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	s := NewShardScheduler(0, 1, 10*time.Millisecond, 10, store, fixedOwner{buckets: []int{2}}, dispatcher, mp.Meter("test"), log)
	s.tick(context.Background())

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	require.Len(t, dispatcher.dispatched, 1)
	assert.Equal(t, "owned", dispatcher.dispatched[0].ID)
}

func TestShardSchedulerHonorsShardSlicing(t *testing.T) {
	store := &fakeShardStore{runs: map[string]model.JobRun{
		"evenBucket": {ID: "evenBucket", BucketID: 4, Status: model.JobRunPending},
		"oddBucket":  {ID: "oddBucket", BucketID: 5, Status: model.JobRunPending},
	}}
	dispatcher := &captureDispatcher{}
	mp := noopmetric.MeterProvider{}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	shard1 := NewShardScheduler(1, 2, 10*time.Millisecond, 10, store, fixedOwner{buckets: []int{4, 5}}, dispatcher, mp.Meter("test"), log)
	shard1.tick(context.Background())

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	require.Len(t, dispatcher.dispatched, 1)
	assert.Equal(t, "oddBucket", dispatcher.dispatched[0].ID)
}

func TestShardSchedulerClaimRaceOnlyOneWins(t *testing.T) {
	store := &fakeShardStore{runs: map[string]model.JobRun{
		"contested": {ID: "contested", BucketID: 1, Status: model.JobRunPending},
	}}
	dispatcher := &captureDispatcher{}
	mp := noopmetric.MeterProvider{}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	shardA := NewShardScheduler(0, 1, time.Millisecond, 10, store, fixedOwner{buckets: []int{1}}, dispatcher, mp.Meter("test"), log)
	shardB := NewShardScheduler(0, 1, time.Millisecond, 10, store, fixedOwner{buckets: []int{1}}, dispatcher, mp.Meter("test"), log)

	jr := store.runs["contested"]
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); shardA.claim(context.Background(), jr) }()
	go func() { defer wg.Done(); shardB.claim(context.Background(), jr) }()
	wg.Wait()

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	assert.Len(t, dispatcher.dispatched, 1)
}
