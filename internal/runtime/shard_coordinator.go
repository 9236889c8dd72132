package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datapillar/job/internal/broadcast"
	"github.com/datapillar/job/internal/model"
	"github.com/datapillar/job/internal/resilience"
)

// ShardDispatchPayload is what gets published to SubjectShardExec for one
// sub-range of a sharded JobRun.
type ShardDispatchPayload struct {
	JobRunID      string         `json:"job_run_id"`
	ShardIndex    int            `json:"shard_index"`
	RangeStart    int64          `json:"range_start"`
	RangeEnd      int64          `json:"range_end"`
	HandlerType   string         `json:"handler_type"`
	Params        map[string]any `json:"params,omitempty"`
	WorkflowRunID string         `json:"workflow_run_id"`
}

// ShardResultPayload is published back to SubjectShardResult by whichever
// worker executed a shard.
type ShardResultPayload struct {
	JobRunID   string `json:"job_run_id"`
	ShardIndex int    `json:"shard_index"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

// ShardStore is the persistence surface the coordinator needs to record
// and read back per-shard assignments.
type ShardStore interface {
	PutShardAssignment(ctx context.Context, sa model.ShardAssignment) error
	ListShardAssignments(ctx context.Context, workflowRunID, jobRunID string) ([]model.ShardAssignment, error)
	CASJobRunStatus(ctx context.Context, id string, expected, next model.JobRunStatus, expectedVersion int, mutate func(*model.JobRun)) error
}

// ShardCoordinator splits a sharded job's range across Parallelism shards,
// broadcasts each sub-range for round-robin pickup by any worker's Shard
// Receiver, and waits for every shard's result before aggregating.
// golang.org/x/sync/errgroup gives the fan-out cancel-on-first-error
// semantics: one shard's unrecoverable failure stops waiting on the rest
// without leaking goroutines.
type ShardCoordinator struct {
	bus   *broadcast.Bus
	store ShardStore
	log   *slog.Logger

	publishLimit *resilience.RateLimiter

	mu      sync.Mutex
	waiters map[string]chan ShardResultPayload
}

// NewShardCoordinator builds a coordinator bound to bus for dispatch and
// result collection. Shard-dispatch publishes are capped at 200/s with a
// burst of 50 so one job with an unreasonably large Parallelism can't flood
// the broadcast bus ahead of every other workflow's traffic.
func NewShardCoordinator(bus *broadcast.Bus, st ShardStore, log *slog.Logger) *ShardCoordinator {
	c := &ShardCoordinator{
		bus:          bus,
		store:        st,
		log:          log,
		publishLimit: resilience.NewRateLimiter(50, 200, 0, time.Second),
		waiters:      make(map[string]chan ShardResultPayload),
	}
	return c
}

// shardWaitKey identifies the single goroutine awaiting one shard's result,
// so concurrent fan-outs for different shards (or different JobRuns) never
// contend over the same channel.
func shardWaitKey(jobRunID string, shardIndex int) string {
	return jobRunID + "/" + strconv.Itoa(shardIndex)
}

// registerWaiter must be called before the corresponding shard_exec publish,
// so a result arriving before the caller starts waiting is never dropped.
func (c *ShardCoordinator) registerWaiter(key string) chan ShardResultPayload {
	ch := make(chan ShardResultPayload, 1)
	c.mu.Lock()
	c.waiters[key] = ch
	c.mu.Unlock()
	return ch
}

func (c *ShardCoordinator) unregisterWaiter(key string) {
	c.mu.Lock()
	delete(c.waiters, key)
	c.mu.Unlock()
}

// deliver routes an incoming shard result to the one waiter registered for
// its (job_run_id, shard_index), if any — a result for a shard nobody is
// waiting on anymore (timed out, or never dispatched from this process) is
// logged and dropped rather than blocking the subscription callback.
func (c *ShardCoordinator) deliver(payload ShardResultPayload) {
	key := shardWaitKey(payload.JobRunID, payload.ShardIndex)
	c.mu.Lock()
	ch, ok := c.waiters[key]
	c.mu.Unlock()
	if !ok {
		c.log.Warn("shard result has no waiter, dropping", "job_run_id", payload.JobRunID, "shard_index", payload.ShardIndex)
		return
	}
	select {
	case ch <- payload:
	default:
		c.log.Warn("shard result waiter channel full, dropping", "job_run_id", payload.JobRunID, "shard_index", payload.ShardIndex)
	}
}

// ListenForResults subscribes to SubjectShardResult and demuxes each result
// to its waiting dispatchShard call — call once at process startup.
func (c *ShardCoordinator) ListenForResults() error {
	_, err := c.bus.Subscribe(broadcast.SubjectShardResult, func(ctx context.Context, msg broadcast.Message) {
		var payload ShardResultPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.log.Warn("discarding malformed shard result", "error", err)
			return
		}
		c.deliver(payload)
	})
	return err
}

// runSharded splits job's ShardSpec into job.Shard.Parallelism pieces,
// broadcasts each, waits for every shard to report a terminal result, and
// transitions the parent JobRun accordingly.
func (rt *Runtime) runSharded(ctx context.Context, jr model.JobRun, job model.Job) {
	if rt.coord == nil {
		rt.failWithStatus(ctx, jr, jr.RetryCount, fmt.Errorf("sharded job dispatched without a shard coordinator configured"))
		return
	}

	ranges := shardRanges(job.Shard)

	g, gctx := errgroup.WithContext(ctx)
	for i, rg := range ranges {
		i, rg := i, rg
		g.Go(func() error {
			return rt.coord.dispatchShard(gctx, jr, job, i, rg.start, rg.end)
		})
	}

	if err := g.Wait(); err != nil {
		rt.failWithStatus(ctx, jr, jr.RetryCount, fmt.Errorf("shard fan-out: %w", err))
		return
	}
	rt.complete(ctx, jr, jr.RetryCount, map[string]any{"shards": len(ranges)})
}

type shardRange struct{ start, end int64 }

// shardRanges splits the [Start, End) interval into Parallelism
// contiguous, non-overlapping sub-ranges. The last range absorbs any
// remainder from integer division so every input element is covered
// exactly once.
func shardRanges(spec *model.ShardSpec) []shardRange {
	n := spec.Parallelism
	if n < 1 {
		n = 1
	}
	span := spec.End - spec.Start
	chunk := span / int64(n)
	if chunk == 0 {
		chunk = 1
	}
	out := make([]shardRange, 0, n)
	for i := 0; i < n; i++ {
		start := spec.Start + int64(i)*chunk
		if start > spec.End {
			start = spec.End
		}
		end := start + chunk
		if i == n-1 || end > spec.End {
			end = spec.End
		}
		out = append(out, shardRange{start: start, end: end})
	}
	return out
}

func (c *ShardCoordinator) dispatchShard(ctx context.Context, jr model.JobRun, job model.Job, shardIndex int, start, end int64) error {
	sa := model.ShardAssignment{
		JobRunID:   jr.ID,
		ShardIndex: shardIndex,
		RangeStart: start,
		RangeEnd:   end,
		Status:     model.JobRunPending,
	}
	if err := c.store.PutShardAssignment(ctx, sa); err != nil {
		return err
	}

	key := shardWaitKey(jr.ID, shardIndex)
	resultCh := c.registerWaiter(key)
	defer c.unregisterWaiter(key)

	if err := c.waitForPublishSlot(ctx); err != nil {
		return err
	}

	payload := ShardDispatchPayload{
		JobRunID: jr.ID, ShardIndex: shardIndex, RangeStart: start, RangeEnd: end,
		HandlerType: job.HandlerType, Params: job.Params, WorkflowRunID: jr.WorkflowRunID,
	}
	if err := c.bus.Publish(ctx, broadcast.SubjectShardExec, "shard_exec", payload); err != nil {
		return err
	}

	return c.awaitShardResult(ctx, jr.ID, shardIndex, resultCh)
}

// waitForPublishSlot blocks until the shard-dispatch rate limiter admits one
// more publish, or ctx is cancelled first.
func (c *ShardCoordinator) waitForPublishSlot(ctx context.Context) error {
	for !c.publishLimit.Allow() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.publishLimit.ReserveAfter()):
		}
	}
	return nil
}

// awaitShardResult blocks on resultCh, the waiter channel dedicated to
// (jobRunID, shardIndex) by registerWaiter — every message it ever receives
// is guaranteed to be this shard's own result, so there's no mismatch
// filtering to do.
func (c *ShardCoordinator) awaitShardResult(ctx context.Context, jobRunID string, shardIndex int, resultCh <-chan ShardResultPayload) error {
	timeout := time.NewTimer(10 * time.Minute)
	defer timeout.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return fmt.Errorf("shard %d of job run %s timed out waiting for a result", shardIndex, jobRunID)
	case res := <-resultCh:
		if res.Status != string(model.JobRunCompleted) {
			return fmt.Errorf("shard %d failed: %s", shardIndex, res.Message)
		}
		return nil
	}
}
