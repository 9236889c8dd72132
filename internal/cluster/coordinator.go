package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/datapillar/job/internal/clock"
	"github.com/datapillar/job/internal/model"
	"github.com/datapillar/job/internal/natsctx"
)

const membershipSubject = "datapillar.job.cluster.membership"

// MembershipEvent is broadcast whenever a worker joins or leaves, so every
// worker can rebuild its ring without polling the store.
type MembershipEvent struct {
	Kind     string `json:"kind"` // "join" or "leave"
	WorkerID string `json:"worker_id"`
}

// Coordinator owns the consistent-hash ring for this worker process and the
// BucketLease CAS loop that claims/renews buckets as membership changes. It is the generalization of a CancellationManager shape — a
// small in-memory registry plus background goroutines — applied to bucket
// ownership instead of execution cancellation.
type Coordinator struct {
	workerID    string
	bucketCount int
	leaseTTL    time.Duration

	store Store
	nc    *nats.Conn
	log   *slog.Logger
	clock clock.Clock

	ring *Ring

	mu     sync.RWMutex
	owned  map[int]bool
	stopCh chan struct{}
}

// Store is the subset of store.Store the coordinator needs, named locally
// so cluster doesn't import the full interface's write-heavy surface.
type Store interface {
	UpsertBucketLease(ctx context.Context, lease model.BucketLease, expectedVersion int) error
	GetBucketLease(ctx context.Context, bucketID int) (model.BucketLease, bool, error)
	ListBucketLeases(ctx context.Context) ([]model.BucketLease, error)
	ListWorkers(ctx context.Context) ([]model.Worker, error)
	PutWorker(ctx context.Context, w model.Worker) error
	DeleteWorker(ctx context.Context, id string) error
}

// NewCoordinator builds a Coordinator for workerID, covering bucketCount
// total buckets, using leaseTTL for claim expiry.
func NewCoordinator(workerID string, bucketCount int, leaseTTL time.Duration, st Store, nc *nats.Conn, log *slog.Logger) *Coordinator {
	return newCoordinatorWithClock(workerID, bucketCount, leaseTTL, st, nc, log, clock.Real{})
}

func newCoordinatorWithClock(workerID string, bucketCount int, leaseTTL time.Duration, st Store, nc *nats.Conn, log *slog.Logger, c clock.Clock) *Coordinator {
	return &Coordinator{
		workerID:    workerID,
		bucketCount: bucketCount,
		leaseTTL:    leaseTTL,
		store:       st,
		nc:          nc,
		log:         log,
		clock:       c,
		ring:        NewRing(nil),
		owned:       make(map[int]bool),
		stopCh:      make(chan struct{}),
	}
}

// Start registers this worker, subscribes to membership events, rebuilds
// the ring, and begins the heartbeat/lease-renewal loop.
func (c *Coordinator) Start(ctx context.Context, heartbeatInterval time.Duration) error {
	now := c.clock.Now()
	if err := c.store.PutWorker(ctx, model.Worker{ID: c.workerID, JoinedAt: now, LastHeartbeat: now}); err != nil {
		return err
	}
	if err := c.refreshRing(ctx); err != nil {
		return err
	}
	if c.nc != nil {
		if _, err := natsctx.Subscribe(c.nc, membershipSubject, c.onMembershipEvent); err != nil {
			return err
		}
		c.publishMembership(ctx, "join")
	}
	go c.heartbeatLoop(ctx, heartbeatInterval)
	return nil
}

// Stop announces departure, removes this worker's liveness row, and stops
// background loops. Its bucket leases are not released; they lapse at their
// recorded expiry.
func (c *Coordinator) Stop(ctx context.Context) {
	close(c.stopCh)
	if c.nc != nil {
		c.publishMembership(ctx, "leave")
	}
	_ = c.store.DeleteWorker(ctx, c.workerID)
}

func (c *Coordinator) publishMembership(ctx context.Context, kind string) {
	evt := MembershipEvent{Kind: kind, WorkerID: c.workerID}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := natsctx.Publish(ctx, c.nc, membershipSubject, data); err != nil {
		c.log.Warn("publish membership event failed", "error", err)
	}
}

func (c *Coordinator) onMembershipEvent(ctx context.Context, msg *nats.Msg) {
	var evt MembershipEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return
	}
	if err := c.refreshRing(ctx); err != nil {
		c.log.Warn("ring refresh after membership event failed", "error", err)
	}
}

// refreshRing reloads live workers from the store and rebuilds the ring,
// then reconciles this worker's owned bucket set against the new
// assignment.
func (c *Coordinator) refreshRing(ctx context.Context) error {
	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.ID)
	}
	c.ring.Rebuild(ids)

	c.mu.Lock()
	defer c.mu.Unlock()
	newOwned := make(map[int]bool)
	for b := 0; b < c.bucketCount; b++ {
		if c.ring.Owner(b) == c.workerID {
			newOwned[b] = true
		}
	}
	c.owned = newOwned
	return nil
}

// OwnedBuckets returns the bucket ids this worker currently owns under the
// ring's membership snapshot.
func (c *Coordinator) OwnedBuckets() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	buckets := make([]int, 0, len(c.owned))
	for b := range c.owned {
		buckets = append(buckets, b)
	}
	return buckets
}

// heartbeatLoop renews this worker's liveness row and claims/renews leases
// on every bucket the ring currently assigns to it. It waits via the
// injected Clock rather than time.NewTicker so tests can drive it with a
// Fake clock instead of sleeping in wall-clock time.
func (c *Coordinator) heartbeatLoop(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
			c.heartbeatOnce(ctx)
		}
	}
}

func (c *Coordinator) heartbeatOnce(ctx context.Context) {
	now := c.clock.Now()
	if err := c.store.PutWorker(ctx, model.Worker{ID: c.workerID, LastHeartbeat: now}); err != nil {
		c.log.Warn("heartbeat write failed", "error", err)
	}
	for _, b := range c.OwnedBuckets() {
		c.renewLease(ctx, b, now)
	}
}

// renewLease claims or renews the lease on bucketID with one CAS write
// against the version it just read. A CAS conflict (another worker raced
// the same claim during a handoff window) is logged and dropped; the next
// heartbeat tries again.
func (c *Coordinator) renewLease(ctx context.Context, bucketID int, now time.Time) {
	existing, found, err := c.store.GetBucketLease(ctx, bucketID)
	version := 0
	if err == nil && found {
		version = int(existing.Version)
		if existing.OwnerWorkerID != "" && existing.OwnerWorkerID != c.workerID && !existing.Released(now) {
			return
		}
	}
	lease := model.BucketLease{BucketID: bucketID, OwnerWorkerID: c.workerID, LeaseExpiry: now.Add(c.leaseTTL)}
	if err := c.store.UpsertBucketLease(ctx, lease, version); err != nil {
		c.log.Debug("lease renew lost race", "bucket_id", bucketID, "error", err)
	}
}
