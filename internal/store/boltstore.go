package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/datapillar/job/internal/model"
	"github.com/datapillar/job/internal/resilience"
)

var (
	bucketWorkflows       = []byte("workflows")
	bucketJobs            = []byte("jobs")
	bucketDependencies    = []byte("dependencies")
	bucketWorkflowRuns    = []byte("workflow_runs")
	bucketJobRuns         = []byte("job_runs")
	bucketJobRunsByBucket = []byte("job_runs_by_bucket")
	bucketBucketLeases    = []byte("bucket_leases")
	bucketWorkers         = []byte("workers")
	bucketShardAssign     = []byte("shard_assignments")
)

var allBuckets = [][]byte{
	bucketWorkflows, bucketJobs, bucketDependencies, bucketWorkflowRuns,
	bucketJobRuns, bucketJobRunsByBucket, bucketBucketLeases, bucketWorkers,
	bucketShardAssign,
}

// BoltStore is the production Store, adapted from
// WorkflowStore: same BoltDB options, same read/write latency histograms
// and cache-hit/miss counters, generalized from a single workflows bucket
// to one bucket per entity plus a secondary index bucket for bucket-sharded
// JobRun polling.
type BoltStore struct {
	db *bbolt.DB

	mu            sync.RWMutex
	workflowCache map[string]model.Workflow

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// NewBoltStore opens (or creates) the BoltDB file at path and prepares every
// bucket this package needs.
func NewBoltStore(path string, meter metric.Meter) (*BoltStore, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		NoGrowSync:   false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("datapillar_job_db_read_ms")
	writeLatency, _ := meter.Float64Histogram("datapillar_job_db_write_ms")
	cacheHits, _ := meter.Int64Counter("datapillar_job_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("datapillar_job_cache_misses_total")

	s := &BoltStore{
		db:            db,
		workflowCache: make(map[string]model.Workflow),
		readLatency:   readLatency,
		writeLatency:  writeLatency,
		cacheHits:     cacheHits,
		cacheMisses:   cacheMisses,
	}
	if err := s.warmCache(); err != nil {
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var wf model.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return nil
			}
			s.workflowCache[wf.ID] = wf
			return nil
		})
	})
}

func (s *BoltStore) recordLatency(ctx context.Context, h metric.Float64Histogram, start time.Time, op string) {
	h.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

// --- Workflow ---

func (s *BoltStore) PutWorkflow(ctx context.Context, wf model.Workflow) error {
	start := time.Now()
	defer s.recordLatency(ctx, s.writeLatency, start, "put_workflow")

	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	err = resilience.RetryTransient(ctx, 2*time.Second, func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketWorkflows).Put([]byte(wf.ID), data)
		})
	})
	if err != nil {
		return fmt.Errorf("write workflow: %w", err)
	}
	s.mu.Lock()
	s.workflowCache[wf.ID] = wf
	s.mu.Unlock()
	return nil
}

func (s *BoltStore) GetWorkflow(ctx context.Context, id string) (model.Workflow, bool, error) {
	start := time.Now()
	defer s.recordLatency(ctx, s.readLatency, start, "get_workflow")

	s.mu.RLock()
	if wf, ok := s.workflowCache[id]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "workflow")))
		return wf, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "workflow")))

	var wf model.Workflow
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return model.Workflow{}, false, fmt.Errorf("read workflow: %w", err)
	}
	if !found {
		return model.Workflow{}, false, nil
	}
	s.mu.Lock()
	s.workflowCache[id] = wf
	s.mu.Unlock()
	return wf, true, nil
}

func (s *BoltStore) ListWorkflows(ctx context.Context, limit, offset int) ([]model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]model.Workflow, 0, len(s.workflowCache))
	for _, wf := range s.workflowCache {
		all = append(all, wf)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	start := offset
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// --- Job / Dependency ---

func jobKey(workflowID, jobID string) []byte {
	return []byte(workflowID + "/" + jobID)
}

func (s *BoltStore) PutJob(ctx context.Context, j model.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Put(jobKey(j.WorkflowID, j.ID), data)
	})
}

func (s *BoltStore) GetJob(ctx context.Context, workflowID, jobID string) (model.Job, bool, error) {
	var j model.Job
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get(jobKey(workflowID, jobID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &j)
	})
	return j, found, err
}

func (s *BoltStore) ListJobsByWorkflow(ctx context.Context, workflowID string) ([]model.Job, error) {
	prefix := []byte(workflowID + "/")
	var jobs []model.Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var j model.Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}
			jobs = append(jobs, j)
		}
		return nil
	})
	return jobs, err
}

func depKey(workflowID, from, to string) []byte {
	return []byte(workflowID + "/" + from + "/" + to)
}

func (s *BoltStore) PutDependency(ctx context.Context, d model.Dependency) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dependency: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDependencies).Put(depKey(d.WorkflowID, d.FromJobID, d.ToJobID), data)
	})
}

func (s *BoltStore) ListDependenciesByWorkflow(ctx context.Context, workflowID string) ([]model.Dependency, error) {
	prefix := []byte(workflowID + "/")
	var deps []model.Dependency
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDependencies).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var d model.Dependency
			if err := json.Unmarshal(v, &d); err != nil {
				continue
			}
			deps = append(deps, d)
		}
		return nil
	})
	return deps, err
}

// --- WorkflowRun ---

func (s *BoltStore) CreateWorkflowRun(ctx context.Context, wr model.WorkflowRun) error {
	data, err := json.Marshal(wr)
	if err != nil {
		return fmt.Errorf("marshal workflow run: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflowRuns).Put([]byte(wr.ID), data)
	})
}

func (s *BoltStore) GetWorkflowRun(ctx context.Context, id string) (model.WorkflowRun, bool, error) {
	var wr model.WorkflowRun
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflowRuns).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &wr)
	})
	return wr, found, err
}

func (s *BoltStore) UpdateWorkflowRunStatus(ctx context.Context, id string, status model.WorkflowRunStatus, expectedVersion int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWorkflowRuns)
		data := b.Get([]byte(id))
		if data == nil {
			return model.ErrNotFound
		}
		var wr model.WorkflowRun
		if err := json.Unmarshal(data, &wr); err != nil {
			return err
		}
		if int(wr.Version) != expectedVersion {
			return ErrVersionMismatch
		}
		wr.Status = status
		wr.Version++
		if status == model.WorkflowRunCompleted || status == model.WorkflowRunFailed || status == model.WorkflowRunStopped {
			wr.EndTime = now()
		}
		next, err := json.Marshal(wr)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), next)
	})
}

func (s *BoltStore) ListActiveWorkflowRunsByWorkflow(ctx context.Context, workflowID string) ([]model.WorkflowRun, error) {
	var runs []model.WorkflowRun
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflowRuns).ForEach(func(k, v []byte) error {
			var wr model.WorkflowRun
			if err := json.Unmarshal(v, &wr); err != nil {
				return nil
			}
			if wr.WorkflowID != workflowID {
				return nil
			}
			if wr.Status == model.WorkflowRunPending || wr.Status == model.WorkflowRunRunning {
				runs = append(runs, wr)
			}
			return nil
		})
	})
	return runs, err
}

// --- JobRun ---

func bucketIndexKey(bucketID int, status model.JobRunStatus, jobRunID string) []byte {
	return []byte(fmt.Sprintf("%05d/%s/%s", bucketID, status, jobRunID))
}

func (s *BoltStore) CreateJobRun(ctx context.Context, jr model.JobRun) error {
	data, err := json.Marshal(jr)
	if err != nil {
		return fmt.Errorf("marshal job run: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketJobRuns).Put([]byte(jr.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketJobRunsByBucket).Put(bucketIndexKey(jr.BucketID, jr.Status, jr.ID), []byte(jr.ID))
	})
}

func (s *BoltStore) GetJobRun(ctx context.Context, id string) (model.JobRun, bool, error) {
	var jr model.JobRun
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketJobRuns).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &jr)
	})
	return jr, found, err
}

func (s *BoltStore) ListJobRunsByWorkflowRun(ctx context.Context, workflowRunID string) ([]model.JobRun, error) {
	var runs []model.JobRun
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobRuns).ForEach(func(k, v []byte) error {
			var jr model.JobRun
			if err := json.Unmarshal(v, &jr); err != nil {
				return nil
			}
			if jr.WorkflowRunID == workflowRunID {
				runs = append(runs, jr)
			}
			return nil
		})
	})
	return runs, err
}

// FindPendingJobRunsByBuckets scans the bucket/status secondary index for
// JobRuns in "pending" status owned by any of bucketIDs, up to limit. This
// is the query the sharded scheduler's dispatch loop polls on: a scheduler
// shard only ever reads buckets it currently owns.
func (s *BoltStore) FindPendingJobRunsByBuckets(ctx context.Context, bucketIDs []int, limit int) ([]model.JobRun, error) {
	owned := make(map[int]bool, len(bucketIDs))
	for _, b := range bucketIDs {
		owned[b] = true
	}

	var runs []model.JobRun
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketJobRunsByBucket)
		runBucket := tx.Bucket(bucketJobRuns)
		for _, bid := range bucketIDs {
			if len(runs) >= limit {
				break
			}
			prefix := []byte(fmt.Sprintf("%05d/%s/", bid, model.JobRunPending))
			c := idx.Cursor()
			for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
				if len(runs) >= limit {
					break
				}
				data := runBucket.Get(v)
				if data == nil {
					continue
				}
				var jr model.JobRun
				if err := json.Unmarshal(data, &jr); err != nil {
					continue
				}
				if !owned[jr.BucketID] {
					continue
				}
				runs = append(runs, jr)
			}
		}
		return nil
	})
	return runs, err
}

// CASJobRunStatus atomically transitions a JobRun from expected to next
// status, applying mutate to the in-flight record first (retry_count,
// timestamps, error_message), and fails with ErrVersionMismatch if either
// the status or version has moved since the caller observed it. This is the
// primitive the "exactly one scheduler wins the claim" property rests on.
func (s *BoltStore) CASJobRunStatus(ctx context.Context, id string, expected, next model.JobRunStatus, expectedVersion int, mutate func(*model.JobRun)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketJobRuns)
		data := b.Get([]byte(id))
		if data == nil {
			return model.ErrNotFound
		}
		var jr model.JobRun
		if err := json.Unmarshal(data, &jr); err != nil {
			return err
		}
		if jr.Status != expected || int(jr.Version) != expectedVersion {
			return ErrVersionMismatch
		}
		oldBucketKey := bucketIndexKey(jr.BucketID, jr.Status, jr.ID)
		jr.Status = next
		jr.Version++
		if mutate != nil {
			mutate(&jr)
		}
		encoded, err := json.Marshal(jr)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), encoded); err != nil {
			return err
		}
		idx := tx.Bucket(bucketJobRunsByBucket)
		if err := idx.Delete(oldBucketKey); err != nil {
			return err
		}
		return idx.Put(bucketIndexKey(jr.BucketID, jr.Status, jr.ID), []byte(jr.ID))
	})
}

// --- BucketLease ---

func leaseKey(bucketID int) []byte {
	return []byte(strconv.Itoa(bucketID))
}

func (s *BoltStore) UpsertBucketLease(ctx context.Context, lease model.BucketLease, expectedVersion int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBucketLeases)
		data := b.Get(leaseKey(lease.BucketID))
		if data != nil {
			var existing model.BucketLease
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if int(existing.Version) != expectedVersion {
				return ErrVersionMismatch
			}
		} else if expectedVersion != 0 {
			return ErrVersionMismatch
		}
		lease.Version = int64(expectedVersion) + 1
		encoded, err := json.Marshal(lease)
		if err != nil {
			return err
		}
		return b.Put(leaseKey(lease.BucketID), encoded)
	})
}

func (s *BoltStore) GetBucketLease(ctx context.Context, bucketID int) (model.BucketLease, bool, error) {
	var lease model.BucketLease
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketBucketLeases).Get(leaseKey(bucketID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &lease)
	})
	return lease, found, err
}

func (s *BoltStore) ListBucketLeases(ctx context.Context) ([]model.BucketLease, error) {
	var leases []model.BucketLease
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBucketLeases).ForEach(func(k, v []byte) error {
			var l model.BucketLease
			if err := json.Unmarshal(v, &l); err != nil {
				return nil
			}
			leases = append(leases, l)
			return nil
		})
	})
	return leases, err
}

// --- Worker ---

func (s *BoltStore) PutWorker(ctx context.Context, w model.Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal worker: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkers).Put([]byte(w.ID), data)
	})
}

func (s *BoltStore) GetWorker(ctx context.Context, id string) (model.Worker, bool, error) {
	var w model.Worker
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &w)
	})
	return w, found, err
}

func (s *BoltStore) ListWorkers(ctx context.Context) ([]model.Worker, error) {
	var workers []model.Worker
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var w model.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return nil
			}
			workers = append(workers, w)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) DeleteWorker(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(id))
	})
}

// --- ShardAssignment ---

func shardKey(jobRunID string, shardIndex int) []byte {
	return []byte(fmt.Sprintf("%s/%05d", jobRunID, shardIndex))
}

func (s *BoltStore) PutShardAssignment(ctx context.Context, sa model.ShardAssignment) error {
	data, err := json.Marshal(sa)
	if err != nil {
		return fmt.Errorf("marshal shard assignment: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketShardAssign).Put(shardKey(sa.JobRunID, sa.ShardIndex), data)
	})
}

func (s *BoltStore) ListShardAssignments(ctx context.Context, workflowRunID, jobRunID string) ([]model.ShardAssignment, error) {
	prefix := []byte(jobRunID + "/")
	var assignments []model.ShardAssignment
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketShardAssign).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var sa model.ShardAssignment
			if err := json.Unmarshal(v, &sa); err != nil {
				continue
			}
			assignments = append(assignments, sa)
		}
		return nil
	})
	return assignments, err
}
