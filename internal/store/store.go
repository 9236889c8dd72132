// Package store defines the persistence interface and its BoltDB-backed
// implementation, adapted from services/orchestrator's
// persistence.go WorkflowStore. That store keyed a single workflow bucket
// by name with JSON values and an in-memory cache; this package generalizes
// that shape to the full domain model (Workflow, Job, Dependency,
// WorkflowRun, JobRun, BucketLease, Worker, ShardAssignment) and adds the
// compare-and-swap primitives the executor and scheduler need for
// exactly-once state transitions under concurrent workers.
package store

import (
	"context"
	"time"

	"github.com/datapillar/job/internal/model"
)

// Store is the persistence interface every component depends on instead of
// a concrete BoltDB type, so tests can substitute an in-memory fake.
type Store interface {
	PutWorkflow(ctx context.Context, wf model.Workflow) error
	GetWorkflow(ctx context.Context, id string) (model.Workflow, bool, error)
	ListWorkflows(ctx context.Context, limit, offset int) ([]model.Workflow, error)

	PutJob(ctx context.Context, j model.Job) error
	GetJob(ctx context.Context, workflowID, jobID string) (model.Job, bool, error)
	ListJobsByWorkflow(ctx context.Context, workflowID string) ([]model.Job, error)

	PutDependency(ctx context.Context, d model.Dependency) error
	ListDependenciesByWorkflow(ctx context.Context, workflowID string) ([]model.Dependency, error)

	CreateWorkflowRun(ctx context.Context, wr model.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (model.WorkflowRun, bool, error)
	UpdateWorkflowRunStatus(ctx context.Context, id string, status model.WorkflowRunStatus, expectedVersion int) error
	ListActiveWorkflowRunsByWorkflow(ctx context.Context, workflowID string) ([]model.WorkflowRun, error)

	CreateJobRun(ctx context.Context, jr model.JobRun) error
	GetJobRun(ctx context.Context, id string) (model.JobRun, bool, error)
	ListJobRunsByWorkflowRun(ctx context.Context, workflowRunID string) ([]model.JobRun, error)
	FindPendingJobRunsByBuckets(ctx context.Context, bucketIDs []int, limit int) ([]model.JobRun, error)
	CASJobRunStatus(ctx context.Context, id string, expected, next model.JobRunStatus, expectedVersion int, mutate func(*model.JobRun)) error

	UpsertBucketLease(ctx context.Context, lease model.BucketLease, expectedVersion int) error
	GetBucketLease(ctx context.Context, bucketID int) (model.BucketLease, bool, error)
	ListBucketLeases(ctx context.Context) ([]model.BucketLease, error)

	PutWorker(ctx context.Context, w model.Worker) error
	GetWorker(ctx context.Context, id string) (model.Worker, bool, error)
	ListWorkers(ctx context.Context) ([]model.Worker, error)
	DeleteWorker(ctx context.Context, id string) error

	PutShardAssignment(ctx context.Context, sa model.ShardAssignment) error
	ListShardAssignments(ctx context.Context, workflowRunID, jobID string) ([]model.ShardAssignment, error)

	Close() error
}

// ErrVersionMismatch is returned by CAS-style writes when the caller's
// expected version no longer matches the stored record, enforcing
// optimistic concurrency for JobRun/WorkflowRun/BucketLease updates.
var ErrVersionMismatch = model.ErrConflict

// now is the timestamp source for WorkflowRun end times; it is a package
// variable so a different clock can be substituted at one place.
var now = time.Now
