// Package model defines the entities shared by every datapillar-job
// component: workflows, jobs, dependencies, runs, bucket leases and shard
// assignments. Types here carry JSON tags because the persistence adapter
// (internal/store) stores JSON-encoded values, following the
// WorkflowStore convention of marshalling domain structs straight to disk.
package model

import "time"

// TriggerKind is how a Workflow is started.
type TriggerKind string

const (
	TriggerManual TriggerKind = "manual"
	TriggerCron   TriggerKind = "cron"
	TriggerEvent  TriggerKind = "event"
)

// WorkflowStatus is the lifecycle state of a Workflow definition.
type WorkflowStatus string

const (
	WorkflowDraft   WorkflowStatus = "draft"
	WorkflowOnline  WorkflowStatus = "online"
	WorkflowOffline WorkflowStatus = "offline"
)

// DependencyType is the predicate a parent JobRun's terminal status must
// satisfy before a child JobRun is eligible to run.
type DependencyType string

const (
	DependencySuccess  DependencyType = "SUCCESS"
	DependencyFailure  DependencyType = "FAILURE"
	DependencyComplete DependencyType = "COMPLETE"
)

// WorkflowRunStatus is the lifecycle state of a single workflow execution.
type WorkflowRunStatus string

const (
	WorkflowRunPending   WorkflowRunStatus = "pending"
	WorkflowRunRunning   WorkflowRunStatus = "running"
	WorkflowRunCompleted WorkflowRunStatus = "completed"
	WorkflowRunFailed    WorkflowRunStatus = "failed"
	WorkflowRunStopped   WorkflowRunStatus = "stopped"
)

// IsTerminal reports whether a WorkflowRun has reached a final state.
func (s WorkflowRunStatus) IsTerminal() bool {
	switch s {
	case WorkflowRunCompleted, WorkflowRunFailed, WorkflowRunStopped:
		return true
	default:
		return false
	}
}

// JobRunStatus is the lifecycle state of a single job execution.
type JobRunStatus string

const (
	JobRunWaiting   JobRunStatus = "waiting"
	JobRunPending   JobRunStatus = "pending"
	JobRunRunning   JobRunStatus = "running"
	JobRunCompleted JobRunStatus = "completed"
	JobRunFailed    JobRunStatus = "failed"
	JobRunSkipped   JobRunStatus = "skipped"
	JobRunTimeout   JobRunStatus = "timeout"
)

// IsTerminal reports whether a JobRun in this status will never transition
// again except via an explicit retry (failed -> pending).
func (s JobRunStatus) IsTerminal() bool {
	switch s {
	case JobRunCompleted, JobRunFailed, JobRunSkipped, JobRunTimeout:
		return true
	default:
		return false
	}
}

// SatisfiesDependency reports whether a parent terminating in this status
// satisfies the given DependencyType predicate.
func (s JobRunStatus) SatisfiesDependency(dt DependencyType) bool {
	switch dt {
	case DependencySuccess:
		return s == JobRunCompleted
	case DependencyFailure:
		return s == JobRunFailed
	case DependencyComplete:
		return s == JobRunCompleted || s == JobRunFailed || s == JobRunSkipped
	default:
		return false
	}
}

// Workflow is a DAG definition of jobs with dependencies.
type Workflow struct {
	ID           string         `json:"id"`
	NamespaceID  string         `json:"namespace_id"`
	Name         string         `json:"name"`
	TriggerKind  TriggerKind    `json:"trigger_kind"`
	TriggerValue string         `json:"trigger_value"`
	Status       WorkflowStatus `json:"status"`
	TimeoutS     int            `json:"timeout_s"`
	MaxRetries   int            `json:"max_retries"`
	Priority     int            `json:"priority"`
	Jobs         []Job          `json:"jobs"`
	Dependencies []Dependency   `json:"dependencies"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ShardSpec describes a wide-fanout shard-parallel job's input range.
type ShardSpec struct {
	Start       int64 `json:"start"`
	End         int64 `json:"end"`
	Parallelism int   `json:"parallelism"`
}

// IsSharded reports whether a Job fans out across workers.
func (s *ShardSpec) IsSharded() bool {
	return s != nil && s.Parallelism > 1
}

// Job is a unit of work within a Workflow, keyed into the handler registry
// by HandlerType.
type Job struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	Name            string         `json:"name"`
	HandlerType     string         `json:"handler_type"`
	Params          map[string]any `json:"params,omitempty"`
	TimeoutS        int            `json:"timeout_s"`
	MaxRetries      int            `json:"max_retries"`
	RetryIntervalS  int            `json:"retry_interval_s"`
	Priority        int            `json:"priority"`
	Shard           *ShardSpec     `json:"shard,omitempty"`
}

// Dependency is a directed edge (From -> To) within a workflow.
type Dependency struct {
	WorkflowID string         `json:"workflow_id"`
	FromJobID  string         `json:"from_job_id"`
	ToJobID    string         `json:"to_job_id"`
	Type       DependencyType `json:"dependency_type"`
}

// WorkflowRun is a single execution instance of a Workflow.
type WorkflowRun struct {
	ID          string            `json:"id"`
	WorkflowID  string            `json:"workflow_id"`
	Status      WorkflowRunStatus `json:"status"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time,omitempty"`
	TriggeredBy string            `json:"triggered_by"`
	Version     int64             `json:"version"`
}

// JobRun is a single execution instance of a Job within a WorkflowRun.
type JobRun struct {
	ID                  string          `json:"id"`
	WorkflowRunID       string          `json:"workflow_run_id"`
	JobID               string          `json:"job_id"`
	BucketID            int             `json:"bucket_id"`
	TriggerTime         time.Time       `json:"trigger_time"`
	Status              JobRunStatus    `json:"status"`
	RetryCount          int             `json:"retry_count"`
	StartTime           time.Time       `json:"start_time,omitempty"`
	EndTime             time.Time       `json:"end_time,omitempty"`
	ParentRunIDs        []string        `json:"parent_run_ids"`
	DependencyCompleted map[string]bool `json:"dependency_completed"`
	Priority            int             `json:"priority"`
	Version             int64           `json:"version"`
	ErrorMessage        string          `json:"error_message,omitempty"`
}

// AllDependenciesCompleted reports whether every parent run-id has reported
// in, independent of whether the reported statuses satisfy their edges'
// predicates (that check lives in dagengine.DependenciesSatisfied, which
// needs the parents' statuses, not just completion bookkeeping).
func (jr *JobRun) AllDependenciesCompleted() bool {
	if len(jr.ParentRunIDs) == 0 {
		return true
	}
	for _, p := range jr.ParentRunIDs {
		if !jr.DependencyCompleted[p] {
			return false
		}
	}
	return true
}

// BucketLease is a persisted claim by a worker on a bucket of the job-id
// space, refreshed periodically and revocable on expiry.
type BucketLease struct {
	BucketID      int       `json:"bucket_id"`
	OwnerWorkerID string    `json:"owner_worker_id"`
	LeaseExpiry   time.Time `json:"lease_expiry"`
	Version       int64     `json:"version"`
}

// Released reports whether the lease is free for another worker to claim.
func (l BucketLease) Released(now time.Time) bool {
	return l.OwnerWorkerID == "" || now.After(l.LeaseExpiry)
}

// Worker is a live node in the scheduling cluster.
type Worker struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	JoinedAt      time.Time `json:"joined_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LoadHint      float64   `json:"load_hint"`
}

// ShardAssignment tracks one sub-range of a sharded JobRun dispatched to a
// specific worker.
type ShardAssignment struct {
	JobRunID       string       `json:"job_run_id"`
	ShardIndex     int          `json:"shard_index"`
	RangeStart     int64        `json:"range_start"`
	RangeEnd       int64        `json:"range_end"`
	AssigneeID     string       `json:"assignee_worker_id"`
	Status         JobRunStatus `json:"status"`
	ResultMessage  string       `json:"result_message,omitempty"`
}
