// Package executor implements the Workflow Executor: the
// state machine that turns a trigger into a WorkflowRun plus its initial
// JobRuns, and reacts to each JobRun's terminal transition by unblocking or
// skipping its children. Adapted from dag_engine.go's Execute
// path, but split from a single in-process channel-worker loop into
// persisted state transitions, since job execution itself now happens
// across a sharded, possibly multi-process scheduler rather than inline
// goroutines.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datapillar/job/internal/broadcast"
	"github.com/datapillar/job/internal/dagengine"
	"github.com/datapillar/job/internal/model"
)

// Store is the subset of store.Store the executor depends on.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (model.Workflow, bool, error)
	ListJobsByWorkflow(ctx context.Context, workflowID string) ([]model.Job, error)
	ListDependenciesByWorkflow(ctx context.Context, workflowID string) ([]model.Dependency, error)
	CreateWorkflowRun(ctx context.Context, wr model.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (model.WorkflowRun, bool, error)
	UpdateWorkflowRunStatus(ctx context.Context, id string, status model.WorkflowRunStatus, expectedVersion int) error
	ListActiveWorkflowRunsByWorkflow(ctx context.Context, workflowID string) ([]model.WorkflowRun, error)
	CreateJobRun(ctx context.Context, jr model.JobRun) error
	GetJobRun(ctx context.Context, id string) (model.JobRun, bool, error)
	ListJobRunsByWorkflowRun(ctx context.Context, workflowRunID string) ([]model.JobRun, error)
	CASJobRunStatus(ctx context.Context, id string, expected, next model.JobRunStatus, expectedVersion int, mutate func(*model.JobRun)) error
}

// Publisher is the subset of broadcast.Bus the executor needs to announce
// workflow- and job-level control events. *broadcast.Bus satisfies this.
type Publisher interface {
	Publish(ctx context.Context, subject, kind string, payload any) error
}

// workflowControlEvent is the payload published on
// broadcast.SubjectWorkflowControl for workflow_triggered/workflow_killed/
// workflow_completed events.
type workflowControlEvent struct {
	WorkflowRunID string `json:"workflow_run_id"`
	WorkflowID    string `json:"workflow_id"`
	TriggeredBy   string `json:"triggered_by,omitempty"`
}

// jobControlEvent is the payload published on broadcast.SubjectJobDispatch
// for trigger/retry/kill/pass/mark_failed events.
type jobControlEvent struct {
	JobRunID      string `json:"job_run_id"`
	WorkflowRunID string `json:"workflow_run_id"`
}

// Executor drives WorkflowRun/JobRun state transitions.
type Executor struct {
	store   Store
	buckets BucketCounter
	bus     Publisher
	log     *slog.Logger
}

// BucketCounter exposes the fixed bucket space size used to map a Job
// onto the hash ring (bucket_id = hash(job_id) mod B).
type BucketCounter interface {
	BucketCount() int
}

// New builds an Executor. bus may be nil, in which case workflow/job
// control events are simply not published (used by tests that don't care
// about broadcast traffic).
func New(st Store, buckets BucketCounter, bus Publisher, log *slog.Logger) *Executor {
	return &Executor{store: st, buckets: buckets, bus: bus, log: log}
}

func (e *Executor) publish(ctx context.Context, subject, kind string, payload any, logMsg string) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, subject, kind, payload); err != nil {
		e.log.Warn(logMsg, "error", err)
	}
}

// StartRun creates a new WorkflowRun and seeds JobRuns for every job with no
// unsatisfied dependency (the DAG's root set), leaving the rest "waiting".
// It refuses to start a second concurrent run, returning
// model.ErrNonTerminalRun, unless the caller passes allowOverlap.
func (e *Executor) StartRun(ctx context.Context, workflowID, triggeredBy string, allowOverlap bool) (model.WorkflowRun, error) {
	_, found, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return model.WorkflowRun{}, err
	}
	if !found {
		return model.WorkflowRun{}, model.ErrNotFound
	}

	if !allowOverlap {
		active, err := e.store.ListActiveWorkflowRunsByWorkflow(ctx, workflowID)
		if err != nil {
			return model.WorkflowRun{}, err
		}
		if len(active) > 0 {
			return model.WorkflowRun{}, model.ErrNonTerminalRun
		}
	}

	jobs, err := e.store.ListJobsByWorkflow(ctx, workflowID)
	if err != nil {
		return model.WorkflowRun{}, err
	}
	deps, err := e.store.ListDependenciesByWorkflow(ctx, workflowID)
	if err != nil {
		return model.WorkflowRun{}, err
	}

	graph := dagengine.BuildGraph(jobs, deps)
	if _, err := dagengine.Validate(graph); err != nil {
		return model.WorkflowRun{}, fmt.Errorf("workflow %s failed validation: %w", workflowID, err)
	}

	parentsOf := make(map[string][]string)
	for _, d := range deps {
		parentsOf[d.ToJobID] = append(parentsOf[d.ToJobID], d.FromJobID)
	}

	now := time.Now()
	run := model.WorkflowRun{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Status:      model.WorkflowRunRunning,
		StartTime:   now,
		TriggeredBy: triggeredBy,
	}
	if err := e.store.CreateWorkflowRun(ctx, run); err != nil {
		return model.WorkflowRun{}, err
	}
	e.publish(ctx, broadcast.SubjectWorkflowControl, "workflow_triggered",
		workflowControlEvent{WorkflowRunID: run.ID, WorkflowID: workflowID, TriggeredBy: triggeredBy},
		"publish workflow_triggered failed")

	jobRunIDs := make(map[string]string, len(jobs))
	for _, j := range jobs {
		jobRunIDs[j.ID] = uuid.NewString()
	}

	for _, j := range jobs {
		jrID := jobRunIDs[j.ID]
		parents := parentsOf[j.ID]
		parentRunIDs := make([]string, 0, len(parents))
		for _, p := range parents {
			parentRunIDs = append(parentRunIDs, jobRunIDs[p])
		}

		status := model.JobRunWaiting
		if len(parents) == 0 {
			status = model.JobRunPending
		}

		jr := model.JobRun{
			ID:            jrID,
			WorkflowRunID: run.ID,
			JobID:         j.ID,
			BucketID:      bucketFor(j.ID, e.buckets.BucketCount()),
			TriggerTime:   now,
			Status:        status,
			ParentRunIDs:  parentRunIDs,
			DependencyCompleted: make(map[string]bool, len(parentRunIDs)),
			Priority:      j.Priority,
		}
		if err := e.store.CreateJobRun(ctx, jr); err != nil {
			return model.WorkflowRun{}, err
		}
	}

	return run, nil
}

// StopRun transitions a running WorkflowRun to stopped. Every JobRun that
// never got a chance to start (waiting/pending) is skipped immediately so
// the run doesn't leave non-terminal JobRuns behind; a JobRun already
// running is left to the runtime's own cancellation path to tear down, but
// still gets a kill broadcast so the worker executing it can react. Each
// non-terminal JobRun's kill is published on SubjectJobDispatch, and the
// run itself publishes workflow_killed on SubjectWorkflowControl.
func (e *Executor) StopRun(ctx context.Context, runID string) error {
	run, found, err := e.store.GetWorkflowRun(ctx, runID)
	if err != nil {
		return err
	}
	if !found {
		return model.ErrNotFound
	}

	runs, err := e.store.ListJobRunsByWorkflowRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, jr := range runs {
		if jr.Status.IsTerminal() {
			continue
		}
		if jr.Status == model.JobRunWaiting || jr.Status == model.JobRunPending {
			if err := e.store.CASJobRunStatus(ctx, jr.ID, jr.Status, model.JobRunSkipped, int(jr.Version), nil); err != nil {
				e.log.Warn("skip job run on stop failed", "job_run_id", jr.ID, "error", err)
			}
		}
		e.publish(ctx, broadcast.SubjectJobDispatch, "kill",
			jobControlEvent{JobRunID: jr.ID, WorkflowRunID: runID},
			"publish job kill failed")
	}

	if err := e.store.UpdateWorkflowRunStatus(ctx, runID, model.WorkflowRunStopped, int(run.Version)); err != nil {
		return err
	}
	e.publish(ctx, broadcast.SubjectWorkflowControl, "workflow_killed",
		workflowControlEvent{WorkflowRunID: runID, WorkflowID: run.WorkflowID},
		"publish workflow_killed failed")
	return nil
}

// RerunRun resets fromJobID and everything downstream of it back to
// waiting/pending, clearing their recorded dependency-completion bookkeeping,
// and leaves every job outside that closure untouched: rerun-from-node must
// not re-execute already-completed unrelated branches.
func (e *Executor) RerunRun(ctx context.Context, runID, fromJobID string) error {
	run, found, err := e.store.GetWorkflowRun(ctx, runID)
	if err != nil {
		return err
	}
	if !found {
		return model.ErrNotFound
	}
	if !run.Status.IsTerminal() {
		return model.ErrNonTerminalRun
	}

	jobs, err := e.store.ListJobsByWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return err
	}
	deps, err := e.store.ListDependenciesByWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return err
	}
	graph := dagengine.BuildGraph(jobs, deps)
	closure := make(map[string]bool)
	for _, id := range dagengine.DownstreamClosure(graph, fromJobID) {
		closure[id] = true
	}

	siblings, err := e.store.ListJobRunsByWorkflowRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, jr := range siblings {
		if !closure[jr.JobID] {
			continue
		}
		next := model.JobRunWaiting
		if jr.JobID == fromJobID || len(jr.ParentRunIDs) == 0 {
			next = model.JobRunPending
		}
		if err := e.store.CASJobRunStatus(ctx, jr.ID, jr.Status, next, int(jr.Version), func(r *model.JobRun) {
			r.RetryCount = 0
			r.ErrorMessage = ""
			r.DependencyCompleted = make(map[string]bool)
		}); err != nil {
			e.log.Warn("rerun reset failed", "job_run_id", jr.ID, "error", err)
		}
	}

	return e.store.UpdateWorkflowRunStatus(ctx, runID, model.WorkflowRunRunning, int(run.Version))
}

// RetryJob resets a single failed/timeout JobRun back to pending, bumping
// its retry_count, for the manual "retry this job" control operation
// (distinct from the runtime's own automatic jittered retry loop).
func (e *Executor) RetryJob(ctx context.Context, jobRunID string) error {
	jr, found, err := e.store.GetJobRun(ctx, jobRunID)
	if err != nil {
		return err
	}
	if !found {
		return model.ErrNotFound
	}
	if jr.Status != model.JobRunFailed && jr.Status != model.JobRunTimeout {
		return fmt.Errorf("job run %s is not in a retryable state: %s", jobRunID, jr.Status)
	}
	return e.store.CASJobRunStatus(ctx, jobRunID, jr.Status, model.JobRunPending, int(jr.Version), func(r *model.JobRun) {
		r.RetryCount++
		r.ErrorMessage = ""
	})
}

// OnJobTerminal is invoked by the runtime once a JobRun reaches a terminal
// status. It marks the edge as completed on every child, then for each
// child whose dependency set is now fully satisfied (or permanently
// blocked) either transitions it to pending or skips it.
func (e *Executor) OnJobTerminal(ctx context.Context, jobRunID string) error {
	jr, found, err := e.store.GetJobRun(ctx, jobRunID)
	if err != nil {
		return err
	}
	if !found {
		return model.ErrNotFound
	}
	if !jr.Status.IsTerminal() {
		return fmt.Errorf("job run %s is not terminal: %s", jobRunID, jr.Status)
	}

	if jr.Status == model.JobRunCompleted || jr.Status == model.JobRunFailed || jr.Status == model.JobRunTimeout {
		kind := "pass"
		if jr.Status == model.JobRunFailed || jr.Status == model.JobRunTimeout {
			kind = "mark_failed"
		}
		e.publish(ctx, broadcast.SubjectJobDispatch, kind,
			jobControlEvent{JobRunID: jr.ID, WorkflowRunID: jr.WorkflowRunID},
			"publish job terminal event failed")
	}

	run, found, err := e.store.GetWorkflowRun(ctx, jr.WorkflowRunID)
	if err != nil {
		return err
	}
	if !found {
		return model.ErrNotFound
	}

	siblings, err := e.store.ListJobRunsByWorkflowRun(ctx, jr.WorkflowRunID)
	if err != nil {
		return err
	}
	runByJobID := make(map[string]model.JobRun, len(siblings))
	for _, s := range siblings {
		runByJobID[s.JobID] = s
	}

	deps, err := e.store.ListDependenciesByWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return err
	}
	depsByChild := make(map[string][]model.Dependency)
	for _, d := range deps {
		if d.FromJobID == jr.JobID {
			depsByChild[d.ToJobID] = append(depsByChild[d.ToJobID], d)
		}
	}
	allDepsByChild := make(map[string][]model.Dependency)
	for _, d := range deps {
		allDepsByChild[d.ToJobID] = append(allDepsByChild[d.ToJobID], d)
	}

	for childJobID := range depsByChild {
		child, ok := runByJobID[childJobID]
		if !ok || child.Status != model.JobRunWaiting {
			continue
		}

		if err := e.store.CASJobRunStatus(ctx, child.ID, model.JobRunWaiting, model.JobRunWaiting, int(child.Version), func(r *model.JobRun) {
			if r.DependencyCompleted == nil {
				r.DependencyCompleted = make(map[string]bool)
			}
			r.DependencyCompleted[jobRunID] = true
		}); err != nil {
			e.log.Warn("mark dependency completed failed", "child", child.ID, "error", err)
			continue
		}

		parents := make([]dagengine.ParentStatus, 0, len(allDepsByChild[childJobID]))
		for _, d := range allDepsByChild[childJobID] {
			parentRun, ok := runByJobID[d.FromJobID]
			if !ok {
				continue
			}
			parents = append(parents, dagengine.ParentStatus{Type: d.Type, Status: parentRun.Status})
		}
		e.maybeAdvanceChild(ctx, child.ID, parents)
	}

	e.maybeCompleteRun(ctx, jr.WorkflowRunID)
	return nil
}

func (e *Executor) maybeAdvanceChild(ctx context.Context, childID string, parents []dagengine.ParentStatus) {
	child, found, err := e.store.GetJobRun(ctx, childID)
	if err != nil || !found {
		return
	}
	if child.Status != model.JobRunWaiting || !child.AllDependenciesCompleted() {
		return
	}

	if dagengine.PermanentlyBlocked(parents) {
		_ = e.store.CASJobRunStatus(ctx, childID, model.JobRunWaiting, model.JobRunSkipped, int(child.Version), nil)
		return
	}
	if dagengine.DependenciesSatisfied(parents) {
		_ = e.store.CASJobRunStatus(ctx, childID, model.JobRunWaiting, model.JobRunPending, int(child.Version), nil)
	}
}

func (e *Executor) maybeCompleteRun(ctx context.Context, runID string) {
	runs, err := e.store.ListJobRunsByWorkflowRun(ctx, runID)
	if err != nil {
		return
	}
	allTerminal := true
	anyFailed := false
	for _, r := range runs {
		if !r.Status.IsTerminal() {
			allTerminal = false
			break
		}
		if r.Status == model.JobRunFailed || r.Status == model.JobRunTimeout {
			anyFailed = true
		}
	}
	if !allTerminal {
		return
	}

	run, found, err := e.store.GetWorkflowRun(ctx, runID)
	if err != nil || !found || run.Status.IsTerminal() {
		return
	}
	next := model.WorkflowRunCompleted
	if anyFailed {
		next = model.WorkflowRunFailed
	}
	if err := e.store.UpdateWorkflowRunStatus(ctx, runID, next, int(run.Version)); err != nil {
		return
	}
	e.publish(ctx, broadcast.SubjectWorkflowControl, "workflow_completed",
		workflowControlEvent{WorkflowRunID: runID, WorkflowID: run.WorkflowID},
		"publish workflow_completed failed")
}

func bucketFor(jobID string, bucketCount int) int {
	if bucketCount <= 0 {
		return 0
	}
	var h uint32
	for i := 0; i < len(jobID); i++ {
		h = h*31 + uint32(jobID[i])
	}
	return int(h % uint32(bucketCount))
}
