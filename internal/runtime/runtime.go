// Package runtime implements the Executor Runtime, Shard Coordinator, and
// Shard Receiver: the component that actually invokes a
// job handler, enforces its timeout, retries transient failures with
// jittered backoff, and — for sharded jobs — splits the input range across
// workers over the broadcast bus and aggregates partial results. The
// single-job path is grounded on dag_engine.go's executeTask
// (cache check dropped; retry/backoff/span shape kept); the shard fan-out
// has no equivalent in that source and is grounded on golang.org/x/sync/errgroup
// as used elsewhere for cancel-on-first-error fan-out.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/datapillar/job/internal/handler"
	"github.com/datapillar/job/internal/model"
	"github.com/datapillar/job/internal/resilience"
)

// Store is the subset of store.Store the runtime needs to resolve a
// JobRun's Job definition and record its outcome.
type Store interface {
	GetWorkflowRun(ctx context.Context, id string) (model.WorkflowRun, bool, error)
	GetJob(ctx context.Context, workflowID, jobID string) (model.Job, bool, error)
	CASJobRunStatus(ctx context.Context, id string, expected, next model.JobRunStatus, expectedVersion int, mutate func(*model.JobRun)) error
}

// TerminalNotifier is invoked once a JobRun reaches a terminal state, so
// the executor can unblock or skip the JobRun's children.
// executor.Executor.OnJobTerminal satisfies this.
type TerminalNotifier func(ctx context.Context, jobRunID string) error

// Runtime dispatches claimed JobRuns to their registered Handler.
type Runtime struct {
	store    Store
	handlers *handler.Registry
	notify   TerminalNotifier
	coord    *ShardCoordinator
	log      *slog.Logger
	tracer   trace.Tracer

	defaultTimeout time.Duration
	maxRetries     int
	retryBaseDelay time.Duration
}

// New builds a Runtime.
func New(st Store, handlers *handler.Registry, notify TerminalNotifier, coord *ShardCoordinator, defaultTimeout time.Duration, maxRetries int, retryBaseDelay time.Duration, log *slog.Logger) *Runtime {
	return &Runtime{
		store:          st,
		handlers:       handlers,
		notify:         notify,
		coord:          coord,
		log:            log,
		tracer:         otel.Tracer("datapillar-job-runtime"),
		defaultTimeout: defaultTimeout,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
	}
}

// Dispatch is the scheduler.Dispatcher implementation: it resolves the
// JobRun's Job definition and either runs it directly or, for sharded
// jobs, hands it to the ShardCoordinator.
func (r *Runtime) Dispatch(ctx context.Context, jr model.JobRun) {
	go r.run(context.WithoutCancel(ctx), jr)
}

func (r *Runtime) run(ctx context.Context, jr model.JobRun) {
	wr, found, err := r.store.GetWorkflowRun(ctx, jr.WorkflowRunID)
	if err != nil || !found {
		r.fail(ctx, jr, fmt.Errorf("resolve workflow run: %w", err))
		return
	}
	job, found, err := r.store.GetJob(ctx, wr.WorkflowID, jr.JobID)
	if err != nil || !found {
		r.fail(ctx, jr, fmt.Errorf("resolve job definition: %w", err))
		return
	}

	if job.Shard.IsSharded() {
		r.runSharded(ctx, jr, job)
		return
	}
	r.runSingle(ctx, jr, job)
}

func (r *Runtime) runSingle(ctx context.Context, jr model.JobRun, job model.Job) {
	ctx, span := r.tracer.Start(ctx, "runtime.execute_job",
		trace.WithAttributes(attribute.String("job_id", job.ID), attribute.String("job_run_id", jr.ID)))
	defer span.End()

	if _, ok := r.handlers.Lookup(job.HandlerType); !ok {
		r.failWithStatus(ctx, jr, jr.RetryCount, fmt.Errorf("%w: %s", model.ErrHandlerNotFound, job.HandlerType))
		return
	}

	timeout := r.defaultTimeout
	if job.TimeoutS > 0 {
		timeout = time.Duration(job.TimeoutS) * time.Second
	}
	maxRetries := r.maxRetries
	if job.MaxRetries > 0 {
		maxRetries = job.MaxRetries
	}
	baseDelay := r.retryBaseDelay
	if job.RetryIntervalS > 0 {
		baseDelay = time.Duration(job.RetryIntervalS) * time.Second
	}

	attempt := jr.RetryCount
	result, err := resilience.Retry(ctx, maxRetries-attempt+1, baseDelay, func(ctx context.Context) (map[string]any, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		out, err := r.handlers.Execute(callCtx, handler.JobContext{
			WorkflowRunID: jr.WorkflowRunID,
			JobRunID:      jr.ID,
			Job:           job,
			Attempt:       attempt,
		})
		if err != nil {
			if callCtx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", model.ErrTimeout, err)
			}
			return nil, &model.HandlerError{JobID: job.ID, Err: err}
		}
		return out, nil
	})

	if err != nil {
		r.failWithStatus(ctx, jr, attempt, err)
		return
	}
	r.complete(ctx, jr, attempt, result)
}

func (r *Runtime) complete(ctx context.Context, jr model.JobRun, attempt int, result map[string]any) {
	now := time.Now()
	err := r.store.CASJobRunStatus(ctx, jr.ID, model.JobRunRunning, model.JobRunCompleted, int(jr.Version), func(rec *model.JobRun) {
		rec.EndTime = now
		rec.RetryCount = attempt
	})
	if err != nil {
		r.log.Warn("complete CAS failed", "job_run_id", jr.ID, "error", err)
		return
	}
	if r.notify != nil {
		if err := r.notify(ctx, jr.ID); err != nil {
			r.log.Warn("terminal notify failed", "job_run_id", jr.ID, "error", err)
		}
	}
}

func (r *Runtime) failWithStatus(ctx context.Context, jr model.JobRun, attempt int, cause error) {
	now := time.Now()
	next := model.JobRunFailed
	if cause != nil && errors.Is(cause, model.ErrTimeout) {
		next = model.JobRunTimeout
	}
	err := r.store.CASJobRunStatus(ctx, jr.ID, model.JobRunRunning, next, int(jr.Version), func(rec *model.JobRun) {
		rec.EndTime = now
		rec.RetryCount = attempt
		if cause != nil {
			rec.ErrorMessage = cause.Error()
		}
	})
	if err != nil {
		r.log.Warn("fail CAS failed", "job_run_id", jr.ID, "error", err)
		return
	}
	if r.notify != nil {
		if err := r.notify(ctx, jr.ID); err != nil {
			r.log.Warn("terminal notify failed", "job_run_id", jr.ID, "error", err)
		}
	}
}

func (r *Runtime) fail(ctx context.Context, jr model.JobRun, cause error) {
	r.failWithStatus(ctx, jr, jr.RetryCount, cause)
}
