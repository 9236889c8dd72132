package runtime

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapillar/job/internal/handler"
	"github.com/datapillar/job/internal/model"
)

type fakeRuntimeStore struct {
	mu          sync.Mutex
	workflowRun model.WorkflowRun
	job         model.Job
	jobRuns     map[string]model.JobRun
}

func (f *fakeRuntimeStore) GetWorkflowRun(ctx context.Context, id string) (model.WorkflowRun, bool, error) {
	return f.workflowRun, true, nil
}

func (f *fakeRuntimeStore) GetJob(ctx context.Context, workflowID, jobID string) (model.Job, bool, error) {
	return f.job, true, nil
}

func (f *fakeRuntimeStore) CASJobRunStatus(ctx context.Context, id string, expected, next model.JobRunStatus, expectedVersion int, mutate func(*model.JobRun)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	jr, ok := f.jobRuns[id]
	if !ok || jr.Status != expected || int(jr.Version) != expectedVersion {
		return model.ErrConflict
	}
	jr.Status = next
	jr.Version++
	if mutate != nil {
		mutate(&jr)
	}
	f.jobRuns[id] = jr
	return nil
}

type countingHandler struct {
	mu      sync.Mutex
	calls   int
	failFor int
	delay   time.Duration
	respond map[string]any
}

func (h *countingHandler) HandlerType() string { return "test" }

func (h *countingHandler) Execute(ctx context.Context, jc handler.JobContext) (map[string]any, error) {
	h.mu.Lock()
	h.calls++
	call := h.calls
	h.mu.Unlock()

	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if call <= h.failFor {
		return nil, errors.New("transient failure")
	}
	return h.respond, nil
}

func newFakeStoreWithRun(jr model.JobRun, job model.Job) *fakeRuntimeStore {
	return &fakeRuntimeStore{
		workflowRun: model.WorkflowRun{ID: jr.WorkflowRunID, WorkflowID: "wf-1", Status: model.WorkflowRunRunning},
		job:         job,
		jobRuns:     map[string]model.JobRun{jr.ID: jr},
	}
}

func TestRuntimeRunSingleCompletesOnFirstSuccess(t *testing.T) {
	jr := model.JobRun{ID: "jr-1", WorkflowRunID: "wr-1", JobID: "job-a", Status: model.JobRunRunning}
	job := model.Job{ID: "job-a", HandlerType: "test", MaxRetries: 2, TimeoutS: 5, RetryIntervalS: 0}
	st := newFakeStoreWithRun(jr, job)

	h := &countingHandler{respond: map[string]any{"ok": true}}
	reg := handler.NewRegistry()
	reg.Register(h)

	var notified []string
	var mu sync.Mutex
	notify := func(ctx context.Context, jobRunID string) error {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, jobRunID)
		return nil
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	rt := New(st, reg, notify, nil, 5*time.Second, 3, time.Millisecond, log)

	rt.runSingle(context.Background(), jr, job)

	st.mu.Lock()
	got := st.jobRuns["jr-1"]
	st.mu.Unlock()
	require.Equal(t, model.JobRunCompleted, got.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"jr-1"}, notified)
}

func TestRuntimeRunSingleRetriesThenSucceeds(t *testing.T) {
	jr := model.JobRun{ID: "jr-2", WorkflowRunID: "wr-1", JobID: "job-a", Status: model.JobRunRunning}
	job := model.Job{ID: "job-a", HandlerType: "test", MaxRetries: 3, TimeoutS: 5, RetryIntervalS: 0}
	st := newFakeStoreWithRun(jr, job)

	h := &countingHandler{failFor: 2, respond: map[string]any{"ok": true}}
	reg := handler.NewRegistry()
	reg.Register(h)

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	rt := New(st, reg, nil, nil, 5*time.Second, 3, time.Millisecond, log)

	rt.runSingle(context.Background(), jr, job)

	st.mu.Lock()
	got := st.jobRuns["jr-2"]
	st.mu.Unlock()
	assert.Equal(t, model.JobRunCompleted, got.Status)
	assert.GreaterOrEqual(t, got.RetryCount, 3)
}

func TestRuntimeRunSingleTimesOutWhenHandlerOutlivesDeadline(t *testing.T) {
	jr := model.JobRun{ID: "jr-3", WorkflowRunID: "wr-1", JobID: "job-a", Status: model.JobRunRunning}
	job := model.Job{ID: "job-a", HandlerType: "test", MaxRetries: 1, TimeoutS: 0, RetryIntervalS: 0}
	st := newFakeStoreWithRun(jr, job)

	h := &countingHandler{delay: 200 * time.Millisecond}
	reg := handler.NewRegistry()
	reg.Register(h)

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	rt := New(st, reg, nil, nil, 20*time.Millisecond, 1, time.Millisecond, log)

	rt.runSingle(context.Background(), jr, job)

	st.mu.Lock()
	got := st.jobRuns["jr-3"]
	st.mu.Unlock()
	assert.Equal(t, model.JobRunTimeout, got.Status)
}

func TestRuntimeRunSingleExhaustsRetriesAndFails(t *testing.T) {
	jr := model.JobRun{ID: "jr-4", WorkflowRunID: "wr-1", JobID: "job-a", Status: model.JobRunRunning}
	job := model.Job{ID: "job-a", HandlerType: "test", MaxRetries: 2, TimeoutS: 5, RetryIntervalS: 0}
	st := newFakeStoreWithRun(jr, job)

	h := &countingHandler{failFor: 100}
	reg := handler.NewRegistry()
	reg.Register(h)

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	rt := New(st, reg, nil, nil, 5*time.Second, 2, time.Millisecond, log)

	rt.runSingle(context.Background(), jr, job)

	st.mu.Lock()
	got := st.jobRuns["jr-4"]
	st.mu.Unlock()
	assert.Equal(t, model.JobRunFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestRuntimeDispatchUnknownHandlerFails(t *testing.T) {
	jr := model.JobRun{ID: "jr-5", WorkflowRunID: "wr-1", JobID: "job-a", Status: model.JobRunRunning}
	job := model.Job{ID: "job-a", HandlerType: "nonexistent", MaxRetries: 1, TimeoutS: 5}
	st := newFakeStoreWithRun(jr, job)

	reg := handler.NewRegistry()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	rt := New(st, reg, nil, nil, 5*time.Second, 1, time.Millisecond, log)

	rt.runSingle(context.Background(), jr, job)

	st.mu.Lock()
	got := st.jobRuns["jr-5"]
	st.mu.Unlock()
	assert.Equal(t, model.JobRunFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount, "missing handler must fail without retrying")
	assert.Contains(t, got.ErrorMessage, "handler_not_found")
}
