package executor

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapillar/job/internal/model"
)

// fakeStore is an in-memory Store used to test the executor's state
// transitions without BoltDB, mirroring orchestrator_test.go's preference
// for lightweight in-memory fakes.
type fakeStore struct {
	mu           sync.Mutex
	workflows    map[string]model.Workflow
	jobs         map[string][]model.Job
	deps         map[string][]model.Dependency
	workflowRuns map[string]model.WorkflowRun
	jobRuns      map[string]model.JobRun
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workflows:    map[string]model.Workflow{},
		jobs:         map[string][]model.Job{},
		deps:         map[string][]model.Dependency{},
		workflowRuns: map[string]model.WorkflowRun{},
		jobRuns:      map[string]model.JobRun{},
	}
}

func (f *fakeStore) GetWorkflow(ctx context.Context, id string) (model.Workflow, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	return wf, ok, nil
}
func (f *fakeStore) ListJobsByWorkflow(ctx context.Context, workflowID string) ([]model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[workflowID], nil
}
func (f *fakeStore) ListDependenciesByWorkflow(ctx context.Context, workflowID string) ([]model.Dependency, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deps[workflowID], nil
}
func (f *fakeStore) CreateWorkflowRun(ctx context.Context, wr model.WorkflowRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflowRuns[wr.ID] = wr
	return nil
}
func (f *fakeStore) GetWorkflowRun(ctx context.Context, id string) (model.WorkflowRun, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wr, ok := f.workflowRuns[id]
	return wr, ok, nil
}
func (f *fakeStore) UpdateWorkflowRunStatus(ctx context.Context, id string, status model.WorkflowRunStatus, expectedVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wr, ok := f.workflowRuns[id]
	if !ok {
		return model.ErrNotFound
	}
	if int(wr.Version) != expectedVersion {
		return model.ErrConflict
	}
	wr.Status = status
	wr.Version++
	f.workflowRuns[id] = wr
	return nil
}
func (f *fakeStore) ListActiveWorkflowRunsByWorkflow(ctx context.Context, workflowID string) ([]model.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.WorkflowRun
	for _, wr := range f.workflowRuns {
		if wr.WorkflowID == workflowID && (wr.Status == model.WorkflowRunPending || wr.Status == model.WorkflowRunRunning) {
			out = append(out, wr)
		}
	}
	return out, nil
}
func (f *fakeStore) CreateJobRun(ctx context.Context, jr model.JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobRuns[jr.ID] = jr
	return nil
}
func (f *fakeStore) GetJobRun(ctx context.Context, id string) (model.JobRun, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jr, ok := f.jobRuns[id]
	return jr, ok, nil
}
func (f *fakeStore) ListJobRunsByWorkflowRun(ctx context.Context, workflowRunID string) ([]model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.JobRun
	for _, jr := range f.jobRuns {
		if jr.WorkflowRunID == workflowRunID {
			out = append(out, jr)
		}
	}
	return out, nil
}
func (f *fakeStore) CASJobRunStatus(ctx context.Context, id string, expected, next model.JobRunStatus, expectedVersion int, mutate func(*model.JobRun)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	jr, ok := f.jobRuns[id]
	if !ok {
		return model.ErrNotFound
	}
	if jr.Status != expected || int(jr.Version) != expectedVersion {
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

type fixedBuckets struct{ n int }

func (f fixedBuckets) BucketCount() int { return f.n }

// fakeBus records every publish so tests can assert on the control events
// an executor operation emits, without a real NATS connection.
type fakeBus struct {
	mu        sync.Mutex
	published []publishedEvent
}

type publishedEvent struct {
	subject string
	kind    string
	payload any
}

func (b *fakeBus) Publish(ctx context.Context, subject, kind string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedEvent{subject: subject, kind: kind, payload: payload})
	return nil
}

func (b *fakeBus) kinds() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.published {
		out = append(out, e.kind)
	}
	return out
}

func newTestExecutor() (*Executor, *fakeStore, *fakeBus) {
	fs := newFakeStore()
	bus := &fakeBus{}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return New(fs, fixedBuckets{n: 16}, bus, log), fs, bus
}

func seedLinearWorkflow(fs *fakeStore) {
	fs.workflows["wf-1"] = model.Workflow{ID: "wf-1", Status: model.WorkflowOnline}
	fs.jobs["wf-1"] = []model.Job{{ID: "a", WorkflowID: "wf-1"}, {ID: "b", WorkflowID: "wf-1"}}
	fs.deps["wf-1"] = []model.Dependency{{WorkflowID: "wf-1", FromJobID: "a", ToJobID: "b", Type: model.DependencySuccess}}
}

func TestStartRunSeedsRootPendingAndChildWaiting(t *testing.T) {
	ex, fs, bus := newTestExecutor()
	seedLinearWorkflow(fs)

	run, err := ex.StartRun(context.Background(), "wf-1", "manual", false)
	require.NoError(t, err)

	runs, _ := fs.ListJobRunsByWorkflowRun(context.Background(), run.ID)
	require.Len(t, runs, 2)
	byJob := map[string]model.JobRun{}
	for _, r := range runs {
		byJob[r.JobID] = r
	}
	assert.Equal(t, model.JobRunPending, byJob["a"].Status)
	assert.Equal(t, model.JobRunWaiting, byJob["b"].Status)

	assert.Contains(t, bus.kinds(), "workflow_triggered")
}

func TestStartRunRejectsOverlapWithoutAllowOverlap(t *testing.T) {
	ex, fs, _ := newTestExecutor()
	seedLinearWorkflow(fs)

	_, err := ex.StartRun(context.Background(), "wf-1", "manual", false)
	require.NoError(t, err)

	_, err = ex.StartRun(context.Background(), "wf-1", "manual", false)
	require.ErrorIs(t, err, model.ErrNonTerminalRun)
}

func TestOnJobTerminalUnblocksSuccessChild(t *testing.T) {
	ex, fs, _ := newTestExecutor()
	seedLinearWorkflow(fs)
	run, err := ex.StartRun(context.Background(), "wf-1", "manual", false)
	require.NoError(t, err)

	runs, _ := fs.ListJobRunsByWorkflowRun(context.Background(), run.ID)
	var aID, bID string
	for _, r := range runs {
		if r.JobID == "a" {
			aID = r.ID
		} else {
			bID = r.ID
		}
	}

	require.NoError(t, fs.CASJobRunStatus(context.Background(), aID, model.JobRunPending, model.JobRunCompleted, 0, nil))
	require.NoError(t, ex.OnJobTerminal(context.Background(), aID))

	b, _, _ := fs.GetJobRun(context.Background(), bID)
	assert.Equal(t, model.JobRunPending, b.Status)

	wr, _, _ := fs.GetWorkflowRun(context.Background(), run.ID)
	assert.Equal(t, model.WorkflowRunRunning, wr.Status)
}

func TestOnJobTerminalSkipsChildWhenParentFailsSuccessEdge(t *testing.T) {
	ex, fs, bus := newTestExecutor()
	seedLinearWorkflow(fs)
	run, err := ex.StartRun(context.Background(), "wf-1", "manual", false)
	require.NoError(t, err)

	runs, _ := fs.ListJobRunsByWorkflowRun(context.Background(), run.ID)
	var aID, bID string
	for _, r := range runs {
		if r.JobID == "a" {
			aID = r.ID
		} else {
			bID = r.ID
		}
	}

	require.NoError(t, fs.CASJobRunStatus(context.Background(), aID, model.JobRunPending, model.JobRunFailed, 0, nil))
	require.NoError(t, ex.OnJobTerminal(context.Background(), aID))

	b, _, _ := fs.GetJobRun(context.Background(), bID)
	assert.Equal(t, model.JobRunSkipped, b.Status)

	wr, _, _ := fs.GetWorkflowRun(context.Background(), run.ID)
	assert.Equal(t, model.WorkflowRunFailed, wr.Status)

	assert.Contains(t, bus.kinds(), "mark_failed")
	assert.Contains(t, bus.kinds(), "workflow_completed")
}

func TestStopRunSkipsNonTerminalJobRunsAndPublishesKill(t *testing.T) {
	ex, fs, bus := newTestExecutor()
	seedLinearWorkflow(fs)
	run, err := ex.StartRun(context.Background(), "wf-1", "manual", false)
	require.NoError(t, err)

	require.NoError(t, ex.StopRun(context.Background(), run.ID))

	runs, _ := fs.ListJobRunsByWorkflowRun(context.Background(), run.ID)
	for _, r := range runs {
		assert.True(t, r.Status.IsTerminal(), "job run %s left non-terminal: %s", r.JobID, r.Status)
		assert.Equal(t, model.JobRunSkipped, r.Status)
	}

	wr, _, _ := fs.GetWorkflowRun(context.Background(), run.ID)
	assert.Equal(t, model.WorkflowRunStopped, wr.Status)

	kinds := bus.kinds()
	assert.Contains(t, kinds, "workflow_killed")
	killCount := 0
	for _, k := range kinds {
		if k == "kill" {
			killCount++
		}
	}
	assert.Equal(t, len(runs), killCount)
}

func TestRetryJobResetsFailedRunToPending(t *testing.T) {
	ex, fs, _ := newTestExecutor()
	fs.jobRuns["jr-1"] = model.JobRun{ID: "jr-1", Status: model.JobRunFailed, RetryCount: 1}

	require.NoError(t, ex.RetryJob(context.Background(), "jr-1"))
	jr, _, _ := fs.GetJobRun(context.Background(), "jr-1")
	assert.Equal(t, model.JobRunPending, jr.Status)
	assert.Equal(t, 2, jr.RetryCount)
}
