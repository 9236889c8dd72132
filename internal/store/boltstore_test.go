package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/datapillar/job/internal/model"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	mp := noopmetric.MeterProvider{}
	s, err := NewBoltStore(path, mp.Meter("test"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := model.Workflow{ID: "wf-1", Name: "etl", Status: model.WorkflowOnline}
	require.NoError(t, s.PutWorkflow(ctx, wf))

	got, found, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "etl", got.Name)
}

func TestCASJobRunStatusRejectsStaleVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jr := model.JobRun{ID: "jr-1", BucketID: 3, Status: model.JobRunPending, Version: 0}
	require.NoError(t, s.CreateJobRun(ctx, jr))

	err := s.CASJobRunStatus(ctx, "jr-1", model.JobRunPending, model.JobRunRunning, 0, func(r *model.JobRun) {
		r.StartTime = time.Now()
	})
	require.NoError(t, err)

	err = s.CASJobRunStatus(ctx, "jr-1", model.JobRunPending, model.JobRunRunning, 0, nil)
	require.ErrorIs(t, err, ErrVersionMismatch)

	got, _, err := s.GetJobRun(ctx, "jr-1")
	require.NoError(t, err)
	require.Equal(t, model.JobRunRunning, got.Status)
	require.EqualValues(t, 1, got.Version)
}

func TestFindPendingJobRunsByBucketsOnlyReturnsOwnedBuckets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJobRun(ctx, model.JobRun{ID: "a", BucketID: 1, Status: model.JobRunPending}))
	require.NoError(t, s.CreateJobRun(ctx, model.JobRun{ID: "b", BucketID: 2, Status: model.JobRunPending}))
	require.NoError(t, s.CreateJobRun(ctx, model.JobRun{ID: "c", BucketID: 1, Status: model.JobRunRunning}))

	runs, err := s.FindPendingJobRunsByBuckets(ctx, []int{1}, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "a", runs[0].ID)
}

func TestUpsertBucketLeaseVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lease := model.BucketLease{BucketID: 5, OwnerWorkerID: "w1", LeaseExpiry: time.Now().Add(time.Minute)}
	require.NoError(t, s.UpsertBucketLease(ctx, lease, 0))

	got, found, err := s.GetBucketLease(ctx, 5)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 1, got.Version)

	err = s.UpsertBucketLease(ctx, lease, 0)
	require.ErrorIs(t, err, ErrVersionMismatch)

	lease.OwnerWorkerID = "w2"
	require.NoError(t, s.UpsertBucketLease(ctx, lease, 1))
}

func TestUpdateWorkflowRunStatusCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wr := model.WorkflowRun{ID: "run-1", Status: model.WorkflowRunRunning, Version: 0}
	require.NoError(t, s.CreateWorkflowRun(ctx, wr))

	require.NoError(t, s.UpdateWorkflowRunStatus(ctx, "run-1", model.WorkflowRunCompleted, 0))
	err := s.UpdateWorkflowRunStatus(ctx, "run-1", model.WorkflowRunCompleted, 0)
	require.ErrorIs(t, err, ErrVersionMismatch)
}
