package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ivoscc/kubernetes-task-runner/internal/batch"
	"github.com/ivoscc/kubernetes-task-runner/internal/cluster"
	"github.com/ivoscc/kubernetes-task-runner/internal/repository"
)

type fakeClusterLister struct {
	observations  map[string]cluster.Observation
	cleanupLaunch []string
	cleanupErr    error
}

func (f *fakeClusterLister) ListJobs(ctx context.Context) (map[string]cluster.Observation, error) {
	return f.observations, nil
}

func (f *fakeClusterLister) CreateCleanupJob(ctx context.Context, record *batch.Job) error {
	if f.cleanupErr != nil {
		return f.cleanupErr
	}
	f.cleanupLaunch = append(f.cleanupLaunch, record.Name)
	return nil
}

type fakeTeardown struct {
	calls []string
}

func (f *fakeTeardown) Teardown(ctx context.Context, id string) error {
	f.calls = append(f.calls, id)
	return nil
}

type fakeStore struct{}

func (fakeStore) URLFor(key string) string { return "memory://" + key }

func newTestReconciler(fc *fakeClusterLister, repo repository.Repository, td *fakeTeardown) *Reconciler {
	return New(fc, repo, td, fakeStore{}, zap.NewNop(), time.Second, 2)
}

func TestReconcile_CreatedToRunning(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.Insert(ctx, &batch.Job{ID: "a", Name: "job-a", Status: batch.StatusCreated}))

	fc := &fakeClusterLister{observations: map[string]cluster.Observation{
		"job-a": {Active: 1, StartTime: 1000},
	}}
	td := &fakeTeardown{}
	r := newTestReconciler(fc, repo, td)

	r.tick(ctx)

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusRunning, got.Status)
	assert.EqualValues(t, 1000, got.StartTime)
}

func TestReconcile_CreatedMissingUntilGraceExpires(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.Insert(ctx, &batch.Job{ID: "a", Name: "job-a", Status: batch.StatusCreated}))

	fc := &fakeClusterLister{observations: map[string]cluster.Observation{}}
	td := &fakeTeardown{}
	r := newTestReconciler(fc, repo, td)

	r.tick(ctx)
	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCreated, got.Status, "first missing tick must stay within grace")

	r.tick(ctx)
	got, err = repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, got.Status, "second consecutive missing tick must expire grace")
	assert.Equal(t, "created_grace_expired", got.LastPodResponse)
	assert.Equal(t, []string{"a"}, td.calls)
}

func TestReconcile_RunningToCleaning_LaunchesCleanupOnce(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.Insert(ctx, &batch.Job{ID: "a", Name: "job-a", Status: batch.StatusRunning}))

	fc := &fakeClusterLister{observations: map[string]cluster.Observation{
		"job-a": {Succeeded: 1},
	}}
	td := &fakeTeardown{}
	r := newTestReconciler(fc, repo, td)

	r.tick(ctx)

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCleaning, got.Status)
	assert.True(t, got.CleanupLaunched)
	assert.Equal(t, []string{"job-a"}, fc.cleanupLaunch)

	// A second tick with the same observation must not relaunch cleanup,
	// since the record is no longer "running".
	r.tick(ctx)
	assert.Equal(t, []string{"job-a"}, fc.cleanupLaunch)
}

func TestReconcile_RunningToFailed(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.Insert(ctx, &batch.Job{ID: "a", Name: "job-a", Status: batch.StatusRunning}))

	fc := &fakeClusterLister{observations: map[string]cluster.Observation{
		"job-a": {Failed: 1},
	}}
	td := &fakeTeardown{}
	r := newTestReconciler(fc, repo, td)

	r.tick(ctx)

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, got.Status)
	assert.Equal(t, "job_failed", got.LastPodResponse)
	assert.Equal(t, []string{"a"}, td.calls)
}

func TestReconcile_CleaningToSucceeded_SetsOutputURL(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.Insert(ctx, &batch.Job{ID: "a", Name: "job-a", Status: batch.StatusCleaning, CleanupLaunched: true}))

	fc := &fakeClusterLister{observations: map[string]cluster.Observation{
		"job-a-cleanup": {Succeeded: 1},
	}}
	td := &fakeTeardown{}
	r := newTestReconciler(fc, repo, td)

	r.tick(ctx)

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusSucceeded, got.Status)
	assert.Equal(t, "memory://job-a-output.zip", got.OutputFileURL)
	assert.Equal(t, []string{"a"}, td.calls)
}

func TestReconcile_CleaningMissingUntilGraceExpires(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.Insert(ctx, &batch.Job{ID: "a", Name: "job-a", Status: batch.StatusCleaning, CleanupLaunched: true}))

	fc := &fakeClusterLister{observations: map[string]cluster.Observation{}}
	td := &fakeTeardown{}
	r := newTestReconciler(fc, repo, td)

	r.tick(ctx)
	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCleaning, got.Status, "first missing tick must stay within grace")

	r.tick(ctx)
	got, err = repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, got.Status, "second consecutive missing tick must expire grace")
	assert.Equal(t, "cleanup_failed", got.LastPodResponse)
	assert.Equal(t, []string{"a"}, td.calls)
}

func TestReconcile_SkipsOverlappingTick(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	fc := &fakeClusterLister{observations: map[string]cluster.Observation{}}
	td := &fakeTeardown{}
	r := newTestReconciler(fc, repo, td)

	r.running.Store(true)
	r.tick(ctx)
	// Still marked running since tick should have bailed immediately
	// without touching it.
	assert.True(t, r.running.Load())
}
