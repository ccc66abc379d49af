package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivoscc/kubernetes-task-runner/internal/batch"
)

func TestMemoryRepository_InsertDuplicateName(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	require.NoError(t, repo.Insert(ctx, &batch.Job{ID: "a", Name: "dup", Status: batch.StatusCreated}))
	err := repo.Insert(ctx, &batch.Job{ID: "b", Name: "dup", Status: batch.StatusCreated})
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestMemoryRepository_InsertAllowsReusingTerminalName(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	require.NoError(t, repo.Insert(ctx, &batch.Job{ID: "a", Name: "dup", Status: batch.StatusSucceeded}))
	assert.NoError(t, repo.Insert(ctx, &batch.Job{ID: "b", Name: "dup", Status: batch.StatusCreated}))
}

func TestMemoryRepository_UpdateStatusCAS(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.Insert(ctx, &batch.Job{ID: "a", Name: "job", Status: batch.StatusRunning}))

	// A losing CAS (wrong "from") must not mutate the record.
	err := repo.UpdateStatus(ctx, "a", batch.StatusCreated, batch.StatusFailed, func(j *batch.Job) {})
	assert.ErrorIs(t, err, ErrStatusMismatch)

	job, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusRunning, job.Status)

	// A winning CAS mutates and transitions.
	require.NoError(t, repo.UpdateStatus(ctx, "a", batch.StatusRunning, batch.StatusKilled, func(j *batch.Job) {
		j.StopTime = 42
	}))
	job, err = repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusKilled, job.Status)
	assert.EqualValues(t, 42, job.StopTime)
}

func TestMemoryRepository_List_FiltersByStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.Insert(ctx, &batch.Job{ID: "a", Name: "a", Status: batch.StatusRunning}))
	require.NoError(t, repo.Insert(ctx, &batch.Job{ID: "b", Name: "b", Status: batch.StatusSucceeded}))

	running, err := repo.List(ctx, batch.StatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)
	assert.Equal(t, "a", running[0].ID)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
