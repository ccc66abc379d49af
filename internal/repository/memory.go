package repository

import (
	"context"
	"sync"

	"github.com/ivoscc/kubernetes-task-runner/internal/batch"
)

// MemoryRepository is an in-process Job Repository for unit tests.
type MemoryRepository struct {
	mu   sync.Mutex
	jobs map[string]*batch.Job
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: map[string]*batch.Job{}}
}

func clone(j *batch.Job) *batch.Job {
	cp := *j
	if j.Parameters.EnvironmentVariables != nil {
		cp.Parameters.EnvironmentVariables = make(map[string]string, len(j.Parameters.EnvironmentVariables))
		for k, v := range j.Parameters.EnvironmentVariables {
			cp.Parameters.EnvironmentVariables[k] = v
		}
	}
	return &cp
}

func (r *MemoryRepository) Insert(ctx context.Context, job *batch.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.jobs {
		if existing.Name == job.Name && !existing.Status.Terminal() {
			return ErrDuplicateName
		}
	}
	r.jobs[job.ID] = clone(job)
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*batch.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(job), nil
}

func (r *MemoryRepository) List(ctx context.Context, statuses ...batch.Status) ([]*batch.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[batch.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	out := make([]*batch.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if len(want) == 0 || want[job.Status] {
			out = append(out, clone(job))
		}
	}
	return out, nil
}

func (r *MemoryRepository) Update(ctx context.Context, id string, mutator Mutator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	mutator(job)
	return nil
}

func (r *MemoryRepository) UpdateStatus(ctx context.Context, id string, from, to batch.Status, mutator Mutator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != from {
		return ErrStatusMismatch
	}
	mutator(job)
	job.Status = to
	return nil
}

var _ Repository = &MemoryRepository{}
