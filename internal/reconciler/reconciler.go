// Package reconciler is the Status Reconciler: a periodic, non-overlapping
// tick that diffs cluster observations against the Job Repository, advances
// BatchJob status, launches the cleanup Job on primary success, and drives
// final teardown on entering a terminal status.
package reconciler

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ivoscc/kubernetes-task-runner/internal/batch"
	"github.com/ivoscc/kubernetes-task-runner/internal/cluster"
	"github.com/ivoscc/kubernetes-task-runner/internal/repository"
)

// ClusterLister is the subset of *cluster.Adapter the Reconciler reads from,
// plus the cleanup-launch call it writes through.
type ClusterLister interface {
	ListJobs(ctx context.Context) (map[string]cluster.Observation, error)
	CreateCleanupJob(ctx context.Context, record *batch.Job) error
}

// Teardown is the subset of the Lifecycle Coordinator the Reconciler invokes
// once a record enters a terminal status.
type Teardown interface {
	Teardown(ctx context.Context, id string) error
}

// Reconciler runs the periodic reconciliation loop.
type Reconciler struct {
	cluster     ClusterLister
	repo        repository.Repository
	coordinator Teardown
	store       urlFor
	log         *zap.Logger

	interval      time.Duration
	graceTicks    int
	running       atomic.Bool
	createdTicks  map[string]int
	cleaningTicks map[string]int
}

type urlFor interface {
	URLFor(key string) string
}

// New builds a Reconciler. interval is the tick period (default 30s);
// graceTicks is the number of consecutive ticks a "created" or "cleaning"
// record may go without an observable cluster Job before being marked
// failed (default 2), tolerating a List call racing a just-issued Create.
func New(clusterAdapter ClusterLister, repo repository.Repository, coord Teardown, store urlFor, log *zap.Logger, interval time.Duration, graceTicks int) *Reconciler {
	return &Reconciler{
		cluster:       clusterAdapter,
		repo:          repo,
		coordinator:   coord,
		store:         store,
		log:           log,
		interval:      interval,
		graceTicks:    graceTicks,
		createdTicks:  map[string]int{},
		cleaningTicks: map[string]int{},
	}
}

// Run blocks ticking every interval until ctx is cancelled. Ticks never
// overlap: a tick still running when the next timer fires is skipped.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Warn("reconciler: previous tick still running, skipping")
		return
	}
	defer r.running.Store(false)

	records, err := r.repo.List(ctx, batch.StatusCreated, batch.StatusRunning, batch.StatusCleaning)
	if err != nil {
		r.log.Error("reconciler: failed to list records", zap.Error(err))
		return
	}

	observations, err := r.cluster.ListJobs(ctx)
	if err != nil {
		r.log.Error("reconciler: failed to list cluster jobs", zap.Error(err))
		return
	}

	seen := make(map[string]bool, len(records))
	for _, record := range records {
		seen[record.ID] = true
		r.reconcileOne(ctx, record, observations)
	}
	// Forget grace counters for records no longer in a trackable status.
	for id := range r.createdTicks {
		if !seen[id] {
			delete(r.createdTicks, id)
		}
	}
	for id := range r.cleaningTicks {
		if !seen[id] {
			delete(r.cleaningTicks, id)
		}
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, record *batch.Job, observations map[string]cluster.Observation) {
	switch record.Status {
	case batch.StatusCreated:
		r.reconcileCreated(ctx, record, observations)
	case batch.StatusRunning:
		r.reconcileRunning(ctx, record, observations)
	case batch.StatusCleaning:
		r.reconcileCleaning(ctx, record, observations)
	}
}

func (r *Reconciler) reconcileCreated(ctx context.Context, record *batch.Job, observations map[string]cluster.Observation) {
	obs, ok := observations[record.Name]
	if !ok {
		r.createdTicks[record.ID]++
		if r.createdTicks[record.ID] < r.graceTicks {
			return
		}
		r.transitionToTerminal(ctx, record, batch.StatusCreated, batch.StatusFailed, func(j *batch.Job) {
			j.LastPodResponse = "created_grace_expired"
		})
		return
	}
	delete(r.createdTicks, record.ID)

	if obs.Failed > 0 {
		r.transitionToTerminal(ctx, record, batch.StatusCreated, batch.StatusFailed, func(j *batch.Job) {
			j.StopTime = time.Now().UnixMilli()
			j.LastPodResponse = "job_failed"
		})
		return
	}

	if err := r.repo.UpdateStatus(ctx, record.ID, batch.StatusCreated, batch.StatusRunning, func(j *batch.Job) {
		if obs.StartTime != 0 {
			j.StartTime = obs.StartTime
		}
	}); err != nil {
		r.logTransitionErr(record.ID, err)
	}
}

func (r *Reconciler) reconcileRunning(ctx context.Context, record *batch.Job, observations map[string]cluster.Observation) {
	obs, ok := observations[record.Name]
	if !ok {
		return
	}

	switch {
	case obs.Succeeded > 0:
		err := r.repo.UpdateStatus(ctx, record.ID, batch.StatusRunning, batch.StatusCleaning, func(j *batch.Job) {
			j.StopTime = time.Now().UnixMilli()
		})
		if err != nil {
			r.logTransitionErr(record.ID, err)
			return
		}
		// The cleanup job is launched exactly once, guarded by this
		// transition; CleanupLaunched only records that it happened.
		if cleanupErr := r.cluster.CreateCleanupJob(ctx, record); cleanupErr != nil {
			r.log.Error("reconciler: failed to launch cleanup job", zap.String("id", record.ID), zap.Error(cleanupErr))
			return
		}
		if err := r.repo.Update(ctx, record.ID, func(j *batch.Job) { j.CleanupLaunched = true }); err != nil {
			r.log.Error("reconciler: failed to record cleanup launch", zap.String("id", record.ID), zap.Error(err))
		}
	case obs.Failed > 0:
		r.transitionToTerminal(ctx, record, batch.StatusRunning, batch.StatusFailed, func(j *batch.Job) {
			j.StopTime = time.Now().UnixMilli()
			j.LastPodResponse = "job_failed"
		})
	}
}

func (r *Reconciler) reconcileCleaning(ctx context.Context, record *batch.Job, observations map[string]cluster.Observation) {
	obs, ok := observations[record.CleanupJobName()]
	if !ok {
		r.cleaningTicks[record.ID]++
		if r.cleaningTicks[record.ID] < r.graceTicks {
			return
		}
		r.transitionToTerminal(ctx, record, batch.StatusCleaning, batch.StatusFailed, func(j *batch.Job) {
			j.LastPodResponse = "cleanup_failed"
		})
		return
	}
	delete(r.cleaningTicks, record.ID)

	switch {
	case obs.Succeeded > 0:
		r.transitionToTerminal(ctx, record, batch.StatusCleaning, batch.StatusSucceeded, func(j *batch.Job) {
			j.OutputFileURL = r.store.URLFor(record.OutputObjectKey())
		})
	case obs.Failed > 0:
		r.transitionToTerminal(ctx, record, batch.StatusCleaning, batch.StatusFailed, func(j *batch.Job) {
			j.LastPodResponse = "cleanup_failed"
		})
	}
}

// transitionToTerminal performs the CAS and, on success, invokes teardown.
// A lost CAS means a concurrent cancel already moved the record on; that is
// not an error from the Reconciler's point of view.
func (r *Reconciler) transitionToTerminal(ctx context.Context, record *batch.Job, from, to batch.Status, mutator repository.Mutator) {
	err := r.repo.UpdateStatus(ctx, record.ID, from, to, mutator)
	if err != nil {
		r.logTransitionErr(record.ID, err)
		return
	}
	if tdErr := r.coordinator.Teardown(ctx, record.ID); tdErr != nil {
		r.log.Error("reconciler: teardown failed", zap.String("id", record.ID), zap.Error(tdErr))
	}
}

func (r *Reconciler) logTransitionErr(id string, err error) {
	if err == repository.ErrStatusMismatch {
		r.log.Debug("reconciler: lost CAS race, record moved concurrently", zap.String("id", id))
		return
	}
	r.log.Error("reconciler: status update failed", zap.String("id", id), zap.Error(err))
}
