// Package coordinator is the Lifecycle Coordinator: it composes Cluster
// Adapter and Object Store Adapter calls into the Provisioning, Teardown and
// Cancellation protocols, applying compensating deletes on partial
// provisioning failure and aggregating independent teardown errors.
package coordinator

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ivoscc/kubernetes-task-runner/internal/batch"
	"github.com/ivoscc/kubernetes-task-runner/internal/cluster"
	"github.com/ivoscc/kubernetes-task-runner/internal/objectstore"
	"github.com/ivoscc/kubernetes-task-runner/internal/repository"
)

// ClusterAdapter is the subset of *cluster.Adapter the Coordinator depends
// on, narrowed for testability.
type ClusterAdapter interface {
	EnsureSecret(ctx context.Context) error
	CreatePVC(ctx context.Context, name string) error
	DeletePVC(ctx context.Context, name string) error
	CreateJob(ctx context.Context, record *batch.Job) error
	CreateCleanupJob(ctx context.Context, record *batch.Job) error
	DeleteJob(ctx context.Context, name string) error
}

// Coordinator implements the Lifecycle Coordinator.
type Coordinator struct {
	cluster ClusterAdapter
	store   objectstore.Store
	repo    repository.Repository
	log     *zap.Logger
}

// New builds a Lifecycle Coordinator over the given adapters.
func New(clusterAdapter ClusterAdapter, store objectstore.Store, repo repository.Repository, log *zap.Logger) *Coordinator {
	return &Coordinator{cluster: clusterAdapter, store: store, repo: repo, log: log}
}

// Provision runs the provisioning protocol for the record with the given id.
//
// It is a no-op, returning nil, if the record is no longer in the "created"
// status: either a previous attempt already advanced it, or it was
// cancelled before provisioning started. This makes Provision safe to retry
// after a crash alongside the idempotent cluster primitives it calls.
func (c *Coordinator) Provision(ctx context.Context, id string) error {
	job, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != batch.StatusCreated {
		return nil
	}

	var compensate []func()
	rollback := func() {
		for i := len(compensate) - 1; i >= 0; i-- {
			compensate[i]()
		}
	}
	fail := func(cause error) error {
		rollback()
		if updateErr := c.repo.UpdateStatus(ctx, id, batch.StatusCreated, batch.StatusFailed, func(j *batch.Job) {
			j.LastPodResponse = cause.Error()
			j.StopTime = time.Now().UnixMilli()
		}); updateErr != nil && !errors.Is(updateErr, repository.ErrStatusMismatch) {
			c.log.Error("provision: failed to record failure status", zap.String("id", id), zap.Error(updateErr))
		}
		return cause
	}

	if err := c.cluster.EnsureSecret(ctx); err != nil {
		return fail(err)
	}

	if err := c.cluster.CreatePVC(ctx, job.OutputPVCClaimName()); err != nil && !cluster.IsAlreadyExists(err) {
		return fail(err)
	}
	compensate = append(compensate, func() { c.bestEffortDeletePVC(job.OutputPVCClaimName()) })

	if job.HasInputFile {
		if err := c.cluster.CreatePVC(ctx, job.InputPVCClaimName()); err != nil && !cluster.IsAlreadyExists(err) {
			return fail(err)
		}
		compensate = append(compensate, func() { c.bestEffortDeletePVC(job.InputPVCClaimName()) })

		if err := c.store.Upload(ctx, job.InputObjectKey(), job.Parameters.InputZip); err != nil {
			return fail(err)
		}
		compensate = append(compensate, func() { c.bestEffortDeleteObject(job.InputObjectKey()) })

		// The input payload has done its job once uploaded; never let it
		// linger in the record past this point.
		if err := c.repo.Update(ctx, id, func(j *batch.Job) { j.Parameters.InputZip = nil }); err != nil {
			c.log.Warn("provision: failed to clear input payload", zap.String("id", id), zap.Error(err))
		}
	}

	if err := c.cluster.CreateJob(ctx, job); err != nil {
		return fail(err)
	}

	return nil
}

func (c *Coordinator) bestEffortDeletePVC(name string) {
	if err := c.cluster.DeletePVC(context.Background(), name); err != nil {
		c.log.Warn("provision: compensating PVC delete failed", zap.String("pvc", name), zap.Error(err))
	}
}

func (c *Coordinator) bestEffortDeleteObject(key string) {
	if err := c.store.Delete(context.Background(), key); err != nil {
		c.log.Warn("provision: compensating object delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Teardown runs the teardown protocol for the record with the given id: it
// deletes the primary Job, the cleanup Job if one was launched, the input
// PVC if one was created, and the output PVC, unconditionally and in that
// order. NotFound is not an error; every other failure is logged and
// aggregated but does not abort the remaining steps, since the four
// resources are independent and Teardown may be retried.
func (c *Coordinator) Teardown(ctx context.Context, id string) error {
	job, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	var result *multierror.Error
	step := func(name string, err error) {
		if err != nil {
			c.log.Error("teardown step failed", zap.String("id", id), zap.String("step", name), zap.Error(err))
			result = multierror.Append(result, errors.Wrap(err, name))
		}
	}

	step("delete_job", c.cluster.DeleteJob(ctx, job.Name))
	if job.CleanupLaunched {
		step("delete_cleanup_job", c.cluster.DeleteJob(ctx, job.CleanupJobName()))
	}
	if job.HasInputFile {
		step("delete_input_pvc", c.cluster.DeletePVC(ctx, job.InputPVCClaimName()))
	}
	step("delete_output_pvc", c.cluster.DeletePVC(ctx, job.OutputPVCClaimName()))

	if result == nil {
		return nil
	}
	return result.ErrorOrNil()
}

// Cancel runs the cancellation protocol for the record with the given id.
//
// The precondition is that the record's current status is "running" or
// "cleaning"; any other status returns an InvalidParametersError describing
// the actual status, including when a concurrent Reconciler tick wins the
// race and terminalizes the record out from under this call.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	job, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	from := job.Status
	if from != batch.StatusRunning && from != batch.StatusCleaning {
		return batch.NewInvalidParameters("status", "cannot cancel a batch job with status "+string(from))
	}

	err = c.repo.UpdateStatus(ctx, id, from, batch.StatusKilled, func(j *batch.Job) {
		j.StopTime = time.Now().UnixMilli()
	})
	if errors.Is(err, repository.ErrStatusMismatch) {
		latest, getErr := c.repo.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return batch.NewInvalidParameters("status", "cannot cancel a batch job with status "+string(latest.Status))
	}
	if err != nil {
		return err
	}

	if clusterErr := c.cluster.DeleteJob(ctx, job.Name); clusterErr != nil {
		c.log.Error("cancel: failed to delete primary job", zap.String("id", id), zap.Error(clusterErr))
	}
	if job.CleanupLaunched {
		if clusterErr := c.cluster.DeleteJob(ctx, job.CleanupJobName()); clusterErr != nil {
			c.log.Error("cancel: failed to delete cleanup job", zap.String("id", id), zap.Error(clusterErr))
		}
	}

	return c.Teardown(ctx, id)
}
