// Package cluster is the Cluster Adapter: a thin, stateless capability
// layer over the Kubernetes API translating BatchJob records into
// Secret/PersistentVolumeClaim/Job objects and performing CRUD against the
// cluster.
package cluster

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	batchclientv1 "k8s.io/client-go/kubernetes/typed/batch/v1"
	coreclientv1 "k8s.io/client-go/kubernetes/typed/core/v1"

	"github.com/ivoscc/kubernetes-task-runner/internal/batch"
)

// Observation is the status Kubernetes reports for a Job, as returned by
// ListJobs.
type Observation struct {
	Active         int32
	Succeeded      int32
	Failed         int32
	StartTime      int64
	CompletionTime int64
}

// deletionPropagation controls how dependent pods are reaped on Job delete.
var deletionPropagation = metav1.DeletePropagationBackground

// Adapter is the Cluster Adapter. It holds no per-job state; every method
// takes the data it needs as arguments.
type Adapter struct {
	jobs    batchclientv1.JobInterface
	pvcs    coreclientv1.PersistentVolumeClaimInterface
	secrets coreclientv1.SecretInterface
	cfg     Config
	log     *zap.Logger
}

// New builds a Cluster Adapter over an existing typed Kubernetes clientset.
func New(jobsClient batchclientv1.JobInterface, pvcClient coreclientv1.PersistentVolumeClaimInterface, secretClient coreclientv1.SecretInterface, cfg Config, log *zap.Logger) *Adapter {
	return &Adapter{
		jobs:    jobsClient,
		pvcs:    pvcClient,
		secrets: secretClient,
		cfg:     cfg.WithDefaults(),
		log:     log,
	}
}

func wrapClusterErr(op string, err error) error {
	if err == nil {
		return nil
	}
	raw := ""
	if status, ok := err.(apierrors.APIStatus); ok {
		raw = status.Status().String()
	}
	return &batch.ClusterError{Op: op, Raw: raw, Cause: errors.WithStack(err)}
}

// EnsureSecret creates the gcs-api-key Secret if it does not already exist.
// Idempotent: succeeds whether the Secret existed or was just created.
func (a *Adapter) EnsureSecret(ctx context.Context) error {
	_, err := a.secrets.Create(ctx, buildSecret(a.cfg), metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return wrapClusterErr("ensure_secret", err)
	}
	return nil
}

// CreatePVC creates a ReadWriteOnce PVC of the configured default capacity.
// Fails if the PVC already exists.
func (a *Adapter) CreatePVC(ctx context.Context, name string) error {
	_, err := a.pvcs.Create(ctx, buildPVC(name, a.cfg.Namespace, a.cfg.DefaultPVCCapacity), metav1.CreateOptions{})
	if err != nil {
		return wrapClusterErr("create_pvc", err)
	}
	return nil
}

// DeletePVC best-effort deletes a PVC. NotFound is treated as success.
func (a *Adapter) DeletePVC(ctx context.Context, name string) error {
	err := a.pvcs.Delete(ctx, sanitize(name), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return wrapClusterErr("delete_pvc", err)
	}
	return nil
}

// CreateJob renders and submits the primary Job manifest for record.
func (a *Adapter) CreateJob(ctx context.Context, record *batch.Job) error {
	job, err := buildPrimaryJob(record, a.cfg)
	if err != nil {
		return &batch.InvalidParametersError{Fields: batch.FieldErrors{"job_parameters.resources": err.Error()}}
	}
	if _, err := a.jobs.Create(ctx, job, metav1.CreateOptions{}); err != nil {
		a.log.Error("create_job failed", zap.String("name", record.Name), zap.Error(err))
		return wrapClusterErr("create_job", err)
	}
	return nil
}

// CreateCleanupJob renders and submits the cleanup Job manifest for record.
func (a *Adapter) CreateCleanupJob(ctx context.Context, record *batch.Job) error {
	job := buildCleanupJob(record, a.cfg)
	if _, err := a.jobs.Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return wrapClusterErr("create_cleanup_job", err)
	}
	return nil
}

// DeleteJob deletes a Job with background propagation so its pods are
// reaped. NotFound is treated as success.
func (a *Adapter) DeleteJob(ctx context.Context, name string) error {
	err := a.jobs.Delete(ctx, sanitize(name), metav1.DeleteOptions{
		PropagationPolicy: &deletionPropagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return wrapClusterErr("delete_job", err)
	}
	return nil
}

// ListJobs returns the observed status of every Job carrying the
// job_runner_job_type label, keyed by Job name, for the Reconciler's use.
func (a *Adapter) ListJobs(ctx context.Context) (map[string]Observation, error) {
	list, err := a.jobs.List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s in (%s,%s)", LabelJobType, JobTypePrimary, JobTypeCleanup),
	})
	if err != nil {
		return nil, wrapClusterErr("list_jobs", err)
	}

	out := make(map[string]Observation, len(list.Items))
	for _, job := range list.Items {
		out[job.Name] = observationFromStatus(job.Status)
	}
	return out, nil
}

// IsAlreadyExists reports whether err (as returned by a cluster Adapter
// method) wraps a Kubernetes AlreadyExists error. The Lifecycle Coordinator
// uses this to make PVC/Secret creation tolerate at-least-once retry of the
// provisioning protocol.
func IsAlreadyExists(err error) bool {
	var clusterErr *batch.ClusterError
	if !errors.As(err, &clusterErr) {
		return false
	}
	return apierrors.IsAlreadyExists(errors.Cause(clusterErr.Cause))
}

func observationFromStatus(status batchv1.JobStatus) Observation {
	obs := Observation{
		Active:    status.Active,
		Succeeded: status.Succeeded,
		Failed:    status.Failed,
	}
	if status.StartTime != nil {
		obs.StartTime = status.StartTime.UnixMilli()
	}
	if status.CompletionTime != nil {
		obs.CompletionTime = status.CompletionTime.UnixMilli()
	}
	return obs
}
