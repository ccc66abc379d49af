package cluster

import (
	"fmt"
	"regexp"
	"sort"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/ivoscc/kubernetes-task-runner/internal/batch"
)

// Label/annotation keys external tooling and the Reconciler use to identify
// the Jobs this system creates.
const (
	LabelJobType    = "job_runner_job_type"
	LabelRelatedJob = "job_runner_related_job"

	JobTypePrimary = "primary"
	JobTypeCleanup = "cleanup"

	taskContainerName       = "task"
	initContainerName       = "initializer"
	cleanupContainerName    = "cleanup"
	outputMountPath         = "/output/"
	inputMountPath          = "/input/"
	processOutputMountPath  = "/process-output/"
	gcsMountPath            = "/mnt/"
	gcsSecretMountPath      = "/var/secrets/gcs/"
	gcsCredentialsFile      = "key.json"
)

func buildSecret(cfg Config) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cfg.GCSSecretName,
			Namespace: cfg.Namespace,
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{
			gcsCredentialsFile: cfg.GCSCredentialsFile,
		},
	}
}

func buildPVC(name, namespace, capacity string) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      sanitize(name),
			Namespace: namespace,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(capacity),
				},
			},
		},
	}
}

func envVars(vars map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]corev1.EnvVar, 0, len(vars))
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: sanitizeEnvKey(k), Value: vars[k]})
	}
	return env
}

func resourceRequirements(r batch.Resources) (corev1.ResourceRequirements, error) {
	reqs := corev1.ResourceRequirements{}
	limits := corev1.ResourceList{}
	if r.Limits.CPU != "" {
		q, err := resource.ParseQuantity(r.Limits.CPU)
		if err != nil {
			return reqs, fmt.Errorf("limits.cpu: %w", err)
		}
		limits[corev1.ResourceCPU] = q
	}
	if r.Limits.Memory != "" {
		q, err := resource.ParseQuantity(r.Limits.Memory)
		if err != nil {
			return reqs, fmt.Errorf("limits.memory: %w", err)
		}
		limits[corev1.ResourceMemory] = q
	}
	requests := corev1.ResourceList{}
	if r.Requests.CPU != "" {
		q, err := resource.ParseQuantity(r.Requests.CPU)
		if err != nil {
			return reqs, fmt.Errorf("requests.cpu: %w", err)
		}
		requests[corev1.ResourceCPU] = q
	}
	if r.Requests.Memory != "" {
		q, err := resource.ParseQuantity(r.Requests.Memory)
		if err != nil {
			return reqs, fmt.Errorf("requests.memory: %w", err)
		}
		requests[corev1.ResourceMemory] = q
	}
	if len(limits) > 0 {
		reqs.Limits = limits
	}
	if len(requests) > 0 {
		reqs.Requests = requests
	}
	return reqs, nil
}

// buildPrimaryJob renders the primary Job manifest for record.
func buildPrimaryJob(record *batch.Job, cfg Config) (*batchv1.Job, error) {
	resources, err := resourceRequirements(record.Parameters.Resources)
	if err != nil {
		return nil, err
	}

	taskVolumeMounts := []corev1.VolumeMount{
		{Name: "output", MountPath: outputMountPath},
	}
	volumes := []corev1.Volume{
		{
			Name: "output",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: record.OutputPVCClaimName(),
				},
			},
		},
	}

	var initContainers []corev1.Container
	if record.HasInputFile {
		taskVolumeMounts = append(taskVolumeMounts, corev1.VolumeMount{
			Name: "input", MountPath: inputMountPath, ReadOnly: true,
		})
		volumes = append(volumes, corev1.Volume{
			Name: "input",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: record.InputPVCClaimName(),
				},
			},
		}, corev1.Volume{
			Name: "gcs-key",
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{SecretName: cfg.GCSSecretName},
			},
		})

		unzipCmd := fmt.Sprintf(
			"gcsfuse --key-file %s%s %s %s && unzip -o %s%s -d %s",
			sanitize(gcsSecretMountPath), sanitize(gcsCredentialsFile),
			sanitize(cfg.GCSBucket), sanitize(gcsMountPath),
			sanitize(gcsMountPath), sanitize(record.InputObjectKey()), sanitize(inputMountPath),
		)

		initContainers = []corev1.Container{
			{
				Name:    initContainerName,
				Image:   cfg.GCSFuseImage,
				Command: []string{"/bin/sh", "-c", unzipCmd},
				SecurityContext: &corev1.SecurityContext{
					Privileged: boolPtr(true),
				},
				VolumeMounts: []corev1.VolumeMount{
					{Name: "input", MountPath: inputMountPath},
					{Name: "gcs-key", MountPath: gcsSecretMountPath, ReadOnly: true},
				},
			},
		}
	}

	task := corev1.Container{
		Name:         taskContainerName,
		Image:        record.Parameters.DockerImage,
		Env:          envVars(record.Parameters.EnvironmentVariables),
		VolumeMounts: taskVolumeMounts,
		Resources:    resources,
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      sanitize(record.Name),
			Namespace: cfg.Namespace,
			Labels: map[string]string{
				LabelJobType:    JobTypePrimary,
				LabelRelatedJob: sanitize(record.Name),
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: int32Ptr(cfg.BackoffLimit),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						LabelJobType:    JobTypePrimary,
						LabelRelatedJob: sanitize(record.Name),
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:  corev1.RestartPolicyNever,
					InitContainers: initContainers,
					Containers:     []corev1.Container{task},
					Volumes:        volumes,
				},
			},
		},
	}

	return job, nil
}

// buildCleanupJob renders the cleanup Job manifest for record.
func buildCleanupJob(record *batch.Job, cfg Config) *batchv1.Job {
	zipCmd := fmt.Sprintf(
		"until mountpoint -q %s; do sleep 1; done && zip -r %s%s %s",
		sanitize(gcsMountPath), sanitize(gcsMountPath), sanitize(record.OutputObjectKey()), sanitize(processOutputMountPath),
	)

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      sanitize(record.CleanupJobName()),
			Namespace: cfg.Namespace,
			Labels: map[string]string{
				LabelJobType:    JobTypeCleanup,
				LabelRelatedJob: sanitize(record.Name),
			},
			Annotations: map[string]string{
				LabelJobType:    JobTypeCleanup,
				LabelRelatedJob: sanitize(record.Name),
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: int32Ptr(cfg.BackoffLimit),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						LabelJobType:    JobTypeCleanup,
						LabelRelatedJob: sanitize(record.Name),
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Volumes: []corev1.Volume{
						{
							Name: "output",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
									ClaimName: record.OutputPVCClaimName(),
									ReadOnly:  true,
								},
							},
						},
						{
							Name: "gcs-key",
							VolumeSource: corev1.VolumeSource{
								Secret: &corev1.SecretVolumeSource{SecretName: cfg.GCSSecretName},
							},
						},
					},
					Containers: []corev1.Container{
						{
							Name:    cleanupContainerName,
							Image:   cfg.GCSFuseImage,
							Command: []string{"/bin/sh", "-c", zipCmd},
							Lifecycle: &corev1.Lifecycle{
								PostStart: &corev1.LifecycleHandler{
									Exec: &corev1.ExecAction{
										Command: []string{"gcsfuse", "--key-file", gcsSecretMountPath + gcsCredentialsFile, sanitize(cfg.GCSBucket), gcsMountPath},
									},
								},
							},
							SecurityContext: &corev1.SecurityContext{
								Privileged: boolPtr(true),
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "output", MountPath: processOutputMountPath, ReadOnly: true},
								{Name: "gcs-key", MountPath: gcsSecretMountPath, ReadOnly: true},
							},
						},
					},
				},
			},
		},
	}
}

func boolPtr(b bool) *bool    { return &b }
func int32Ptr(i int32) *int32 { return &i }

var sanitizeEnvKeyRe = regexp.MustCompile(`[^A-Za-z0-9_]+`)

func sanitizeEnvKey(key string) string {
	return sanitizeEnvKeyRe.ReplaceAllString(key, "_")
}
