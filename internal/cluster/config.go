package cluster

import corev1 "k8s.io/api/core/v1"

// Config holds the cluster-wide settings the Cluster Adapter needs to
// render manifests. It is populated from internal/config at startup.
type Config struct {
	Namespace string

	// GCSSecretName is the name of the Secret created by EnsureSecret,
	// holding the GCS credentials file used by gcsfuse in the init and
	// cleanup containers.
	GCSSecretName string
	// GCSCredentialsFile is the raw contents of the service account key
	// file to store in the Secret.
	GCSCredentialsFile []byte
	// GCSBucket is the bucket gcsfuse mounts in the init/cleanup containers.
	GCSBucket string

	// DefaultPVCCapacity is the fixed capacity requested for every
	// ReadWriteOnce PVC this system creates.
	DefaultPVCCapacity string

	// BackoffLimit is the primary Job's restart backoff limit (default 0).
	BackoffLimit int32

	// GCSFuseImage is the image used for the init container and the
	// cleanup container, both of which only need gcsfuse + a shell.
	GCSFuseImage string
}

const defaultGCSFuseImage = "gcr.io/cloud-ops-agents-artifacts/gcsfuse:latest"

// WithDefaults fills unset fields with their documented defaults.
func (c Config) WithDefaults() Config {
	if c.GCSSecretName == "" {
		c.GCSSecretName = "gcs-api-key"
	}
	if c.DefaultPVCCapacity == "" {
		c.DefaultPVCCapacity = "5Gi"
	}
	if c.GCSFuseImage == "" {
		c.GCSFuseImage = defaultGCSFuseImage
	}
	if c.Namespace == "" {
		c.Namespace = corev1.NamespaceDefault
	}
	return c
}
