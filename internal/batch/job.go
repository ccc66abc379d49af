// Package batch holds the BatchJob record: the orchestrator's persisted
// view of a one-shot workload request and its lifecycle status.
package batch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a BatchJob.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
	StatusCleaning  Status = "cleaning"
	StatusSucceeded Status = "succeeded"
)

// Terminal reports whether s is a terminal status. No transitions leave a
// terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusKilled, StatusSucceeded:
		return true
	default:
		return false
	}
}

// ResourceList is the optional cpu/memory limits or requests for a job's
// container, as Kubernetes-quantity strings (e.g. "500m", "256Mi").
type ResourceList struct {
	CPU    string `json:"cpu,omitempty" bson:"cpu,omitempty"`
	Memory string `json:"memory,omitempty" bson:"memory,omitempty"`
}

// Resources mirrors the limits/requests shape of a Kubernetes container's
// resource requirements, restricted to the fields this system interprets.
type Resources struct {
	Limits   ResourceList `json:"limits,omitempty" bson:"limits,omitempty"`
	Requests ResourceList `json:"requests,omitempty" bson:"requests,omitempty"`
}

// Parameters is the client-supplied description of the workload to run.
type Parameters struct {
	DockerImage          string            `json:"docker_image" bson:"docker_image"`
	EnvironmentVariables map[string]string `json:"environment_variables,omitempty" bson:"environment_variables,omitempty"`
	Resources            Resources         `json:"resources,omitempty" bson:"resources,omitempty"`

	// InputZip is the base64-decoded zip payload supplied at creation time.
	// It is stripped from the record after the Coordinator uploads it, so it
	// is never persisted.
	InputZip []byte `json:"-" bson:"-"`
}

// Job is the persisted BatchJob record.
type Job struct {
	ID         string `json:"id" bson:"_id"`
	Name       string `json:"name" bson:"name"`
	AccountID  string `json:"account_id" bson:"account_id"`
	Parameters Parameters `json:"job_parameters" bson:"job_parameters"`

	HasInputFile bool   `json:"has_input_file" bson:"has_input_file"`
	Status       Status `json:"status" bson:"status"`

	Created   int64 `json:"created" bson:"created"`
	StartTime int64 `json:"start_time,omitempty" bson:"start_time,omitempty"`
	StopTime  int64 `json:"stop_time,omitempty" bson:"stop_time,omitempty"`

	OutputFileURL   string `json:"output_file_url,omitempty" bson:"output_file_url,omitempty"`
	LastPodResponse string `json:"last_pod_response,omitempty" bson:"last_pod_response,omitempty"`

	// CleanupLaunched records that the cleanup Job was created, so that
	// Teardown and Cancel know to delete it. The "at most one cleanup Job"
	// guarantee itself comes from the Reconciler's running->cleaning CAS.
	CleanupLaunched bool `json:"-" bson:"cleanup_launched"`
}

// invalidNameChars matches anything outside the DNS-1123 label alphabet.
var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// NewName derives a cluster-unique, DNS-1123-safe name from a docker image
// reference and a creation timestamp: "<image-basename>-<creation-epoch-ms>".
func NewName(dockerImage string, createdMs int64) string {
	base := dockerImage
	if idx := strings.LastIndex(base, "/"); idx != -1 {
		base = base[idx+1:]
	}
	if idx := strings.IndexAny(base, ":@"); idx != -1 {
		base = base[:idx]
	}
	base = invalidNameChars.ReplaceAllString(strings.ToLower(base), "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "job"
	}
	name := fmt.Sprintf("%s-%d", base, createdMs)
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.Trim(name, "-")
}

// NewID returns a fresh opaque BatchJob identifier.
func NewID() string {
	return uuid.NewString()
}

// InputPVCClaimName is the derived name of the input PersistentVolumeClaim.
func (j *Job) InputPVCClaimName() string {
	return fmt.Sprintf("job-%s-input", j.Name)
}

// OutputPVCClaimName is the derived name of the output PersistentVolumeClaim.
func (j *Job) OutputPVCClaimName() string {
	return fmt.Sprintf("job-%s-output", j.Name)
}

// CleanupJobName is the derived name of the cleanup Job.
func (j *Job) CleanupJobName() string {
	return fmt.Sprintf("%s-cleanup", j.Name)
}

// InputObjectKey is the derived object-store key for the uploaded input zip.
func (j *Job) InputObjectKey() string {
	return fmt.Sprintf("%s-input.zip", j.Name)
}

// OutputObjectKey is the derived object-store key for the cleanup job's output zip.
func (j *Job) OutputObjectKey() string {
	return fmt.Sprintf("%s-output.zip", j.Name)
}
