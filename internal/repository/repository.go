// Package repository is the Job Repository: persistence of BatchJob
// records keyed by identifier, with queries by status and by identifier.
package repository

import (
	"context"
	"errors"

	"github.com/ivoscc/kubernetes-task-runner/internal/batch"
)

// ErrNotFound is returned by Get/Update when no record matches the given id.
var ErrNotFound = errors.New("batch job not found")

// ErrDuplicateName is returned by Insert when name is already taken by a
// non-terminal record.
var ErrDuplicateName = errors.New("batch job name already exists")

// ErrStatusMismatch is returned by UpdateStatus when the record's current
// status no longer matches the expected "from" status, signalling that a
// concurrent writer (cancel vs. reconcile) won the race.
var ErrStatusMismatch = errors.New("batch job status changed concurrently")

// Mutator mutates a Job in place before it is persisted.
type Mutator func(*batch.Job)

// Repository is the Job Repository's interface.
type Repository interface {
	// Insert persists a new record. Fails with ErrDuplicateName if name is
	// already used by a non-terminal record.
	Insert(ctx context.Context, job *batch.Job) error

	// Update applies mutator to the current record and persists it,
	// last-writer-wins.
	Update(ctx context.Context, id string, mutator Mutator) error

	// UpdateStatus applies mutator and transitions Status from "from" to
	// "to" only if the record's current status still equals "from". Returns
	// ErrStatusMismatch otherwise. This is the compare-and-set primitive
	// that keeps the Reconciler and a concurrent cancel from racing.
	UpdateStatus(ctx context.Context, id string, from, to batch.Status, mutator Mutator) error

	// Get loads the record with the given id.
	Get(ctx context.Context, id string) (*batch.Job, error)

	// List returns every record whose status is in statuses. An empty
	// statuses list returns every record.
	List(ctx context.Context, statuses ...batch.Status) ([]*batch.Job, error)
}
