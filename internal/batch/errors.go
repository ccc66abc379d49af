package batch

import (
	"fmt"
	"strings"
)

// FieldErrors maps a request field name to a validation message, used to
// populate the per-field detail an InvalidParameters response carries.
type FieldErrors map[string]string

// InvalidParametersError is a client-side validation failure. It never
// alters persistent state.
type InvalidParametersError struct {
	Fields FieldErrors
}

func (e *InvalidParametersError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
	}
	return "invalid parameters: " + strings.Join(parts, "; ")
}

// NewInvalidParameters builds an InvalidParametersError from a single
// field/message pair, the common case.
func NewInvalidParameters(field, message string) *InvalidParametersError {
	return &InvalidParametersError{Fields: FieldErrors{field: message}}
}

// ClusterError wraps a Kubernetes API failure, carrying the raw response
// for diagnostics.
type ClusterError struct {
	Op       string
	Raw      string
	Cause    error
}

func (e *ClusterError) Error() string {
	return fmt.Sprintf("cluster error during %s: %v", e.Op, e.Cause)
}

func (e *ClusterError) Unwrap() error { return e.Cause }

// StorageError wraps an object-store failure.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }
