package task

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DuplicateTaskError reports an internal consistency breach: a task id that
// already exists in the registry.
type DuplicateTaskError struct {
	ID int
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("internal consistency error: task %d already exists in the registry", e.ID)
}

// DependencyError is the terminal outcome of a task whose input futures
// failed. It is never retried.
type DependencyError struct {
	TaskID int
	Causes *multierror.Error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("task %d failed due to dependency failure: %v", e.TaskID, e.Causes)
}

func (e *DependencyError) Unwrap() error { return e.Causes }
