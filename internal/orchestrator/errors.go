package orchestrator

import "fmt"

// NotFoundError indicates an unknown worker id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("worker %s not found", e.ID)
}

// ValidationError indicates malformed input. Field names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IllegalTransitionError indicates an operation not allowed in the worker's
// current status.
type IllegalTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("worker %s cannot transition from %s to %s", e.ID, e.From, e.To)
}

// DuplicateError indicates a live worker already exists with the same
// project and label.
type DuplicateError struct {
	Project string
	Label   string
	ID      string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("worker %s already running with label %q in project %s", e.ID, e.Label, e.Project)
}

// CapacityError indicates the running-worker cap has been reached.
type CapacityError struct {
	Cap int
	// RetryAfterSec hints when the caller may retry.
	RetryAfterSec int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("running worker capacity %d reached", e.Cap)
}

// UnknownDependencyError indicates a dependsOn id that does not exist.
type UnknownDependencyError struct {
	ID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("unknown dependency %s", e.ID)
}

// CycleError indicates the spawn would create a dependency cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle through %v", e.Path)
}

// NotAliveError indicates input was sent to a worker with no live session.
type NotAliveError struct {
	ID     string
	Status Status
}

func (e *NotAliveError) Error() string {
	return fmt.Sprintf("worker %s is %s and cannot receive input", e.ID, e.Status)
}
