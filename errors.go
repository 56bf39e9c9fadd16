package stepflow

import "errors"

var (
	// ErrUnknownStepKind is returned when a step kind has no graph node.
	ErrUnknownStepKind = errors.New("unknown step kind")

	// ErrNoHandler is returned when a step kind has no registered handler.
	ErrNoHandler = errors.New("no handler registered for step kind")

	// ErrStepNotFound is returned when a step record does not exist.
	ErrStepNotFound = errors.New("step not found")

	// ErrStepNotRunnable is returned when a step's status is no longer
	// queued or pending. Duplicate message deliveries end up here.
	ErrStepNotRunnable = errors.New("step not runnable")

	// ErrDuplicateStep is returned when a step of the same kind already
	// exists in the workflow instance. The losing branch of a concurrent
	// diamond fan-in ends up here.
	ErrDuplicateStep = errors.New("step already exists in instance")

	// ErrScopeUnresolved is returned when no tenant or chain scope can be
	// resolved for a step.
	ErrScopeUnresolved = errors.New("tenant or chain scope unresolved")

	// ErrUnsupportedTaskStatus is returned for a message carrying a task
	// status the router does not understand.
	ErrUnsupportedTaskStatus = errors.New("unsupported task status")

	// ErrPublishFailed is returned when a ready-to-start message could not
	// be published. The already-inserted step row stays queued until the
	// sweeper re-drives it.
	ErrPublishFailed = errors.New("publish failed")

	// ErrCircuitOpen is returned when the cache circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
)
