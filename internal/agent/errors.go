// internal/agent/errors.go
package agent

import "errors"

var (
	// ErrTooManyFaults is returned by Run once loop.max_faults of the last
	// loop.fault_window iterations ended in an internal fault.
	ErrTooManyFaults = errors.New("too many loop faults")

	// ErrStrategyPanic wraps a panic recovered from a strategy.
	ErrStrategyPanic = errors.New("strategy panicked")

	// ErrMissingDependency is returned by New when a required component is nil.
	ErrMissingDependency = errors.New("missing agent dependency")
)
