// internal/executor/errors.go
package executor

import (
	"context"
	"errors"

	"github.com/xkilldash9x/questpilot/internal/device"
)

// ErrorCode is a string type used for structured error reporting from the
// action pipeline. Only the constants below are produced.
type ErrorCode string

const (
	// -- General Execution Errors --
	ErrCodeExecutionFailure  ErrorCode = "EXECUTION_FAILURE"
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrCodeUnknownAction     ErrorCode = "UNKNOWN_ACTION_TYPE"

	// -- Screen Errors --
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeTargetNotFound   ErrorCode = "TARGET_NOT_FOUND"
	ErrCodeTimeoutError     ErrorCode = "TIMEOUT_ERROR"

	// -- Device Errors --
	ErrCodeDeviceDisconnected ErrorCode = "DEVICE_DISCONNECTED"

	// -- Internal System Errors --
	ErrCodeExecutorPanic ErrorCode = "EXECUTOR_PANIC"
)

var (
	// ErrTargetNotFound is returned by handlers whose text or landmark is
	// absent from the just-in-time capture.
	ErrTargetNotFound = errors.New("target not found on screen")
	// ErrInvalidAction marks actions whose parameters cannot be executed.
	ErrInvalidAction = errors.New("invalid action parameters")
	errWaitTimeout   = errors.New("timed out waiting for text")
)

// classify maps a handler error to its code.
func classify(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrDisconnected):
		return ErrCodeDeviceDisconnected
	case errors.Is(err, ErrTargetNotFound):
		return ErrCodeTargetNotFound
	case errors.Is(err, ErrInvalidAction):
		return ErrCodeInvalidParameters
	case errors.Is(err, errWaitTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeoutError
	}
	return ErrCodeExecutionFailure
}
