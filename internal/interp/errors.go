package interp

import (
	"errors"

	"github.com/kylemclaren/device-tasks/internal/cancel"
)

// Sentinel errors for script execution.
// Cancellation is reported with cancel.ErrCanceled and is not one of these.
var (
	// ErrUnknownAction indicates an action name with no device operation.
	ErrUnknownAction = errors.New("interp: unknown action")

	// ErrInvalidParam indicates an action parameter of the wrong shape.
	ErrInvalidParam = errors.New("interp: invalid action parameter")

	// ErrValidationFailed indicates a validate clause did not hold within its timeout.
	ErrValidationFailed = errors.New("interp: validation failed")

	// ErrValidationExhausted indicates retry_step gave up after MaxStepRetries restarts.
	ErrValidationExhausted = errors.New("interp: validation retries exhausted")
)

// IsCanceled reports whether err is the cancellation signal
func IsCanceled(err error) bool {
	return errors.Is(err, cancel.ErrCanceled)
}
