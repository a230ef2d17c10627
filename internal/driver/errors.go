package driver

import "errors"

// Sentinel errors for device operations.
//
//	if errors.Is(err, driver.ErrTargetNotFound) {
//	    // retry according to the action's policy
//	}
var (
	// ErrTargetNotFound indicates the template could not be located on screen.
	// It is the only error the interpreter retries.
	ErrTargetNotFound = errors.New("driver: target not found")

	// ErrConnection indicates the device could not be reached.
	ErrConnection = errors.New("driver: connection failed")

	// ErrSessionClosed indicates a call on a session after Close.
	ErrSessionClosed = errors.New("driver: session closed")
)
