package golin

import (
	"errors"
	"fmt"
)

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct. Adapters return it
// from their constructor when retrying the open cannot help, e.g. a missing port.
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var ue unrecoverableError
	return !errors.As(err, &ue)
}

var (
	ErrInvalidID        = errors.New("invalid LIN frame id")
	ErrInvalidLength    = errors.New("invalid LIN data length")
	ErrInvalidTimestamp = errors.New("invalid frame timestamp")
	ErrNotRegistered    = errors.New("bus not registered, call RegisterBus or SetBus first")
	ErrReaderStopped    = errors.New("reader has already been stopped")
	ErrNotifierStopped  = errors.New("notifier has been stopped")
	ErrStopTimeout      = errors.New("timeout waiting for delivery tasks to finish")
	ErrClosed           = errors.New("closed")
	ErrUnknownAdapter   = errors.New("unknown adapter")
	ErrNilBus           = errors.New("bus is nil")
)

// BusInitError is returned when a bus could not be constructed or opened.
type BusInitError struct {
	Adapter string
	Cause   error
}

func (e *BusInitError) Error() string {
	return fmt.Sprintf("failed to init %s bus: %v", e.Adapter, e.Cause)
}

func (e *BusInitError) Unwrap() error {
	return e.Cause
}

// DeliveryError is raised by a delivery task when receiving from its bus or
// handing a frame to a listener fails.
type DeliveryError struct {
	Bus string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery on %s: %v", e.Bus, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
