package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrInterrupt marks a deliberate short-circuit of the main list. The layer
	// raising it has already written a terminal response.
	ErrInterrupt = errors.New("pipeline: interrupted")

	// ErrNotFound is matched by resolution failures.
	ErrNotFound = errors.New("pipeline: action not found")
)

// InterruptError is an ErrInterrupt carrying the reason and the status that
// was sent to the client.
type InterruptError struct {
	Reason string
	Status int
}

func (e *InterruptError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("pipeline interrupted (%d): %s", e.Status, e.Reason)
	}
	return "pipeline interrupted: " + e.Reason
}

// Is reports ErrInterrupt as a match.
func (e *InterruptError) Is(target error) bool {
	return target == ErrInterrupt
}

// Interrupt returns an ErrInterrupt with the given reason and status.
func Interrupt(reason string, status int) error {
	return &InterruptError{Reason: reason, Status: status}
}

// IsInterrupt returns true if err is a deliberate short-circuit.
func IsInterrupt(err error) bool {
	return errors.Is(err, ErrInterrupt)
}

// ResolutionError is returned when the requested action has no handler.
type ResolutionError struct {
	Controller string
	Action     string
}

func (e *ResolutionError) Error() string {
	if e.Controller == "" {
		return fmt.Sprintf("pipeline: no controller for action %q", e.Action)
	}
	return fmt.Sprintf("pipeline: controller %q has no action %q", e.Controller, e.Action)
}

// Is reports ErrNotFound as a match.
func (e *ResolutionError) Is(target error) bool {
	return target == ErrNotFound
}

// IsNotFound returns true if err is a resolution failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// PanicError wraps a value recovered from a panicking stage body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("stage panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it is an error, so a stage may panic
// with an ErrInterrupt and still be treated as an interrupt.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
