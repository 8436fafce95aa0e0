// Package faults defines the error taxonomy shared by the device-integration
// engine. Handlers match these with errors.Is and map them to protocol status
// codes; none of them ever reaches a remote device as an unhandled failure.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed or incomplete request. Rejected
	// before any side effect.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks a concurrent-update race, e.g. two publishers
	// assigning keys to the same order. Retried once internally.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrCapacity marks a payload-size or storage-quota rejection, checked
	// before any write.
	ErrCapacity = errors.New("storage capacity exceeded")

	// ErrDuplicate marks an already-ingested instance. Callers treat it as
	// an idempotent success, never as a fault.
	ErrDuplicate = errors.New("duplicate instance")

	// ErrPersistence marks a database or file-system failure mid-operation.
	// Triggers rollback and cleanup of partial artifacts.
	ErrPersistence = errors.New("persistence failure")

	// ErrNotFound marks a missing entity reference.
	ErrNotFound = errors.New("not found")
)

func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

func Capacityf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrCapacity)...)
}

func Persistencef(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrPersistence)...)
}

func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}
