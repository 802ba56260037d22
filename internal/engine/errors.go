package engine

import (
	"errors"
	"fmt"

	"fleetline/internal/repo"
)

// ValidationError flags malformed or empty input; the server maps it to a
// 4xx response before any state is created.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string { return e.Message }

func validationf(format string, args ...any) error {
	return ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing resource. It matches repo.ErrNotFound
// under errors.Is so the server's 404 mapping stays in one place.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e NotFoundError) Is(target error) bool { return target == repo.ErrNotFound }

func notFound(resource, id string) error {
	return NotFoundError{Resource: resource, ID: id}
}

// TransientIOError wraps a datastore or network hiccup. Callers retry at
// most once within the same operation.
type TransientIOError struct {
	Op  string
	Err error
}

func (e TransientIOError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e TransientIOError) Unwrap() error { return e.Err }

// TimeoutError is a per-device wait-budget exhaustion. It is folded into
// a terminal device failure, never surfaced as a system fault.
type TimeoutError struct {
	DeviceID  string
	CommandID string
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("OTA update timed out for device %s: device may be offline or update stalled", e.DeviceID)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
