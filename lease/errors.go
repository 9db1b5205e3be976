package lease

import (
	"errors"
	"fmt"
)

var (
	// ErrLeaseCompleted is returned when extending a lease that was already released.
	ErrLeaseCompleted = errors.New("lease already completed")
	// ErrLeaseExpired is returned when extending a lease whose deadline has passed.
	ErrLeaseExpired = errors.New("lease expired")
	// ErrLeaseConflict reports that the backend no longer recognizes the owner token.
	ErrLeaseConflict = errors.New("lease owner token does not match current holder")
)

// ValidationError reports an invalid construction argument.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// ConflictError identifies the resource and token rejected by the backend. It matches ErrLeaseConflict.
type ConflictError struct {
	Resource string
	Token    OwnerToken
	Op       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s lease %q with token %q: %v", e.Op, e.Resource, e.Token, ErrLeaseConflict)
}

func (e *ConflictError) Unwrap() error {
	return ErrLeaseConflict
}
