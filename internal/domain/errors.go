package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when a request is malformed
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a job or conversation cannot be found
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for an illegal job status change
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAuthentication is returned for a missing or invalid credential
	ErrAuthentication = errors.New("authentication failed")

	// ErrAuthorization is returned when a profile is not a member of a conversation
	ErrAuthorization = errors.New("not authorized")

	// ErrResourceBusy is returned when deleting a job that is being processed
	ErrResourceBusy = errors.New("resource busy")

	// ErrUpstream is returned when the store or the broker fails
	ErrUpstream = errors.New("upstream failure")
)

// ValidationError describes which part of a request was rejected
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a validation error for a field
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransitionError records the rejected status change
type TransitionError struct {
	From JobStatus
	To   JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// UpstreamError wraps a store or broker failure
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return "upstream error: " + e.Op + ": " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// NewUpstreamError wraps err as a failure of operation op
func NewUpstreamError(op string, err error) error {
	return &UpstreamError{Op: op, Err: err}
}
