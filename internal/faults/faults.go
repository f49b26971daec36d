package faults

import (
	"errors"
	"fmt"
)

// ValidationError rejects a malformed or unexpected inbound event. It is
// never retried; the job fails before any provider call is made.
type ValidationError struct {
	JobID  string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("invalid backup job %s: %s: %s", e.JobID, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid backup job: %s: %s", e.Field, e.Reason)
}

// OwnershipError means the destination bucket is not owned by the current
// account. Fatal: proceeding would hand the export to a squatted bucket.
type OwnershipError struct {
	Bucket  string
	Account string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("bucket %s is not owned by account %s", e.Bucket, e.Account)
}

// UnsupportedResourceTypeError is raised when a job names a resource type no
// export protocol handles. Fails loud rather than silently skipping.
type UnsupportedResourceTypeError struct {
	Type string
}

func (e *UnsupportedResourceTypeError) Error() string {
	return fmt.Sprintf("unsupported resource type: %q", e.Type)
}

// TransientProviderError wraps a provider call that may succeed on retry.
type TransientProviderError struct {
	Op  string
	Err error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// TerminalProviderFailure records a provider-reported terminal state
// (FAILED, CANCELED, an unexpected volume status). Not retryable.
type TerminalProviderFailure struct {
	Op     string
	Status string
	Reason string
}

func (e *TerminalProviderFailure) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s reported %s: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s reported %s", e.Op, e.Status)
}

// ResourceBusyError marks a delete attempted while the resource is still in
// use, triggering the force-detach-and-retry sub-protocol.
type ResourceBusyError struct {
	Resource string
	Err      error
}

func (e *ResourceBusyError) Error() string {
	return fmt.Sprintf("resource %s is busy: %v", e.Resource, e.Err)
}

func (e *ResourceBusyError) Unwrap() error { return e.Err }

// Transient reports whether err may be retried within a bounded budget.
func Transient(err error) bool {
	var t *TransientProviderError
	return errors.As(err, &t)
}

// Busy reports whether err is a delete-while-attached condition.
func Busy(err error) bool {
	var b *ResourceBusyError
	return errors.As(err, &b)
}
