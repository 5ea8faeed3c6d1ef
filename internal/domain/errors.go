package domain

import (
	"fmt"

	"refdata/pkg/platform/sentinel"
)

// ConflictError reports a lost optimistic-concurrency race on CreateVersion.
// The caller must re-read the current head and retry.
type ConflictError struct {
	NaturalKey string
	CodeSystem CodeSystem
	Expected   int
	Actual     int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: expected prior version %d, found %d",
		e.CodeSystem, e.NaturalKey, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return sentinel.ErrConflict }

// NotFoundError reports an unknown record, change request, or batch.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error { return sentinel.ErrNotFound }

// AlreadyExistsError reports a CREATE against a key that already has an
// active current head.
type AlreadyExistsError struct {
	NaturalKey string
	CodeSystem CodeSystem
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("record %s/%s already has a current version", e.CodeSystem, e.NaturalKey)
}

func (e *AlreadyExistsError) Unwrap() error { return sentinel.ErrAlreadyExists }

// InvalidStateError reports a workflow transition attempted from an
// incompatible status.
type InvalidStateError struct {
	RequestID string
	From      RequestStatus
	Action    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("change request %s: cannot %s from status %s", e.RequestID, e.Action, e.From)
}

func (e *InvalidStateError) Unwrap() error { return sentinel.ErrInvalidState }

// ValidationIssue is one row-level validation finding. Issues are collected
// into reports, never used to abort a batch.
type ValidationIssue struct {
	Rule    string
	Warning bool
	Message string
}

func (v ValidationIssue) String() string {
	if v.Warning {
		return fmt.Sprintf("%s (warning): %s", v.Rule, v.Message)
	}
	return fmt.Sprintf("%s: %s", v.Rule, v.Message)
}

// ExternalSourceError reports an extraction failure. It is fatal to the
// whole batch: nothing downstream of extract runs.
type ExternalSourceError struct {
	Source string
	Err    error
}

func (e *ExternalSourceError) Error() string {
	return fmt.Sprintf("external source %s: %v", e.Source, e.Err)
}

func (e *ExternalSourceError) Unwrap() error { return e.Err }

// PublishError reports a failed outbox publish attempt. The event is retried
// with backoff and eventually dead-lettered, never lost.
type PublishError struct {
	EventID string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish event %s: %v", e.EventID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
