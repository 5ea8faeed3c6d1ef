package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into the domain error taxonomy.
//
// These represent factual states about stored resources, not validation
// failures:
// - ErrNotFound: record, change request, or batch does not exist
// - ErrConflict: optimistic version check lost against a concurrent writer
// - ErrAlreadyExists: an active current head already exists for the key
// - ErrInvalidState: entity in wrong lifecycle state for the operation
// - ErrUnavailable: backing service temporarily unreachable
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidState  = errors.New("invalid state")
	ErrUnavailable   = errors.New("unavailable")
)
