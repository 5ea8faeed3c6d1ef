package domain

import (
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of mutation a change request proposes.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// RequestStatus is a closed set of workflow states. Transitions go through
// the table below; anything else is invalid by construction.
type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusApproved  RequestStatus = "APPROVED"
	StatusRejected  RequestStatus = "REJECTED"
	StatusApplied   RequestStatus = "APPLIED"
	StatusCancelled RequestStatus = "CANCELLED"
)

var requestTransitions = map[RequestStatus]map[RequestStatus]bool{
	StatusPending: {
		StatusApproved:  true,
		StatusRejected:  true,
		StatusCancelled: true,
	},
	StatusApproved: {
		StatusApplied:   true,
		StatusCancelled: true,
	},
	StatusRejected:  {},
	StatusApplied:   {},
	StatusCancelled: {},
}

// CanTransition reports whether moving from s to next is a legal workflow step.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	return requestTransitions[s][next]
}

// Terminal reports whether no further transitions are possible from s.
func (s RequestStatus) Terminal() bool {
	return len(requestTransitions[s]) == 0
}

// ChangeRequest is the sole sanctioned path for human-initiated mutation of
// the record store. Only StatusApplied ever results in a store write.
type ChangeRequest struct {
	ID            uuid.UUID
	Number        string
	DataType      CodeSystem
	Operation     Operation
	Status        RequestStatus
	RequesterID   string
	Justification string

	// Proposed is the candidate payload. Current snapshots the prior payload
	// and is required for UPDATE and DELETE.
	Proposed *RecordPayload
	Current  *RecordPayload

	// PriorVersion pins the version the requester saw; apply passes it to the
	// record store's optimistic check.
	PriorVersion  *int
	EffectiveDate time.Time

	ApproverID       string
	ApprovedAt       *time.Time
	ApprovalComments string
	RejecterID       string
	RejectedAt       *time.Time
	RejectionReason  string
	CancelledBy      string
	CancelledAt      *time.Time
	CancelReason     string
	AppliedAt        *time.Time
	AppliedBy        string

	RequiresAdditionalApproval bool
	Metadata                   map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}
