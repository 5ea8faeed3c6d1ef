package domain

import (
	"time"

	"github.com/google/uuid"
)

// StagingStatus tracks one externally-sourced row through a batch run.
type StagingStatus string

const (
	StagingValidated StagingStatus = "VALIDATED"
	StagingFailed    StagingStatus = "FAILED"
	StagingProcessed StagingStatus = "PROCESSED"
)

// StagingRecord is one external row held for processing. ContentHash is a
// digest of the normalized semantic fields and doubles as the idempotency key
// for re-runs of identical source data.
type StagingRecord struct {
	ID              uuid.UUID
	BatchID         uuid.UUID
	NaturalKey      string
	CodeSystem      CodeSystem
	Raw             map[string]string
	Normalized      RecordPayload
	ContentHash     string
	Source          string
	SourcedAt       time.Time
	ChangeRequestID *uuid.UUID
	Status          StagingStatus
	Messages        []string
}

// BatchStatus is the lifecycle of one reconciliation run.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "RUNNING"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchFailed    BatchStatus = "FAILED"
)

// ReconciliationBatch records one pipeline run for a code system.
// SourceDigest condenses the content hashes of every extracted row; a run
// whose digest matches the last completed run for the same code system is a
// no-op and skips the diff entirely.
type ReconciliationBatch struct {
	ID           uuid.UUID
	CodeSystem   CodeSystem
	Source       string
	SourceDigest string
	Status       BatchStatus
	StartedAt    time.Time
	FinishedAt   *time.Time

	Extracted int
	Valid     int
	Invalid   int
	Added     int
	Updated   int
	Removed   int

	Failure string
}
