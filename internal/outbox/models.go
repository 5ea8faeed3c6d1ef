package outbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Status is the delivery state of one outbox event.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// Event is one row of the transactional outbox. It is written in the same
// unit of work as the record mutation it describes and drained by the
// publisher afterwards. Events sharing an AggregateID publish in creation
// order; there is no ordering across aggregates.
type Event struct {
	ID            uuid.UUID
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        Status
	RetryCount    int
	LastError     string
	NextAttemptAt time.Time
}

const (
	AggregateVersionedRecord = "versioned_record"

	EventRecordVersionCreated = "record_version_created"
	EventRecordRetired        = "record_retired"
)

// RecordEventPayload is the serialized body of record lifecycle events as
// downstream consumers see them.
type RecordEventPayload struct {
	NaturalKey      string     `json:"natural_key"`
	CodeSystem      string     `json:"code_system"`
	Version         int        `json:"version"`
	Name            string     `json:"name,omitempty"`
	ValidFrom       time.Time  `json:"valid_from"`
	ValidTo         *time.Time `json:"valid_to,omitempty"`
	IsCorrection    bool       `json:"is_correction,omitempty"`
	Actor           string     `json:"actor"`
	ChangeRequestID string     `json:"change_request_id,omitempty"`
}

// NewEvent builds a PENDING event with a serialized payload.
func NewEvent(aggregateID, aggregateType, eventType string, payload any) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal outbox payload: %w", err)
	}
	now := time.Now().UTC()
	return Event{
		ID:            uuid.New(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       body,
		CreatedAt:     now,
		Status:        StatusPending,
		NextAttemptAt: now,
	}, nil
}
