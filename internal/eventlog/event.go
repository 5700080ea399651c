package eventlog

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const AggregateTypeAuthRequest = "auth_request"

// ErrSequenceConflict is returned when another writer already appended at
// the requested sequence number. Callers re-read and retry.
var ErrSequenceConflict = errors.New("event_sequence_conflict")

// Event is a row in the append-only payment_events log. Rows are never
// updated or deleted.
type Event struct {
	EventID        uuid.UUID      `json:"event_id" gorm:"primaryKey;type:uuid"`
	AggregateID    uuid.UUID      `json:"aggregate_id" gorm:"uniqueIndex:idx_aggregate_sequence;not null"`
	AggregateType  string         `json:"aggregate_type" gorm:"type:text;not null"`
	EventType      string         `json:"event_type" gorm:"type:text;not null"`
	SequenceNumber int64          `json:"sequence_number" gorm:"uniqueIndex:idx_aggregate_sequence;not null"`
	EventData      datatypes.JSON `json:"event_data" gorm:"type:jsonb;not null"`
	Metadata       datatypes.JSON `json:"metadata" gorm:"type:jsonb"`
	CreatedAt      time.Time      `json:"created_at" gorm:"not null"`
}

func (Event) TableName() string { return "payment_events" }

// EventMetadata carries correlation fields persisted alongside each event.
type EventMetadata struct {
	CorrelationID  string `json:"correlation_id,omitempty"`
	CausationID    string `json:"causation_id,omitempty"`
	WorkerID       string `json:"worker_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}
