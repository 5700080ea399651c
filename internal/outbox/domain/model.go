package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Message is a transactional outbox row. Inserted in the same transaction as
// the event it announces; a separate relay publishes and marks it processed.
type Message struct {
	ID           snowflake.ID   `json:"id" gorm:"primaryKey"`
	Destination  string         `json:"destination" gorm:"type:text;not null;index:idx_outbox_pending"`
	MessageGroup string         `json:"message_group" gorm:"type:text;not null"`
	DedupKey     string         `json:"dedup_key" gorm:"type:text"`
	MessageType  string         `json:"message_type" gorm:"type:text;not null"`
	Payload      datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`

	Attempts      int        `json:"attempts" gorm:"not null;default:0"`
	NextAttemptAt time.Time  `json:"next_attempt_at" gorm:"not null;index:idx_outbox_pending"`
	CreatedAt     time.Time  `json:"created_at" gorm:"not null"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

func (Message) TableName() string { return "outbox" }

// Repository persists and claims outbox rows. Insert takes the caller's
// transaction handle; claiming and settlement run on the relay's own
// connection.
type Repository interface {
	Insert(ctx context.Context, conn *gorm.DB, msg *Message) error
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]Message, error)
	MarkProcessed(ctx context.Context, id snowflake.ID, processedAt time.Time) error
	Reschedule(ctx context.Context, id snowflake.ID, attempts int, nextAttemptAt time.Time) error
	CountPending(ctx context.Context) (int64, error)
}
