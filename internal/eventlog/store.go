package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/payauth/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Store reads and appends payment events. The unique
// (aggregate_id, sequence_number) index is the sole concurrency primitive
// protecting aggregate invariants: a losing writer gets ErrSequenceConflict.
type Store struct{}

func NewStore() *Store { return &Store{} }

var Module = fx.Module("eventlog", fx.Provide(NewStore))

// NextSequence returns the next sequence number for an aggregate (1 when no
// events exist). Must run inside the same transaction as the Append that
// uses it.
func (s *Store) NextSequence(ctx context.Context, conn *gorm.DB, aggregateID uuid.UUID) (int64, error) {
	var next int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(sequence_number), 0) + 1
		 FROM payment_events
		 WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&next).Error
	if err != nil {
		return 0, err
	}
	if next < 1 {
		next = 1
	}
	return next, nil
}

// Append inserts an event at the given sequence. A duplicate
// (aggregate_id, sequence_number) insert maps to ErrSequenceConflict.
func (s *Store) Append(ctx context.Context, conn *gorm.DB, event *Event) error {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.AggregateType == "" {
		event.AggregateType = AggregateTypeAuthRequest
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	err := conn.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			event_id, aggregate_id, aggregate_type, event_type,
			sequence_number, event_data, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID,
		event.AggregateID,
		event.AggregateType,
		event.EventType,
		event.SequenceNumber,
		event.EventData,
		event.Metadata,
		event.CreatedAt,
	).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return ErrSequenceConflict
		}
		return err
	}
	return nil
}

// AppendNext resolves the next sequence number and appends in one step.
func (s *Store) AppendNext(ctx context.Context, conn *gorm.DB, event *Event) (int64, error) {
	next, err := s.NextSequence(ctx, conn, event.AggregateID)
	if err != nil {
		return 0, err
	}
	event.SequenceNumber = next
	if err := s.Append(ctx, conn, event); err != nil {
		return 0, err
	}
	return next, nil
}

// Load returns all events for an aggregate in sequence order.
func (s *Store) Load(ctx context.Context, conn *gorm.DB, aggregateID uuid.UUID) ([]Event, error) {
	var events []Event
	err := conn.WithContext(ctx).Raw(
		`SELECT event_id, aggregate_id, aggregate_type, event_type,
		        sequence_number, event_data, metadata, created_at
		 FROM payment_events
		 WHERE aggregate_id = ?
		 ORDER BY sequence_number ASC`,
		aggregateID,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// HasEvent reports whether the aggregate has at least one event of the
// given type. Used by the worker's void race check.
func (s *Store) HasEvent(ctx context.Context, conn *gorm.DB, aggregateID uuid.UUID, eventType string) (bool, error) {
	var count int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM payment_events
		 WHERE aggregate_id = ? AND event_type = ?`,
		aggregateID,
		eventType,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CountByType returns the number of events of a given type for an aggregate.
func (s *Store) CountByType(ctx context.Context, conn *gorm.DB, aggregateID uuid.UUID, eventType string) (int64, error) {
	var count int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM payment_events
		 WHERE aggregate_id = ? AND event_type = ?`,
		aggregateID,
		eventType,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// EncodePayload marshals an event payload to its stored JSON form.
func EncodePayload(payload any) ([]byte, error) {
	return json.Marshal(payload)
}
