package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payauth/internal/outbox/domain"
	"github.com/smallbiznis/payauth/pkg/db"
	"gorm.io/gorm"
)

type repo struct {
	conn *gorm.DB
}

func Provide(conn *gorm.DB) domain.Repository {
	return &repo{conn: conn}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, msg *domain.Message) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO outbox (
			id, destination, message_group, dedup_key, message_type, payload,
			attempts, next_attempt_at, created_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.Destination,
		msg.MessageGroup,
		msg.DedupKey,
		msg.MessageType,
		msg.Payload,
		msg.Attempts,
		msg.NextAttemptAt,
		msg.CreatedAt,
		msg.ProcessedAt,
	).Error
}

// claimLease is how long a claimed row stays invisible to other relays.
// Publishing a batch takes milliseconds; an unpublished claim (relay crash)
// becomes due again after the lease.
const claimLease = 30 * time.Second

// ClaimBatch leases due unprocessed rows oldest first. The select and the
// lease update run in one transaction; under postgres the select takes row
// locks with SKIP LOCKED so concurrent relays pass over each other's rows,
// and pushing next_attempt_at forward keeps the claim exclusive after the
// transaction commits. sqlite runs single-writer so the clause is omitted.
func (r *repo) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]domain.Message, error) {
	query := `SELECT id, destination, message_group, dedup_key, message_type,
			payload, attempts, next_attempt_at, created_at, processed_at
		 FROM outbox
		 WHERE processed_at IS NULL AND next_attempt_at <= ?
		 ORDER BY id ASC
		 LIMIT ?`
	if db.SupportsSkipLocked(r.conn) {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	var items []domain.Message
	err := r.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(query, now, limit).Scan(&items).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		ids := make([]snowflake.ID, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ID)
		}
		return tx.Exec(
			`UPDATE outbox SET next_attempt_at = ? WHERE id IN ?`,
			now.Add(claimLease),
			ids,
		).Error
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) MarkProcessed(ctx context.Context, id snowflake.ID, processedAt time.Time) error {
	return r.conn.WithContext(ctx).Exec(
		`UPDATE outbox
		 SET processed_at = ?
		 WHERE id = ? AND processed_at IS NULL`,
		processedAt,
		id,
	).Error
}

func (r *repo) Reschedule(ctx context.Context, id snowflake.ID, attempts int, nextAttemptAt time.Time) error {
	return r.conn.WithContext(ctx).Exec(
		`UPDATE outbox
		 SET attempts = ?, next_attempt_at = ?
		 WHERE id = ? AND processed_at IS NULL`,
		attempts,
		nextAttemptAt,
		id,
	).Error
}

func (r *repo) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.conn.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM outbox WHERE processed_at IS NULL`,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
