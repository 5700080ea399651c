package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/smallbiznis/payauth/internal/authrequest/domain"
	"github.com/smallbiznis/payauth/pkg/db"
	"gorm.io/gorm"
)

type repo struct {
	conn *gorm.DB
}

func Provide(conn *gorm.DB) domain.Repository {
	return &repo{conn: conn}
}

func (r *repo) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.conn.WithContext(ctx).Transaction(fn)
}

func (r *repo) GetState(ctx context.Context, id uuid.UUID) (*domain.AuthRequestState, error) {
	return r.getState(ctx, r.conn, id, false)
}

func (r *repo) GetStateForUpdate(ctx context.Context, conn *gorm.DB, id uuid.UUID) (*domain.AuthRequestState, error) {
	return r.getState(ctx, conn, id, true)
}

func (r *repo) getState(ctx context.Context, conn *gorm.DB, id uuid.UUID, lock bool) (*domain.AuthRequestState, error) {
	query := `SELECT auth_request_id, restaurant_id, payment_token, amount_minor,
			currency, status, latest_sequence, processor_name, processor_auth_id,
			authorization_code, authorized_amount, denial_code, denial_reason,
			error_message, retry_count, metadata, created_at, updated_at
		 FROM auth_request_state
		 WHERE auth_request_id = ?`
	if lock && db.SupportsSkipLocked(conn) {
		query += ` FOR UPDATE`
	}
	var item domain.AuthRequestState
	err := conn.WithContext(ctx).Raw(query, id).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.AuthRequestID == uuid.Nil {
		return nil, domain.ErrNotFound
	}
	return &item, nil
}

func (r *repo) InsertState(ctx context.Context, conn *gorm.DB, st *domain.AuthRequestState) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO auth_request_state (
			auth_request_id, restaurant_id, payment_token, amount_minor,
			currency, status, latest_sequence, processor_name, processor_auth_id,
			authorization_code, authorized_amount, denial_code, denial_reason,
			error_message, retry_count, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.AuthRequestID,
		st.RestaurantID,
		st.PaymentToken,
		st.AmountMinor,
		st.Currency,
		st.Status,
		st.LatestSequence,
		st.ProcessorName,
		st.ProcessorAuthID,
		st.AuthorizationCode,
		st.AuthorizedAmount,
		st.DenialCode,
		st.DenialReason,
		st.ErrorMessage,
		st.RetryCount,
		st.Metadata,
		st.CreatedAt,
		st.UpdatedAt,
	).Error
}

func (r *repo) SaveState(ctx context.Context, conn *gorm.DB, st *domain.AuthRequestState) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE auth_request_state
		 SET status = ?, latest_sequence = ?, processor_name = ?,
			processor_auth_id = ?, authorization_code = ?, authorized_amount = ?,
			denial_code = ?, denial_reason = ?, error_message = ?, retry_count = ?,
			updated_at = ?
		 WHERE auth_request_id = ?`,
		st.Status,
		st.LatestSequence,
		st.ProcessorName,
		st.ProcessorAuthID,
		st.AuthorizationCode,
		st.AuthorizedAmount,
		st.DenialCode,
		st.DenialReason,
		st.ErrorMessage,
		st.RetryCount,
		st.UpdatedAt,
		st.AuthRequestID,
	).Error
}

func (r *repo) GetIdempotencyKey(ctx context.Context, conn *gorm.DB, restaurantID uuid.UUID, key string) (*domain.IdempotencyKey, error) {
	var item domain.IdempotencyKey
	err := conn.WithContext(ctx).Raw(
		`SELECT restaurant_id, idempotency_key, auth_request_id, fingerprint,
			created_at, expires_at
		 FROM auth_idempotency_keys
		 WHERE restaurant_id = ? AND idempotency_key = ?
		 LIMIT 1`,
		restaurantID,
		key,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.AuthRequestID == uuid.Nil {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertIdempotencyKey(ctx context.Context, conn *gorm.DB, k *domain.IdempotencyKey) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO auth_idempotency_keys (
			restaurant_id, idempotency_key, auth_request_id, fingerprint,
			created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		k.RestaurantID,
		k.IdempotencyKey,
		k.AuthRequestID,
		k.Fingerprint,
		k.CreatedAt,
		k.ExpiresAt,
	).Error
}
