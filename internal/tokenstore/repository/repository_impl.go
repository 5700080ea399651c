package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/smallbiznis/payauth/internal/tokenstore/domain"
	"github.com/smallbiznis/payauth/pkg/db"
	"github.com/smallbiznis/payauth/pkg/db/pagination"
	"gorm.io/gorm"
)

// Repository persists tokens on the isolated token database. Nothing in
// here ever touches the payments database.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
	Insert(ctx context.Context, conn *gorm.DB, token *domain.PaymentToken) error
	Get(ctx context.Context, tokenID string) (*domain.PaymentToken, error)
	List(ctx context.Context, restaurantID uuid.UUID, after *pagination.Cursor, limit int) ([]*domain.PaymentToken, error)
	DeleteExpired(ctx context.Context) (int64, error)

	GetIdempotencyKey(ctx context.Context, conn *gorm.DB, restaurantID uuid.UUID, key string) (*domain.TokenIdempotencyKey, error)
	InsertIdempotencyKey(ctx context.Context, conn *gorm.DB, k *domain.TokenIdempotencyKey) error

	InsertAudit(ctx context.Context, audit *domain.DecryptAudit) error

	RegisterKey(ctx context.Context, key *domain.EncryptionKey) error
}

type repo struct {
	conn db.TokenDB
}

func Provide(conn db.TokenDB) Repository {
	return &repo{conn: conn}
}

func (r *repo) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.conn.WithContext(ctx).Transaction(fn)
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, token *domain.PaymentToken) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO payment_tokens (
			token_id, restaurant_id, ciphertext, nonce, key_version, device_token,
			origin_key_id, card_brand, last4, expiry_month, expiry_year, metadata,
			created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.TokenID,
		token.RestaurantID,
		token.Ciphertext,
		token.Nonce,
		token.KeyVersion,
		token.DeviceToken,
		token.OriginKeyID,
		token.CardBrand,
		token.Last4,
		token.ExpiryMonth,
		token.ExpiryYear,
		token.Metadata,
		token.CreatedAt,
		token.ExpiresAt,
	).Error
}

func (r *repo) Get(ctx context.Context, tokenID string) (*domain.PaymentToken, error) {
	var item domain.PaymentToken
	err := r.conn.WithContext(ctx).Raw(
		`SELECT token_id, restaurant_id, ciphertext, nonce, key_version,
			device_token, origin_key_id, card_brand, last4, expiry_month,
			expiry_year, metadata, created_at, expires_at
		 FROM payment_tokens
		 WHERE token_id = ?`,
		tokenID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.TokenID == "" {
		return nil, domain.ErrTokenNotFound
	}
	return &item, nil
}

// List returns a restaurant's tokens newest first. The cursor marks the
// last row of the previous page; callers over-fetch by one to detect more.
func (r *repo) List(ctx context.Context, restaurantID uuid.UUID, after *pagination.Cursor, limit int) ([]*domain.PaymentToken, error) {
	query := `SELECT token_id, restaurant_id, key_version, card_brand, last4,
			expiry_month, expiry_year, metadata, created_at, expires_at
		 FROM payment_tokens
		 WHERE restaurant_id = ?`
	args := []any{restaurantID}
	if after != nil {
		query += ` AND (created_at < ? OR (created_at = ? AND token_id < ?))`
		args = append(args, after.CreatedAt, after.CreatedAt, after.ID)
	}
	query += ` ORDER BY created_at DESC, token_id DESC LIMIT ?`
	args = append(args, limit)

	var items []*domain.PaymentToken
	if err := r.conn.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) DeleteExpired(ctx context.Context) (int64, error) {
	res := r.conn.WithContext(ctx).Exec(
		`DELETE FROM payment_tokens WHERE expires_at <= CURRENT_TIMESTAMP`,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) GetIdempotencyKey(ctx context.Context, conn *gorm.DB, restaurantID uuid.UUID, key string) (*domain.TokenIdempotencyKey, error) {
	var item domain.TokenIdempotencyKey
	err := conn.WithContext(ctx).Raw(
		`SELECT restaurant_id, idempotency_key, token_id, fingerprint, created_at
		 FROM token_idempotency_keys
		 WHERE restaurant_id = ? AND idempotency_key = ?
		 LIMIT 1`,
		restaurantID,
		key,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.TokenID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertIdempotencyKey(ctx context.Context, conn *gorm.DB, k *domain.TokenIdempotencyKey) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO token_idempotency_keys (
			restaurant_id, idempotency_key, token_id, fingerprint, created_at
		) VALUES (?, ?, ?, ?, ?)`,
		k.RestaurantID,
		k.IdempotencyKey,
		k.TokenID,
		k.Fingerprint,
		k.CreatedAt,
	).Error
}

func (r *repo) InsertAudit(ctx context.Context, audit *domain.DecryptAudit) error {
	return r.conn.WithContext(ctx).Exec(
		`INSERT INTO decrypt_audit_log (
			id, token_id, restaurant_id, service_name, allowed, reason, request_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		audit.ID,
		audit.TokenID,
		audit.RestaurantID,
		audit.ServiceName,
		audit.Allowed,
		audit.Reason,
		audit.RequestID,
		audit.CreatedAt,
	).Error
}

func (r *repo) RegisterKey(ctx context.Context, key *domain.EncryptionKey) error {
	return r.conn.WithContext(ctx).Exec(
		`INSERT INTO encryption_keys (version, key_hash, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (version) DO NOTHING`,
		key.Version,
		key.KeyHash,
		key.CreatedAt,
	).Error
}
