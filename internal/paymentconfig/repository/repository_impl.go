package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/smallbiznis/payauth/internal/paymentconfig/domain"
	"gorm.io/gorm"
)

type repo struct {
	conn *gorm.DB
}

func Provide(conn *gorm.DB) domain.Repository {
	return &repo{conn: conn}
}

const selectColumns = `restaurant_id, processor_name, config_version,
	processor_config, statement_descriptor, api_key_hash, metadata,
	created_at, updated_at`

func (r *repo) Get(ctx context.Context, restaurantID uuid.UUID) (*domain.RestaurantPaymentConfig, error) {
	var item domain.RestaurantPaymentConfig
	err := r.conn.WithContext(ctx).Raw(
		`SELECT `+selectColumns+`
		 FROM restaurant_payment_configs
		 WHERE restaurant_id = ?`,
		restaurantID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.RestaurantID == uuid.Nil {
		return nil, domain.ErrConfigNotFound
	}
	return &item, nil
}

func (r *repo) FindByAPIKeyHash(ctx context.Context, hash string) (*domain.RestaurantPaymentConfig, error) {
	var item domain.RestaurantPaymentConfig
	err := r.conn.WithContext(ctx).Raw(
		`SELECT `+selectColumns+`
		 FROM restaurant_payment_configs
		 WHERE api_key_hash = ?
		 LIMIT 1`,
		hash,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.RestaurantID == uuid.Nil {
		return nil, domain.ErrConfigNotFound
	}
	return &item, nil
}

func (r *repo) Upsert(ctx context.Context, conn *gorm.DB, cfg *domain.RestaurantPaymentConfig) error {
	if conn == nil {
		conn = r.conn
	}
	return conn.WithContext(ctx).Exec(
		`INSERT INTO restaurant_payment_configs (
			restaurant_id, processor_name, config_version, processor_config,
			statement_descriptor, api_key_hash, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (restaurant_id) DO UPDATE SET
			processor_name = EXCLUDED.processor_name,
			config_version = EXCLUDED.config_version,
			processor_config = EXCLUDED.processor_config,
			statement_descriptor = EXCLUDED.statement_descriptor,
			api_key_hash = EXCLUDED.api_key_hash,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		cfg.RestaurantID,
		cfg.ProcessorName,
		cfg.ConfigVersion,
		cfg.ProcessorConfig,
		cfg.StatementDescriptor,
		cfg.APIKeyHash,
		cfg.Metadata,
		cfg.CreatedAt,
		cfg.UpdatedAt,
	).Error
}
