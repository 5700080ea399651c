package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrConfigNotFound = errors.New("restaurant_payment_config_not_found")

// RestaurantPaymentConfig holds one restaurant's processor wiring and the
// hashed API key its clients authenticate with.
type RestaurantPaymentConfig struct {
	RestaurantID        uuid.UUID      `json:"restaurant_id" gorm:"primaryKey;type:uuid"`
	ProcessorName       string         `json:"processor_name" gorm:"type:text;not null"`
	ConfigVersion       string         `json:"config_version" gorm:"type:text;not null"`
	ProcessorConfig     datatypes.JSON `json:"processor_config" gorm:"type:jsonb;not null"`
	StatementDescriptor string         `json:"statement_descriptor" gorm:"type:text"`
	APIKeyHash          string         `json:"-" gorm:"column:api_key_hash;type:text;uniqueIndex"`
	Metadata            datatypes.JSON `json:"metadata" gorm:"type:jsonb"`
	CreatedAt           time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt           time.Time      `json:"updated_at" gorm:"not null"`
}

func (RestaurantPaymentConfig) TableName() string { return "restaurant_payment_configs" }

// HashAPIKey hashes a raw ingress API key the same way keys are stored.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type Repository interface {
	Get(ctx context.Context, restaurantID uuid.UUID) (*RestaurantPaymentConfig, error)
	FindByAPIKeyHash(ctx context.Context, hash string) (*RestaurantPaymentConfig, error)
	Upsert(ctx context.Context, conn *gorm.DB, cfg *RestaurantPaymentConfig) error
}
