package domain

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository persists the auth request read model and idempotency keys. All
// writes take an explicit transaction handle so the caller controls
// transaction boundaries: the read model is never updated outside the
// transaction that appends the justifying event.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error

	GetState(ctx context.Context, id uuid.UUID) (*AuthRequestState, error)
	GetStateForUpdate(ctx context.Context, conn *gorm.DB, id uuid.UUID) (*AuthRequestState, error)
	InsertState(ctx context.Context, conn *gorm.DB, st *AuthRequestState) error
	SaveState(ctx context.Context, conn *gorm.DB, st *AuthRequestState) error

	GetIdempotencyKey(ctx context.Context, conn *gorm.DB, restaurantID uuid.UUID, key string) (*IdempotencyKey, error)
	InsertIdempotencyKey(ctx context.Context, conn *gorm.DB, k *IdempotencyKey) error
}
