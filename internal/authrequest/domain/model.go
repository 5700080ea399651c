package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Status is the read-model status of an authorization request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusDenied     Status = "DENIED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
	StatusVoided     Status = "VOIDED"
)

// IsTerminal reports whether no further auth attempt may mutate the request.
// AUTHORIZED is terminal for the worker but may still transition to VOIDED.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAuthorized, StatusDenied, StatusFailed, StatusExpired, StatusVoided:
		return true
	default:
		return false
	}
}

// AuthRequestState is the synchronously-updated read model row. It is only
// written in the same transaction as the event that justifies the change.
type AuthRequestState struct {
	AuthRequestID  uuid.UUID `json:"auth_request_id" gorm:"primaryKey;type:uuid"`
	RestaurantID   uuid.UUID `json:"restaurant_id" gorm:"index;not null"`
	PaymentToken   string    `json:"payment_token" gorm:"type:text;not null"`
	AmountMinor    int64     `json:"amount_minor" gorm:"not null"`
	Currency       string    `json:"currency" gorm:"type:text;not null"`
	Status         Status    `json:"status" gorm:"type:text;not null"`
	LatestSequence int64     `json:"latest_sequence" gorm:"not null"`

	ProcessorName     string `json:"processor_name" gorm:"type:text"`
	ProcessorAuthID   string `json:"processor_auth_id" gorm:"type:text"`
	AuthorizationCode string `json:"authorization_code" gorm:"type:text"`
	AuthorizedAmount  int64  `json:"authorized_amount"`
	DenialCode        string `json:"denial_code" gorm:"type:text"`
	DenialReason      string `json:"denial_reason" gorm:"type:text"`
	ErrorMessage      string `json:"error_message" gorm:"type:text"`
	RetryCount        int    `json:"retry_count"`

	Metadata  datatypes.JSON `json:"metadata" gorm:"type:jsonb"`
	CreatedAt time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"not null"`
}

func (AuthRequestState) TableName() string { return "auth_request_state" }

// IdempotencyKey binds a client idempotency key to an auth request.
type IdempotencyKey struct {
	RestaurantID   uuid.UUID `json:"restaurant_id" gorm:"primaryKey;type:uuid"`
	IdempotencyKey string    `json:"idempotency_key" gorm:"primaryKey;type:text;column:idempotency_key"`
	AuthRequestID  uuid.UUID `json:"auth_request_id" gorm:"not null"`
	Fingerprint    string    `json:"fingerprint" gorm:"type:text;not null"`
	CreatedAt      time.Time `json:"created_at" gorm:"not null"`
	ExpiresAt      time.Time `json:"expires_at" gorm:"not null"`
}

func (IdempotencyKey) TableName() string { return "auth_idempotency_keys" }
