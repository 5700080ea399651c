package domain

import (
	"github.com/google/uuid"
)

// Event kinds appended for an auth request aggregate.
const (
	EventAuthRequestCreated   = "AuthRequestCreated"
	EventAuthAttemptStarted   = "AuthAttemptStarted"
	EventAuthResponseReceived = "AuthResponseReceived"
	EventAuthAttemptFailed    = "AuthAttemptFailed"
	EventAuthVoidRequested    = "AuthVoidRequested"
	EventAuthVoidCompleted    = "AuthVoidCompleted"
	EventAuthRequestExpired   = "AuthRequestExpired"
)

// AuthRequestCreatedPayload records the accepted ingress request.
type AuthRequestCreatedPayload struct {
	AuthRequestID uuid.UUID         `json:"auth_request_id"`
	RestaurantID  uuid.UUID         `json:"restaurant_id"`
	PaymentToken  string            `json:"payment_token"`
	AmountMinor   int64             `json:"amount_minor"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     int64             `json:"created_at"`
}

// AuthAttemptStartedPayload marks the worker taking ownership of an attempt.
type AuthAttemptStartedPayload struct {
	AuthRequestID uuid.UUID `json:"auth_request_id"`
	WorkerID      string    `json:"worker_id"`
	ConfigVersion string    `json:"restaurant_payment_config_version,omitempty"`
	StartedAt     int64     `json:"started_at"`
}

// AuthResultPayload is the processor outcome snapshot embedded in events.
type AuthResultPayload struct {
	ProcessorName     string `json:"processor_name,omitempty"`
	ProcessorAuthID   string `json:"processor_auth_id,omitempty"`
	AuthorizationCode string `json:"authorization_code,omitempty"`
	AuthorizedAmount  int64  `json:"authorized_amount,omitempty"`
	Currency          string `json:"currency,omitempty"`
	AuthorizedAt      int64  `json:"authorized_at,omitempty"`
	DenialCode        string `json:"denial_code,omitempty"`
	DenialReason      string `json:"denial_reason,omitempty"`
}

// AuthResponseReceivedPayload records the processor's answer, authorized or
// denied. A denial is a normal business outcome, not a failure.
type AuthResponseReceivedPayload struct {
	AuthRequestID uuid.UUID         `json:"auth_request_id"`
	Status        Status            `json:"status"`
	Result        AuthResultPayload `json:"result"`
	ReceivedAt    int64             `json:"received_at"`
}

// AuthAttemptFailedPayload records a failed attempt. Retryable failures keep
// the read model at PROCESSING; terminal ones move it to FAILED.
type AuthAttemptFailedPayload struct {
	AuthRequestID uuid.UUID `json:"auth_request_id"`
	ErrorCode     string    `json:"error_code"`
	ErrorMessage  string    `json:"error_message"`
	IsRetryable   bool      `json:"is_retryable"`
	RetryCount    int       `json:"retry_count,omitempty"`
	NextRetryAt   int64     `json:"next_retry_at,omitempty"`
	FailedAt      int64     `json:"failed_at"`
}

// AuthVoidRequestedPayload records a client void request.
type AuthVoidRequestedPayload struct {
	AuthRequestID uuid.UUID `json:"auth_request_id"`
	Reason        string    `json:"reason,omitempty"`
	RequestedAt   int64     `json:"requested_at"`
}

// AuthVoidCompletedPayload records a successful processor void after auth.
type AuthVoidCompletedPayload struct {
	AuthRequestID   uuid.UUID `json:"auth_request_id"`
	ProcessorName   string    `json:"processor_name,omitempty"`
	ProcessorVoidID string    `json:"processor_void_id,omitempty"`
	VoidedAt        int64     `json:"voided_at"`
}

// AuthRequestExpiredPayload records an aggregate closed without a processor
// call (void race) or past its useful lifetime.
type AuthRequestExpiredPayload struct {
	AuthRequestID uuid.UUID `json:"auth_request_id"`
	Reason        string    `json:"reason"`
	ExpiredAt     int64     `json:"expired_at"`
}

// QueuedMessage is the payload delivered to the worker queue.
type QueuedMessage struct {
	AuthRequestID uuid.UUID `json:"auth_request_id"`
	RestaurantID  uuid.UUID `json:"restaurant_id"`
	CreatedAt     int64     `json:"created_at"`
}

// VoidQueuedMessage is the payload delivered to the void queue.
type VoidQueuedMessage struct {
	AuthRequestID uuid.UUID `json:"auth_request_id"`
	RestaurantID  uuid.UUID `json:"restaurant_id"`
	Reason        string    `json:"reason,omitempty"`
	RequestedAt   int64     `json:"requested_at"`
}
