package domain

import (
	"context"
	"errors"
	"time"
)

// Status of a processor authorize call.
type Status string

const (
	StatusAuthorized Status = "AUTHORIZED"
	StatusDenied     Status = "DENIED"
)

var (
	ErrProviderNotFound = errors.New("processor_not_found")
	ErrInvalidConfig    = errors.New("invalid_processor_config")
)

// TransientError marks a failure worth retrying: network faults, processor
// 5xx, timeouts, rate limits.
type TransientError struct {
	Code string
	Err  error
}

func (e *TransientError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure retrying cannot fix: bad credentials,
// malformed requests the processor rejected outright.
type FatalError struct {
	Code string
	Err  error
}

func (e *FatalError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func Transient(code string, err error) error { return &TransientError{Code: code, Err: err} }
func Fatal(code string, err error) error     { return &FatalError{Code: code, Err: err} }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// PaymentData is the decrypted card data handed to a processor. It exists
// in memory only for the span of one authorize call and is never persisted
// or logged.
type PaymentData struct {
	CardNumber     string `json:"card_number"`
	ExpiryMonth    int    `json:"expiry_month"`
	ExpiryYear     int    `json:"expiry_year"`
	CVV            string `json:"cvv"`
	CardholderName string `json:"cardholder_name,omitempty"`
	PostalCode     string `json:"postal_code,omitempty"`
}

// AuthorizationRequest is one processor authorize call.
type AuthorizationRequest struct {
	AuthRequestID       string
	AmountMinor         int64
	Currency            string
	StatementDescriptor string
	Payment             PaymentData
	Metadata            map[string]string
}

// AuthorizationResult is the processor's answer. Denials come back as a
// result, not an error: the processor answered, the answer was no.
type AuthorizationResult struct {
	Status            Status
	ProcessorName     string
	ProcessorAuthID   string
	AuthorizationCode string
	AuthorizedAmount  int64
	Currency          string
	AuthorizedAt      time.Time
	DenialCode        string
	DenialReason      string
}

// VoidResult is the processor's answer to a void of a prior authorization.
type VoidResult struct {
	ProcessorName   string
	ProcessorVoidID string
	VoidedAt        time.Time
}

// AdapterConfig is the per-restaurant processor configuration.
type AdapterConfig struct {
	RestaurantID string
	Config       map[string]any
}

// PaymentProcessor authorizes and voids payments against one processor.
type PaymentProcessor interface {
	Name() string
	Authorize(ctx context.Context, req AuthorizationRequest) (*AuthorizationResult, error)
	Void(ctx context.Context, processorAuthID string) (*VoidResult, error)
}

// AdapterFactory builds a configured processor adapter.
type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentProcessor, error)
}
