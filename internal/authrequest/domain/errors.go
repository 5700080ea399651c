package domain

import "errors"

var (
	// ErrNotFound is returned when no auth request exists for the given id.
	ErrNotFound = errors.New("auth_request_not_found")

	// ErrIdempotencyConflict is returned when an idempotency key is replayed
	// with a different request body.
	ErrIdempotencyConflict = errors.New("idempotency_key_conflict")

	// ErrInvalidAmount is returned when amount_minor is not a positive integer.
	ErrInvalidAmount = errors.New("invalid_amount")

	// ErrInvalidCurrency is returned when the currency is not a supported
	// ISO 4217 alpha code.
	ErrInvalidCurrency = errors.New("invalid_currency")

	// ErrInvalidPaymentToken is returned when the payment token reference is
	// missing or malformed.
	ErrInvalidPaymentToken = errors.New("invalid_payment_token")

	// ErrInvalidRestaurant is returned when the restaurant id is missing or
	// has no payment configuration.
	ErrInvalidRestaurant = errors.New("invalid_restaurant")

	// ErrMissingIdempotencyKey is returned when an authorize request omits
	// the idempotency key. The key is required; generating one server-side
	// would silently break client retry dedup.
	ErrMissingIdempotencyKey = errors.New("missing_idempotency_key")

	// ErrExpired is returned when the requested aggregate was closed before
	// any authorization happened.
	ErrExpired = errors.New("auth_request_expired")

	// ErrNotVoidable is returned when a void is requested against a request
	// whose status does not admit one.
	ErrNotVoidable = errors.New("auth_request_not_voidable")
)
